package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dartcloud/core/internal/apierrors"
)

// AllocateDeployment performs deploy steps 6-7 in one transaction: it
// locks the function row, computes the next monotonic version, and
// inserts a building deployment row for it. Two concurrent deploys for
// the same function serialize on the row lock.
func (s *Store) AllocateDeployment(ctx context.Context, functionID uuid.UUID, archiveKey string) (*Deployment, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "begin allocate deployment tx", err)
	}
	defer tx.Rollback()

	var fn Function
	if err := tx.GetContext(ctx, &fn, `SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at FROM functions WHERE id = $1 FOR UPDATE`, functionID); err != nil {
		if isNoRows(err) {
			return nil, apierrors.New(apierrors.NotFound, "function not found")
		}
		return nil, apierrors.Wrap(apierrors.Internal, "lock function row", err)
	}

	var maxVersion int
	if err := tx.GetContext(ctx, &maxVersion, `SELECT COALESCE(MAX(version), 0) FROM deployments WHERE function_id = $1`, functionID); err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "allocate version", err)
	}
	version := maxVersion + 1
	imageTag := fmt.Sprintf("func-%s:v%d", functionID, version)

	var d Deployment
	err = tx.GetContext(ctx, &d, `
		INSERT INTO deployments (function_id, version, image_tag, archive_key, status, is_active)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		RETURNING id, function_id, version, image_tag, archive_key, status, is_active, build_logs, deployed_at
	`, functionID, version, imageTag, archiveKey, DeploymentStatusBuilding)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "insert deployment", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "commit allocate deployment tx", err)
	}
	return &d, nil
}

// MarkDeploymentFailed records a build failure (deploy step 8).
func (s *Store) MarkDeploymentFailed(ctx context.Context, id uuid.UUID, buildLogs string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = $2, build_logs = $3 WHERE id = $1
	`, id, DeploymentStatusFailed, buildLogs)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, "mark deployment failed", err)
	}
	return nil
}

// ActivateDeployment performs deploy step 9: mark the deployment
// ready and, within a single transaction, flip the active pointer —
// the previous active deployment (if any) is deactivated, the new one
// is activated, and function.active_deployment_id is updated. Returns
// the previous active deployment's image tag, if any, so the caller
// can best-effort remove it via C1 outside the transaction.
func (s *Store) ActivateDeployment(ctx context.Context, functionID, deploymentID uuid.UUID) (previousImageTag string, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", apierrors.Wrap(apierrors.Internal, "begin activate tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE deployments SET status = $2 WHERE id = $1`, deploymentID, DeploymentStatusReady); err != nil {
		return "", apierrors.Wrap(apierrors.Internal, "mark deployment ready", err)
	}

	var prev struct {
		ID       uuid.UUID `db:"id"`
		ImageTag string    `db:"image_tag"`
	}
	prevErr := tx.GetContext(ctx, &prev, `
		SELECT id, image_tag FROM deployments WHERE function_id = $1 AND is_active = TRUE FOR UPDATE
	`, functionID)
	if prevErr != nil && !isNoRows(prevErr) {
		return "", apierrors.Wrap(apierrors.Internal, "lock previous active deployment", prevErr)
	}
	if prevErr == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE deployments SET is_active = FALSE WHERE id = $1`, prev.ID); err != nil {
			return "", apierrors.Wrap(apierrors.Internal, "deactivate previous deployment", err)
		}
		previousImageTag = prev.ImageTag
	}

	if _, err := tx.ExecContext(ctx, `UPDATE deployments SET is_active = TRUE WHERE id = $1`, deploymentID); err != nil {
		return "", apierrors.Wrap(apierrors.Internal, "activate deployment", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE functions SET active_deployment_id = $2, updated_at = NOW() WHERE id = $1`, functionID, deploymentID); err != nil {
		return "", apierrors.Wrap(apierrors.Internal, "update function active pointer", err)
	}

	if err := tx.Commit(); err != nil {
		return "", apierrors.Wrap(apierrors.Internal, "commit activate tx", err)
	}
	return previousImageTag, nil
}

// Rollback re-activates an existing deployment for a function (the
// rollback endpoint); it reuses the same activation transaction since
// the invariant it must preserve is identical.
func (s *Store) Rollback(ctx context.Context, functionID, deploymentID uuid.UUID) (previousImageTag string, err error) {
	var target Deployment
	if err := s.db.GetContext(ctx, &target, `SELECT id, function_id, version, image_tag, archive_key, status, is_active, build_logs, deployed_at FROM deployments WHERE id = $1 AND function_id = $2`, deploymentID, functionID); err != nil {
		if isNoRows(err) {
			return "", apierrors.New(apierrors.NotFound, "deployment not found")
		}
		return "", apierrors.Wrap(apierrors.Internal, "lookup rollback target", err)
	}
	if target.Status != DeploymentStatusReady {
		return "", apierrors.New(apierrors.InvalidArchive, "cannot roll back to a deployment that never became ready")
	}
	return s.ActivateDeployment(ctx, functionID, deploymentID)
}

// GetDeployment fetches a single deployment row.
func (s *Store) GetDeployment(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	var d Deployment
	err := s.db.GetContext(ctx, &d, `
		SELECT id, function_id, version, image_tag, archive_key, status, is_active, build_logs, deployed_at
		FROM deployments WHERE id = $1
	`, id)
	if isNoRows(err) {
		return nil, apierrors.New(apierrors.NotFound, "deployment not found")
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "get deployment", err)
	}
	return &d, nil
}

// ActiveDeployment returns the currently active deployment for a
// function, or FunctionUnavailable if there is none.
func (s *Store) ActiveDeployment(ctx context.Context, functionID uuid.UUID) (*Deployment, error) {
	var d Deployment
	err := s.db.GetContext(ctx, &d, `
		SELECT id, function_id, version, image_tag, archive_key, status, is_active, build_logs, deployed_at
		FROM deployments WHERE function_id = $1 AND is_active = TRUE
	`, functionID)
	if isNoRows(err) {
		return nil, apierrors.New(apierrors.FunctionUnavailable, "no active deployment")
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "get active deployment", err)
	}
	return &d, nil
}

// ListDeployments returns every deployment for a function, newest first.
func (s *Store) ListDeployments(ctx context.Context, functionID uuid.UUID) ([]Deployment, error) {
	var ds []Deployment
	err := s.db.SelectContext(ctx, &ds, `
		SELECT id, function_id, version, image_tag, archive_key, status, is_active, build_logs, deployed_at
		FROM deployments WHERE function_id = $1 ORDER BY version DESC
	`, functionID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "list deployments", err)
	}
	return ds, nil
}
