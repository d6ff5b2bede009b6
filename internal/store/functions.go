package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/dartcloud/core/internal/apierrors"
)

// FindOrCreateFunction resolves a function by (owner_id, name) — the
// table's unique constraint — inserting a new row only the first time
// a name is deployed for that owner. Subsequent deploys of the same
// name reuse the existing function so AllocateDeployment can allocate
// v2, v3, ... instead of colliding on the unique constraint. The
// upsert is a single round trip so two concurrent first deploys of the
// same name can't race each other into a unique-violation.
func (s *Store) FindOrCreateFunction(ctx context.Context, ownerID uuid.UUID, name string, skipSigning bool) (*Function, error) {
	var f Function
	err := s.db.GetContext(ctx, &f, `
		INSERT INTO functions (owner_id, name, skip_signing)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at
	`, ownerID, name, skipSigning)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "find or create function", err)
	}
	return &f, nil
}

// GetFunction looks up a function by id, regardless of status.
func (s *Store) GetFunction(ctx context.Context, id uuid.UUID) (*Function, error) {
	var f Function
	err := s.db.GetContext(ctx, &f, `
		SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at
		FROM functions WHERE id = $1
	`, id)
	if isNoRows(err) {
		return nil, apierrors.New(apierrors.NotFound, "function not found")
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "get function", err)
	}
	return &f, nil
}

// ListFunctionsByOwner returns every non-deleted function owned by ownerID.
func (s *Store) ListFunctionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Function, error) {
	var fns []Function
	err := s.db.SelectContext(ctx, &fns, `
		SELECT id, owner_id, name, status, active_deployment_id, skip_signing, created_at, updated_at
		FROM functions
		WHERE owner_id = $1 AND status != $2
		ORDER BY created_at DESC
	`, ownerID, FunctionStatusDeleted)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "list functions", err)
	}
	return fns, nil
}

// SoftDeleteFunction marks a function deleted. Cascading deployment,
// key, invocation, and log rows are left in place for audit history;
// only the function's status changes.
func (s *Store) SoftDeleteFunction(ctx context.Context, id uuid.UUID) error {
	ct, err := s.db.ExecContext(ctx, `
		UPDATE functions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, FunctionStatusDeleted)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, "delete function", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return apierrors.New(apierrors.NotFound, "function not found")
	}
	return nil
}

func isNoRows(err error) bool {
	return err != nil && errors.Is(err, sql.ErrNoRows)
}
