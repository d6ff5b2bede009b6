package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dartcloud/core/internal/apierrors"
)

// InsertApiKey persists a freshly issued key. The cleartext secret is
// never passed to this method — only its sealed (AES-GCM encrypted)
// form, produced by internal/signing before the call and stored in
// secret_hash.
func (s *Store) InsertApiKey(ctx context.Context, functionID uuid.UUID, name string, validity KeyValidity, secretHash string, expiresAt *time.Time) (*ApiKey, error) {
	var k ApiKey
	err := s.db.GetContext(ctx, &k, `
		INSERT INTO api_keys (function_id, secret_hash, name, validity, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id, function_id, secret_hash, name, validity, expires_at, is_active, created_at, revoked_at
	`, functionID, secretHash, name, validity, expiresAt)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "insert api key", err)
	}
	return &k, nil
}

// GetApiKey fetches a single key by id.
func (s *Store) GetApiKey(ctx context.Context, id uuid.UUID) (*ApiKey, error) {
	var k ApiKey
	err := s.db.GetContext(ctx, &k, `
		SELECT id, function_id, secret_hash, name, validity, expires_at, is_active, created_at, revoked_at
		FROM api_keys WHERE id = $1
	`, id)
	if isNoRows(err) {
		return nil, apierrors.New(apierrors.NotFound, "api key not found")
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "get api key", err)
	}
	return &k, nil
}

// ListApiKeys returns every key for a function ordered active > disabled >
// expired, ties broken by created_at descending, per §4.7.
func (s *Store) ListApiKeys(ctx context.Context, functionID uuid.UUID) ([]ApiKey, error) {
	var ks []ApiKey
	err := s.db.SelectContext(ctx, &ks, `
		SELECT id, function_id, secret_hash, name, validity, expires_at, is_active, created_at, revoked_at
		FROM api_keys
		WHERE function_id = $1
		ORDER BY
			CASE
				WHEN NOT is_active THEN 1
				WHEN expires_at IS NOT NULL AND expires_at <= NOW() THEN 2
				ELSE 0
			END ASC,
			created_at DESC
	`, functionID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "list api keys", err)
	}
	return ks, nil
}

// RevokeApiKey marks a key inactive and stamps revoked_at. Per I3,
// expires_at is never touched.
func (s *Store) RevokeApiKey(ctx context.Context, id uuid.UUID) error {
	ct, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = FALSE, revoked_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, "revoke api key", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return apierrors.New(apierrors.NotFound, "api key not found")
	}
	return nil
}

// EnableApiKey re-activates a previously revoked key. Per the
// testable property in §8, re-enabling a key whose expires_at has
// already lapsed does not make it valid again — IsValid still
// evaluates IsExpired at read time, so this is a pure is_active flip.
func (s *Store) EnableApiKey(ctx context.Context, id uuid.UUID) error {
	ct, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = TRUE, revoked_at = NULL WHERE id = $1
	`, id)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, "enable api key", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return apierrors.New(apierrors.NotFound, "api key not found")
	}
	return nil
}
