package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dartcloud/core/internal/apierrors"
)

// InsertInvocationParams is the append-only row C6 records after
// every invocation. RequestInfo and Logs are pre-marshaled by the
// caller so this package stays agnostic of the envelope's Go shape.
type InsertInvocationParams struct {
	FunctionID  uuid.UUID
	Status      InvocationStatus
	DurationMS  int64
	Error       *string
	Logs        json.RawMessage
	RequestInfo json.RawMessage
	Result      json.RawMessage
	Success     bool
}

// InsertInvocation appends an invocation row. Never call this with a
// RequestInfo payload containing a body field — I5 is enforced by
// construction in internal/invoke, not re-checked here.
func (s *Store) InsertInvocation(ctx context.Context, p InsertInvocationParams) (*Invocation, error) {
	var inv Invocation
	err := s.db.GetContext(ctx, &inv, `
		INSERT INTO invocations (function_id, status, duration_ms, error, logs, request_info, result, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, function_id, status, duration_ms, error, logs, request_info, result, success, timestamp
	`, p.FunctionID, p.Status, p.DurationMS, p.Error, p.Logs, p.RequestInfo, p.Result, p.Success)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "insert invocation", err)
	}
	return &inv, nil
}

// ListInvocations returns the most recent invocations for a function.
func (s *Store) ListInvocations(ctx context.Context, functionID uuid.UUID, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	var invs []Invocation
	err := s.db.SelectContext(ctx, &invs, `
		SELECT id, function_id, status, duration_ms, error, logs, request_info, result, success, timestamp
		FROM invocations WHERE function_id = $1 ORDER BY timestamp DESC LIMIT $2
	`, functionID, limit)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "list invocations", err)
	}
	return invs, nil
}
