package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/dartcloud/core/internal/apierrors"
)

// InsertFunctionLog appends a single platform-level log line (distinct
// from the per-invocation logs embedded on the invocation row — this
// table is for engine-emitted diagnostics, e.g. best-effort image
// removal failures during activation).
func (s *Store) InsertFunctionLog(ctx context.Context, functionID uuid.UUID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO function_logs (function_id, level, message) VALUES ($1, $2, $3)
	`, functionID, level, message)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, "insert function log", err)
	}
	return nil
}

// ListFunctionLogs returns the most recent platform-level log lines for a function.
func (s *Store) ListFunctionLogs(ctx context.Context, functionID uuid.UUID, limit int) ([]FunctionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []FunctionLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, function_id, level, message, timestamp
		FROM function_logs WHERE function_id = $1 ORDER BY timestamp DESC LIMIT $2
	`, functionID, limit)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, "list function logs", err)
	}
	return logs, nil
}
