package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailrpc/internal/model"
)

type processedRow struct {
	MessageID   string `db:"message_id"`
	RequestID   string `db:"request_id"`
	ProcessedAt int64  `db:"processed_at"`
}

type resolvedRow struct {
	RequestID  string `db:"request_id"`
	ResolvedAt int64  `db:"resolved_at"`
}

// RecordProcessed stores a processed-message entry. Re-recording the same
// message id replaces the earlier row.
func (s *SQLiteStore) RecordProcessed(
	ctx context.Context,
	m model.ProcessedMessage,
) error {
	if m.MessageID == "" {
		return fmt.Errorf("processed message id must not be empty")
	}
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO processed_messages (message_id, request_id, processed_at)
		VALUES (?, ?, ?)`,
		m.MessageID, m.RequestID, m.ProcessedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording processed message %s: %w",
			m.MessageID, err)
	}

	return nil
}

// RecordResolved stores a resolved-request entry.
func (s *SQLiteStore) RecordResolved(
	ctx context.Context,
	r model.ResolvedRequest,
) error {
	if r.RequestID == "" {
		return fmt.Errorf("resolved request id must not be empty")
	}
	if r.ResolvedAt.IsZero() {
		r.ResolvedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO resolved_requests (request_id, resolved_at)
		VALUES (?, ?)`,
		r.RequestID, r.ResolvedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording resolved request %s: %w",
			r.RequestID, err)
	}

	return nil
}

// ProcessedMessages returns every processed-message row, oldest first.
func (s *SQLiteStore) ProcessedMessages(
	ctx context.Context,
) ([]model.ProcessedMessage, error) {
	var rows []processedRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT message_id, request_id, processed_at
		FROM processed_messages ORDER BY processed_at`)
	if err != nil {
		return nil, fmt.Errorf("querying processed messages: %w", err)
	}

	out := make([]model.ProcessedMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.ProcessedMessage{
			MessageID:   r.MessageID,
			RequestID:   r.RequestID,
			ProcessedAt: time.UnixMilli(r.ProcessedAt),
		})
	}

	return out, nil
}

// ResolvedRequests returns every resolved-request row, oldest first.
func (s *SQLiteStore) ResolvedRequests(
	ctx context.Context,
) ([]model.ResolvedRequest, error) {
	var rows []resolvedRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT request_id, resolved_at
		FROM resolved_requests ORDER BY resolved_at`)
	if err != nil {
		return nil, fmt.Errorf("querying resolved requests: %w", err)
	}

	out := make([]model.ResolvedRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.ResolvedRequest{
			RequestID:  r.RequestID,
			ResolvedAt: time.UnixMilli(r.ResolvedAt),
		})
	}

	return out, nil
}

// PruneLedgers deletes processed-message and resolved-request rows older
// than before, in one transaction.
func (s *SQLiteStore) PruneLedgers(
	ctx context.Context,
	before time.Time,
) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UnixMilli()

	var total int64
	for _, q := range []string{
		"DELETE FROM processed_messages WHERE processed_at < ?",
		"DELETE FROM resolved_requests WHERE resolved_at < ?",
	} {
		res, err := tx.ExecContext(ctx, q, cutoff)
		if err != nil {
			return 0, fmt.Errorf("pruning ledgers: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}

	if total > 0 {
		log.Debugf("Pruned %d ledger rows older than %v", total, before)
	}

	return total, nil
}
