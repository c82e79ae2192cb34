package postgres

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"ledgerpos/backend/internal/domain"
)

func insertEvent(ctx context.Context, q queryer, e domain.QueuedEvent) error {
	status := e.Status
	if status == "" {
		status = domain.EventStatusPending
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, tenant_id, event_type, entity_type, entity_id, payload, status, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.TenantID, e.EventType, e.EntityType, e.EntityID, string(e.Payload), status, e.RetryCount, e.CreatedAt.UTC())
	return err
}

// ClaimPendingEvents marks up to limit pending events as processing. Rows
// locked by another relay worker are skipped, so workers never share an event.
func (s *Store) ClaimPendingEvents(ctx context.Context, limit int) ([]domain.QueuedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET status = 'processing', claimed_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, event_type, entity_type, entity_id, payload, status, retry_count, last_error, created_at, claimed_at, processed_at
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.QueuedEvent, 0, limit)
	for rows.Next() {
		var e domain.QueuedEvent
		var payload []byte
		var claimedAt, processedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventType, &e.EntityType, &e.EntityID, &payload, &e.Status,
			&e.RetryCount, &e.LastError, &e.CreatedAt, &claimedAt, &processedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.CreatedAt = e.CreatedAt.UTC()
		e.ClaimedAt = timePtr(claimedAt)
		e.ProcessedAt = timePtr(processedAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not keep the subquery order.
	slices.SortFunc(events, func(a, b domain.QueuedEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return events, nil
}

func (s *Store) AckEvents(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'completed', processed_at = $2, last_error = ''
		WHERE id = ANY($1)
	`, ids, at.UTC())
	return err
}

func (s *Store) FailEvents(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2
		WHERE id = ANY($1)
	`, ids, reason)
	return err
}

func (s *Store) RequeueFailedEvents(ctx context.Context, maxRetries int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending'
		WHERE status = 'failed' AND retry_count < $1
	`, maxRetries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ExpireStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'failed', retry_count = retry_count + 1, last_error = 'claim expired'
		WHERE status = 'processing' AND claimed_at < $1
	`, claimedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PurgeCompletedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'completed' AND processed_at < $1
	`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
