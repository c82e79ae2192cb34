package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

const (
	EventSaleCompleted    = "sale_completed"
	EventSaleRefunded     = "sale_refunded"
	EventSaleVoided       = "sale_voided"
	EventStockReceived    = "stock_received"
	EventStockAdjusted    = "stock_adjusted"
	EventStockCounted     = "stock_counted"
	EventStockTransferred = "stock_transferred"
	EventShiftClosed      = "shift_closed"
)

// Event is a business fact to hand off to the analytics sink.
type Event struct {
	Type       string
	EntityType string
	EntityID   string
	Payload    any
}

// Outbox is a durable queue of business events. Claims are disjoint across
// concurrent workers as long as the backing store honors the ClaimPendingEvents contract.
type Outbox struct {
	repo store.Repository
	now  func() time.Time
}

func New(repo store.Repository) *Outbox {
	return &Outbox{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue inserts a pending event inside the caller's transaction.
func (o *Outbox) Enqueue(ctx context.Context, tx store.Tx, tenantID string, event Event) (domain.QueuedEvent, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return domain.QueuedEvent{}, fmt.Errorf("encode %s payload: %w", event.Type, err)
	}
	queued := domain.QueuedEvent{
		ID:         xid.New("evt"),
		TenantID:   tenantID,
		EventType:  event.Type,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Payload:    payload,
		Status:     domain.EventStatusPending,
		CreatedAt:  o.now(),
	}
	if err := tx.InsertEvent(ctx, queued); err != nil {
		return domain.QueuedEvent{}, err
	}
	return queued, nil
}

// ClaimPending flips up to limit pending events to processing and returns them.
func (o *Outbox) ClaimPending(ctx context.Context, limit int) ([]domain.QueuedEvent, error) {
	if limit < 1 {
		return nil, nil
	}
	return o.repo.ClaimPendingEvents(ctx, limit)
}

func (o *Outbox) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return o.repo.AckEvents(ctx, ids, o.now())
}

func (o *Outbox) Fail(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	return o.repo.FailEvents(ctx, ids, reason)
}

// RequeueFailed returns failed events below maxRetries to pending. The rest
// stay failed for manual inspection.
func (o *Outbox) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	return o.repo.RequeueFailedEvents(ctx, maxRetries)
}

// ExpireClaims fails events that have been processing for longer than
// claimTimeout, so a worker that died mid-batch does not strand them.
// RequeueFailed then returns them to pending like any other failure.
func (o *Outbox) ExpireClaims(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	return o.repo.ExpireStaleClaims(ctx, o.now().Add(-claimTimeout))
}

// PurgeCompleted deletes completed events processed more than olderThanDays ago.
func (o *Outbox) PurgeCompleted(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		olderThanDays = 0
	}
	return o.repo.PurgeCompletedEvents(ctx, o.now().AddDate(0, 0, -olderThanDays))
}
