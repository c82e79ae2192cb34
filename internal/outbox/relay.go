package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type RelayConfig struct {
	Workers             int
	BatchSize           int
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	MaxRetries          int
	RetentionDays       int
	// ClaimTimeout is how long an event may stay processing before the
	// maintenance loop treats its claim as lost.
	ClaimTimeout time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.BatchSize < 1 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 5
	}
	if c.RetentionDays < 1 {
		c.RetentionDays = 7
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	return c
}

// settleTimeout bounds the ack/fail writes that record a batch outcome.
const settleTimeout = 10 * time.Second

// Relay drains the outbox into a Publisher. Failed deliveries are retried
// by the maintenance loop until MaxRetries, never by the sale path.
type Relay struct {
	outbox    *Outbox
	publisher Publisher
	cfg       RelayConfig
	log       zerolog.Logger
	tracer    trace.Tracer
	wg        sync.WaitGroup
}

func NewRelay(outbox *Outbox, publisher Publisher, cfg RelayConfig, logger zerolog.Logger) *Relay {
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		log:       logger.With().Str("component", "outbox-relay").Logger(),
		tracer:    otel.Tracer("ledgerpos/outbox"),
	}
}

// Start launches the workers and the maintenance loop. They stop when ctx is done.
func (r *Relay) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.runWorker(ctx, i)
	}
	r.wg.Add(1)
	go r.runMaintenance(ctx)
	r.log.Info().Int("workers", r.cfg.Workers).Int("batch_size", r.cfg.BatchSize).Msg("outbox relay started")
}

// Wait blocks until every goroutine started by Start has returned.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) runWorker(ctx context.Context, id int) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Debug().Int("worker", id).Msg("outbox worker shutting down")
			return
		case <-ticker.C:
			// Keep draining while full batches come back.
			for {
				n, err := r.ProcessBatch(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						r.log.Error().Err(err).Int("worker", id).Msg("outbox batch failed")
					}
					break
				}
				if n < r.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

func (r *Relay) runMaintenance(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Maintain(ctx)
		}
	}
}

// ProcessBatch claims one batch, publishes it and records the outcome.
// It returns the number of events claimed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	events, err := r.outbox.ClaimPending(ctx, r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(events)))
	if len(events) == 0 {
		return 0, nil
	}

	pubErr := r.publisher.Publish(ctx, events)

	// The outcome is recorded even when ctx was cancelled mid-publish, so a
	// shutdown leaves the batch failed and retryable rather than processing.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var partial *PublishError
	okIDs := make([]string, 0, len(events))
	switch {
	case pubErr == nil:
		for _, e := range events {
			okIDs = append(okIDs, e.ID)
		}
	case errors.As(pubErr, &partial):
		for _, e := range events {
			if failErr, failed := partial.Failed[e.ID]; failed {
				if err := r.outbox.Fail(settleCtx, []string{e.ID}, failErr.Error()); err != nil {
					return len(events), err
				}
				continue
			}
			okIDs = append(okIDs, e.ID)
		}
	default:
		ids := make([]string, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		span.RecordError(pubErr)
		r.log.Warn().Err(pubErr).Int("events", len(ids)).Msg("publish failed, events marked failed")
		if err := r.outbox.Fail(settleCtx, ids, pubErr.Error()); err != nil {
			return len(events), err
		}
	}

	if err := r.outbox.Ack(settleCtx, okIDs); err != nil {
		return len(events), err
	}
	span.SetAttributes(attribute.Int("outbox.acked", len(okIDs)))
	return len(events), nil
}

// Maintain expires lost claims, requeues retryable failures and purges old
// completed events.
func (r *Relay) Maintain(ctx context.Context) {
	expired, err := r.outbox.ExpireClaims(ctx, r.cfg.ClaimTimeout)
	if err != nil {
		r.log.Error().Err(err).Msg("expire stale claims")
	} else if expired > 0 {
		r.log.Warn().Int64("expired", expired).Msg("stale outbox claims expired")
	}

	requeued, err := r.outbox.RequeueFailed(ctx, r.cfg.MaxRetries)
	if err != nil {
		r.log.Error().Err(err).Msg("requeue failed events")
	} else if requeued > 0 {
		r.log.Info().Int64("requeued", requeued).Msg("failed events requeued")
	}

	purged, err := r.outbox.PurgeCompleted(ctx, r.cfg.RetentionDays)
	if err != nil {
		r.log.Error().Err(err).Msg("purge completed events")
	} else if purged > 0 {
		r.log.Info().Int64("purged", purged).Msg("completed events purged")
	}
}
