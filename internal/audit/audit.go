package audit

import (
	"context"

	"github.com/rs/zerolog"

	"ledgerpos/backend/internal/domain"
)

// LogSink writes audit records as structured log events on their own logger.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger.With().Str("stream", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, record domain.AuditRecord) error {
	s.log.Info().
		Str("tenant_id", record.TenantID).
		Str("store_id", record.StoreID).
		Str("actor_id", record.ActorID).
		Str("action", record.Action).
		Str("entity_type", record.EntityType).
		Str("entity_id", record.EntityID).
		Str("detail", record.Detail).
		Time("at", record.CreatedAt).
		Msg("audit")
	return nil
}
