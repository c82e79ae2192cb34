package sales

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/inventory"
	"ledgerpos/backend/internal/outbox"
	"ledgerpos/backend/internal/pricing"
	"ledgerpos/backend/internal/store"
)

const (
	PermSaleCreate     = "sales.create"
	PermSaleRefund     = "sales.refund"
	PermSaleVoid       = "sales.void"
	PermSalePark       = "sales.park"
	PermShiftManage    = "shift.manage"
	PermCashMove       = "cash.move"
	PermInventoryRead  = "inventory.read"
	PermInventoryWrite = "inventory.write"
)

// Authorizer is the permission check run before every operation.
type Authorizer interface {
	Authorize(ctx context.Context, principal domain.Principal, permission string) error
}

// AuditSink receives a record after each successful mutation.
type AuditSink interface {
	Record(ctx context.Context, record domain.AuditRecord) error
}

type Options struct {
	RequireOpenShift bool
	TxTimeout        time.Duration
	// CashOutApprovalThreshold requires ApprovedBy on cash-out movements at or
	// above this amount. Zero disables the check.
	CashOutApprovalThreshold decimal.Decimal
}

type Service struct {
	repo   store.Repository
	inv    *inventory.Inventory
	pricer *pricing.Resolver
	events *outbox.Outbox
	authz  Authorizer
	audit  AuditSink
	opts   Options
	log    zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func New(repo store.Repository, pricer *pricing.Resolver, events *outbox.Outbox, authz Authorizer, audit AuditSink, opts Options, logger zerolog.Logger) *Service {
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 10 * time.Second
	}
	return &Service{
		repo:   repo,
		inv:    inventory.New(repo),
		pricer: pricer,
		events: events,
		authz:  authz,
		audit:  audit,
		opts:   opts,
		log:    logger.With().Str("component", "sales").Logger(),
		tracer: otel.Tracer("ledgerpos/sales"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) authorize(ctx context.Context, principal domain.Principal, permission string, storeID string) error {
	if strings.TrimSpace(principal.TenantID) == "" || strings.TrimSpace(principal.UserID) == "" {
		return fmt.Errorf("%w: missing tenant or user", ErrForbidden)
	}
	if storeID != "" && principal.StoreID != "" && principal.StoreID != storeID {
		return fmt.Errorf("%w: principal is scoped to store %s", ErrForbidden, principal.StoreID)
	}
	if s.authz == nil {
		return nil
	}
	return s.authz.Authorize(ctx, principal, permission)
}

// inTx runs fn as one unit of work bounded by the configured timeout.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TxTimeout)
	defer cancel()
	return s.repo.WithinTx(ctx, func(tx store.Tx) error {
		return fn(ctx, tx)
	})
}

func (s *Service) startSpan(ctx context.Context, name string, principal domain.Principal) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "sales."+name, trace.WithAttributes(
		attribute.String("tenant.id", principal.TenantID),
		attribute.String("user.id", principal.UserID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) recordAudit(ctx context.Context, principal domain.Principal, storeID string, action string, entityType string, entityID string, detail string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, domain.AuditRecord{
		TenantID:   principal.TenantID,
		StoreID:    storeID,
		ActorID:    principal.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("action", action).Str("entity_id", entityID).Msg("audit record failed")
	}
}

// resolveShift returns the shift a receipt belongs to. An explicit id must be
// open and in the store; otherwise the register's open shift is used if any.
func (s *Service) resolveShift(ctx context.Context, tx store.Tx, tenantID string, storeID string, registerID string, shiftID string) (string, error) {
	if shiftID != "" {
		shift, err := tx.LockShift(ctx, tenantID, shiftID)
		if err != nil {
			return "", err
		}
		if shift.StoreID != storeID {
			return "", invalid("shift %s belongs to another store", shiftID)
		}
		if shift.Status != domain.ShiftStatusOpen {
			return "", fmt.Errorf("shift %s: %w", shiftID, store.ErrShiftClosed)
		}
		return shift.ID, nil
	}

	shift, err := tx.FindOpenShift(ctx, tenantID, storeID, registerID)
	switch {
	case err == nil:
		return shift.ID, nil
	case !isNotFound(err):
		return "", err
	case s.opts.RequireOpenShift:
		return "", fmt.Errorf("%w for store %s register %q", ErrNoOpenShift, storeID, registerID)
	default:
		return "", nil
	}
}

// replay returns the receipt already recorded under an idempotency key. A key
// reused for another kind of receipt or another store is rejected.
func replay(existing *domain.SaleReceipt, receiptType string, storeID string) (*domain.SaleReceipt, error) {
	if existing.Type != receiptType || existing.StoreID != storeID {
		return nil, invalid("idempotency key was already used for a different request")
	}
	return existing, nil
}

func receiptNumber(receiptType string, n int64) string {
	prefix := "S"
	switch receiptType {
	case domain.ReceiptTypeReturn:
		prefix = "R"
	case domain.ReceiptTypeExchange:
		prefix = "X"
	}
	return fmt.Sprintf("%s-%06d", prefix, n)
}

func round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentQRIS, domain.PaymentTransfer, domain.PaymentEWallet:
		return true
	default:
		return false
	}
}

func normalizePayments(payments []domain.Payment) ([]domain.Payment, error) {
	out := make([]domain.Payment, 0, len(payments))
	for i, p := range payments {
		p.Method = strings.ToLower(strings.TrimSpace(p.Method))
		p.Reference = strings.TrimSpace(p.Reference)
		if !isSupportedPaymentMethod(p.Method) {
			return nil, invalid("payment %d: unsupported method %q", i+1, p.Method)
		}
		if !p.Amount.IsPositive() {
			return nil, invalid("payment %d: amount must be positive", i+1)
		}
		p.Amount = round2(p.Amount)
		out = append(out, p)
	}
	return out, nil
}
