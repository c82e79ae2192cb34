package sales

import (
	"errors"
	"fmt"

	"ledgerpos/backend/internal/pricing"
	"ledgerpos/backend/internal/store"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrValidation        = errors.New("validation failed")
	ErrRefundExceedsSold = errors.New("refund exceeds refundable quantity")
	ErrNoOpenShift       = errors.New("no open shift")
)

// LineError names the cart or refund line that made an operation fail.
type LineError struct {
	Line      int    `json:"line"`
	ProductID string `json:"product_id,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
	Reason    string `json:"reason"`
	Err       error  `json:"-"`
}

func (e *LineError) Error() string {
	item := e.VariantID
	if item == "" {
		item = e.ProductID
	}
	if item == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d (%s): %s", e.Line, item, e.Reason)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err is a business-rule rejection rather than
// an infrastructure failure. Nothing was written when it returns true.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrValidation,
		ErrRefundExceedsSold,
		ErrNoOpenShift,
		store.ErrInsufficientStock,
		store.ErrInvalidTransaction,
		store.ErrPromotionExhausted,
		store.ErrShiftClosed,
		pricing.ErrInvalidCoupon,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
