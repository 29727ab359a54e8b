package workflow

import (
	"errors"
	"fmt"
)

// ErrSequenceUnavailable is matched by every failure that prevents issuing a number.
// The business operation that asked for the number must be aborted.
var ErrSequenceUnavailable = errors.New("sequence unavailable")

var (
	ErrSeriesNotConfigured      = fmt.Errorf("%w: series not configured", ErrSequenceUnavailable)
	ErrFiscalRangeNotConfigured = fmt.Errorf("%w: fiscal range not configured", ErrSequenceUnavailable)
	ErrFiscalRangeExhausted     = fmt.Errorf("%w: fiscal range exhausted", ErrSequenceUnavailable)
	ErrFiscalRangeInactive      = fmt.Errorf("%w: fiscal range inactive", ErrSequenceUnavailable)
	ErrFiscalRangeExpired       = fmt.Errorf("%w: fiscal range expired", ErrSequenceUnavailable)
)

func seriesNotConfigured(documentType, businessUnit string) error {
	if businessUnit != "" {
		return fmt.Errorf("no series assigned for document type %s in business unit %s, configure it in internal sequences: %w",
			documentType, businessUnit, ErrSeriesNotConfigured)
	}
	return fmt.Errorf("no series assigned for document type %s, configure it in internal sequences: %w", documentType, ErrSeriesNotConfigured)
}

func fiscalUnavailable(fiscalType string, cause error) error {
	var hint string
	switch {
	case errors.Is(cause, ErrFiscalRangeNotConfigured):
		hint = "register the range authorised by the tax authority"
	case errors.Is(cause, ErrFiscalRangeExhausted):
		hint = "every number has been issued, request and register a new range"
	case errors.Is(cause, ErrFiscalRangeInactive):
		hint = "activate the range or register a new one"
	case errors.Is(cause, ErrFiscalRangeExpired):
		hint = "the range is past its expiry date, register a new one"
	default:
		return fmt.Errorf("fiscal type %s: %w", fiscalType, cause)
	}
	return fmt.Errorf("cannot issue fiscal number of type %s, %s: %w", fiscalType, hint, cause)
}

// Reason codes used when a fiscal failure crosses the wire.
const (
	ReasonNotConfigured = "not_configured"
	ReasonExhausted     = "exhausted"
	ReasonInactive      = "inactive"
	ReasonExpired       = "expired"
)

// FiscalFailureReason maps a lease failure to its reason code, or "" when err is not one.
func FiscalFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrFiscalRangeNotConfigured):
		return ReasonNotConfigured
	case errors.Is(err, ErrFiscalRangeExhausted):
		return ReasonExhausted
	case errors.Is(err, ErrFiscalRangeInactive):
		return ReasonInactive
	case errors.Is(err, ErrFiscalRangeExpired):
		return ReasonExpired
	}
	return ""
}

// FiscalErrorForReason is the inverse of FiscalFailureReason.
func FiscalErrorForReason(reason string) error {
	switch reason {
	case ReasonNotConfigured:
		return ErrFiscalRangeNotConfigured
	case ReasonExhausted:
		return ErrFiscalRangeExhausted
	case ReasonInactive:
		return ErrFiscalRangeInactive
	case ReasonExpired:
		return ErrFiscalRangeExpired
	}
	return ErrSequenceUnavailable
}
