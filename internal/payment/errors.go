package payment

import (
	"errors"
	"fmt"
)

// Validation errors. Surfaced to the caller as 4xx and never retried.
var (
	ErrValidation       = errors.New("invalid payment request")
	ErrInvalidTarget    = errors.New("invalid funding target")
	ErrUnknownGateway   = errors.New("unknown or disabled gateway")
	ErrUnknownMethod    = errors.New("unknown or disabled payment method")
	ErrBelowMinimum     = errors.New("amount below gateway minimum")
	ErrInvalidRefund    = errors.New("invalid refund amount")
	ErrForbidden        = errors.New("acting organization does not match")
	ErrNotFound         = errors.New("transaction not found")
	ErrAlreadyExists    = errors.New("transaction already exists")
	ErrVersionConflict  = errors.New("transaction was modified concurrently")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Lifecycle errors returned when an operation is not legal in the current state.
var (
	ErrInvalidTransition    = errors.New("transition not allowed from current status")
	ErrAlreadyRefunded      = errors.New("transaction already fully refunded")
	ErrRefundExceedsBalance = errors.New("refund exceeds remaining balance")
	ErrRefundNotSupported   = errors.New("refund not supported by gateway")
)

// Gateway error kinds. GatewayError unwraps to exactly one of these, or to
// ErrAlreadyRefunded when a refund finds nothing left to return.
var (
	ErrGatewayRejected    = errors.New("gateway rejected request")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrGatewayAuth        = errors.New("gateway authentication failed")
)

// GatewayError carries the gateway and operation that failed.
type GatewayError struct {
	Gateway string
	Op      string
	Kind    error
	Reason  string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewGatewayError builds a GatewayError of the given kind.
func NewGatewayError(gateway, op string, kind error, reason string, cause error) *GatewayError {
	return &GatewayError{Gateway: gateway, Op: op, Kind: kind, Reason: reason, Err: cause}
}

// IsRetryable reports whether a gateway call may be retried. Only transient
// unavailability qualifies; rejections and auth failures never do.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

// IsPermanentGatewayError reports rejections and auth failures, which point
// at configuration problems rather than a single bad request.
func IsPermanentGatewayError(err error) bool {
	return errors.Is(err, ErrGatewayRejected) || errors.Is(err, ErrGatewayAuth)
}
