package api

import (
	"errors"
	"net/http"

	"givepay/internal/common/api"
	"givepay/internal/payment"
)

// Payment error codes
const (
	ErrCodeInvalidTarget      = "INVALID_TARGET"
	ErrCodeUnknownGateway     = "UNKNOWN_GATEWAY"
	ErrCodeUnknownMethod      = "UNKNOWN_PAYMENT_METHOD"
	ErrCodeBelowMinimum       = "AMOUNT_BELOW_MINIMUM"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeAlreadyRefunded    = "ALREADY_REFUNDED"
	ErrCodeRefundExceeds      = "REFUND_EXCEEDS_BALANCE"
	ErrCodeRefundUnsupported  = "REFUND_NOT_SUPPORTED"
	ErrCodeInvalidRefund      = "INVALID_REFUND"
	ErrCodeGatewayRejected    = "GATEWAY_REJECTED"
	ErrCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
)

// badRequests maps client-caused error kinds to their codes, checked in order.
var badRequests = []struct {
	err  error
	code string
}{
	{payment.ErrInvalidTarget, ErrCodeInvalidTarget},
	{payment.ErrUnknownGateway, ErrCodeUnknownGateway},
	{payment.ErrUnknownMethod, ErrCodeUnknownMethod},
	{payment.ErrBelowMinimum, ErrCodeBelowMinimum},
	{payment.ErrAlreadyRefunded, ErrCodeAlreadyRefunded},
	{payment.ErrRefundExceedsBalance, ErrCodeRefundExceeds},
	{payment.ErrRefundNotSupported, ErrCodeRefundUnsupported},
	{payment.ErrInvalidRefund, ErrCodeInvalidRefund},
	{payment.ErrInvalidTransition, ErrCodeInvalidTransition},
	{payment.ErrGatewayRejected, ErrCodeGatewayRejected},
	{payment.ErrValidation, api.ErrCodeBadRequest},
}

// writeServiceError translates a service error into a response.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, payment.ErrNotFound):
		api.NotFound(w, "payment not found")
		return
	case errors.Is(err, payment.ErrForbidden):
		api.Forbidden(w, "payment belongs to another organization")
		return
	case errors.Is(err, payment.ErrGatewayUnavailable):
		h.logger.Warn(op+" failed", "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, ErrCodeGatewayUnavailable, "payment gateway unavailable, retry later")
		return
	case errors.Is(err, payment.ErrGatewayAuth):
		h.logger.Error(op+" failed", "error", err)
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeBadGateway, "payment gateway refused our credentials")
		return
	}

	for _, b := range badRequests {
		if errors.Is(err, b.err) {
			api.WriteError(w, http.StatusBadRequest, b.code, err.Error())
			return
		}
	}

	h.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	api.InternalError(w, "internal error")
}
