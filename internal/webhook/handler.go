package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"givepay/internal/common/api"
	"givepay/internal/payment"
)

// maxBodyBytes bounds a single gateway callback.
const maxBodyBytes = 1 << 20

// Handler exposes the processor over HTTP, one route per gateway slug.
type Handler struct {
	processor *Processor
	logger    *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(processor *Processor, logger *slog.Logger) *Handler {
	return &Handler{processor: processor, logger: logger}
}

// Routes returns the webhook router. The optional second segment carries
// the transaction ID for gateways that call back a per-payment URL.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{gateway}", h.receive)
	r.Post("/{gateway}/{transactionID}", h.receive)
	return r
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	gatewaySlug := chi.URLParam(r, "gateway")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook body too large", "gateway", gatewaySlug, "limit", tooLarge.Limit)
		} else {
			h.logger.Error("failed to read webhook body", "gateway", gatewaySlug, "error", err)
		}
		api.BadRequest(w, "failed to read body")
		return
	}

	raw := payment.RawWebhook{
		Headers:       r.Header.Clone(),
		Body:          body,
		TransactionID: chi.URLParam(r, "transactionID"),
	}

	res, err := h.processor.Process(r.Context(), gatewaySlug, raw)
	if err != nil {
		// Not recorded: answer 5xx so the gateway redelivers.
		h.logger.Error("webhook processing failed", "gateway", gatewaySlug, "error", err)
		api.InternalError(w, "webhook could not be recorded")
		return
	}

	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.StatusCode)
	if len(res.Body) > 0 {
		_, _ = w.Write(res.Body)
	}
}
