package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"givepay/internal/common/api"
	"givepay/internal/common/middleware"
	"givepay/internal/common/money"
	"givepay/internal/payment"
	"givepay/internal/statistics"
)

// Handler handles payment HTTP requests
type Handler struct {
	service *payment.Service
	stats   *statistics.Aggregator
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service, stats *statistics.Aggregator, logger *slog.Logger) *Handler {
	return &Handler{service: service, stats: stats, logger: logger}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreatePayment)
	r.Get("/methods", h.ListMethods)
	r.Get("/statistics", h.GetStatistics)

	r.Get("/{id}", h.GetPayment)
	r.Get("/{id}/logs", h.ListLogs)
	r.Post("/{id}/cancel", h.CancelPayment)
	r.Post("/{id}/refund", h.RefundPayment)

	return r
}

// DonorRequest carries donor information entered in the widget
type DonorRequest struct {
	Name      string `json:"name" validate:"max=255"`
	Email     string `json:"email" validate:"omitempty,email"`
	Phone     string `json:"phone" validate:"max=32"`
	Anonymous bool   `json:"anonymous"`
	Comment   string `json:"comment" validate:"max=1000"`
}

// CreatePaymentRequest is the API request for starting a payment
type CreatePaymentRequest struct {
	OrganizationID string            `json:"organization_id" validate:"required"`
	FundraiserID   string            `json:"fundraiser_id" validate:"omitempty,excluded_with=ProjectID"`
	ProjectID      string            `json:"project_id"`
	Amount         int64             `json:"amount" validate:"required,gt=0"`
	Currency       string            `json:"currency" validate:"required,len=3"`
	Gateway        string            `json:"gateway" validate:"required"`
	PaymentMethod  string            `json:"payment_method"`
	Description    string            `json:"description" validate:"max=255"`
	ReturnURL      string            `json:"return_url" validate:"omitempty,url"`
	Referrer       string            `json:"referrer" validate:"max=2048"`
	Donor          DonorRequest      `json:"donor"`
	Extra          map[string]string `json:"extra"`
}

// CreatePayment handles POST /payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.service.Create(r.Context(), payment.CreateRequest{
		Target: payment.Target{
			OrganizationID: req.OrganizationID,
			FundraiserID:   req.FundraiserID,
			ProjectID:      req.ProjectID,
		},
		Amount:      money.New(req.Amount, money.Currency(req.Currency)),
		GatewaySlug: req.Gateway,
		MethodSlug:  req.PaymentMethod,
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		Details: payment.Details{
			DonorName:  req.Donor.Name,
			DonorEmail: req.Donor.Email,
			DonorPhone: req.Donor.Phone,
			Anonymous:  req.Donor.Anonymous,
			Comment:    req.Donor.Comment,
			Referrer:   req.Referrer,
			Extra:      req.Extra,
		},
	})
	if err != nil {
		h.writeServiceError(w, r, "create payment", err)
		return
	}

	api.WriteJSON(w, http.StatusCreated, res)
}

// GetPayment handles GET /payments/{id}. With refresh=true the gateway is
// polled before answering.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		view *payment.View
		err  error
	)
	if r.URL.Query().Get("refresh") == "true" {
		view, err = h.service.Refresh(r.Context(), id)
	} else {
		view, err = h.service.GetStatus(r.Context(), id)
	}
	if err != nil {
		h.writeServiceError(w, r, "get payment", err)
		return
	}

	api.WriteJSON(w, http.StatusOK, view)
}

// ListLogs handles GET /payments/{id}/logs
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.service.ListLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "list logs", err)
		return
	}
	if logs == nil {
		logs = []*payment.LogEntry{}
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// CancelPayment handles POST /payments/{id}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Cancel(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "cancel payment", err)
		return
	}

	api.WriteJSON(w, http.StatusOK, view)
}

// RefundPaymentRequest is the API request for a refund. A missing amount
// refunds the remaining balance.
type RefundPaymentRequest struct {
	Amount *int64 `json:"amount"`
}

// RefundPayment handles POST /payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	view, err := h.service.Refund(r.Context(), actor(r), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		h.writeServiceError(w, r, "refund payment", err)
		return
	}

	api.WriteJSON(w, http.StatusOK, view)
}

// ListMethods handles GET /payments/methods
func (h *Handler) ListMethods(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		orgID = middleware.GetOrganizationID(r.Context())
	}

	methods, err := h.service.Registry().ListAvailableMethods(r.Context(), orgID)
	if err != nil {
		h.writeServiceError(w, r, "list methods", err)
		return
	}
	if methods == nil {
		methods = []payment.MethodDescriptor{}
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{"methods": methods})
}

// GetStatistics handles GET /payments/statistics
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := statistics.Filter{
		OrganizationID: q.Get("organization_id"),
		FundraiserID:   q.Get("fundraiser_id"),
		ProjectID:      q.Get("project_id"),
		GatewaySlug:    q.Get("gateway"),
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		api.BadRequest(w, "from must be RFC 3339 or YYYY-MM-DD")
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		api.BadRequest(w, "to must be RFC 3339 or YYYY-MM-DD")
		return
	}

	stats, err := h.stats.Summarize(r.Context(), middleware.GetOrganizationID(r.Context()), f)
	switch {
	case errors.Is(err, statistics.ErrOrganizationRequired), errors.Is(err, statistics.ErrInvalidRange):
		api.BadRequest(w, err.Error())
		return
	case errors.Is(err, statistics.ErrForbidden):
		api.Forbidden(w, err.Error())
		return
	case err != nil:
		h.logger.Error("statistics failed", "organization_id", f.OrganizationID, "error", err)
		api.InternalError(w, "failed to compute statistics")
		return
	}

	api.WriteJSON(w, http.StatusOK, stats)
}

func actor(r *http.Request) payment.Actor {
	return payment.Actor{
		OrganizationID: middleware.GetOrganizationID(r.Context()),
		UserID:         middleware.GetUserID(r.Context()),
	}
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
