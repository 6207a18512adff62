package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"givepay/internal/common/middleware"
	"givepay/internal/common/money"
	"givepay/internal/payment"
	paymentapi "givepay/internal/payment/api"
	"givepay/internal/payment/paymenttest"
	"givepay/internal/statistics"
)

type statsStore struct{}

func (statsStore) CountByStatus(ctx context.Context, f statistics.Filter) ([]statistics.StatusRow, error) {
	return []statistics.StatusRow{{Status: "completed", Currency: "RUB", Count: 2, AmountMinor: 20000}}, nil
}

func (statsStore) CountByGateway(ctx context.Context, f statistics.Filter) ([]statistics.GatewayRow, error) {
	return nil, nil
}

func (statsStore) DailyPaid(ctx context.Context, f statistics.Filter) ([]statistics.DailyRow, error) {
	return nil, nil
}

type fixture struct {
	router http.Handler
	svc    *payment.Service
	gw     *paymenttest.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog, err := payment.DefaultCatalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	reg := payment.NewRegistry(catalog, nil)
	gw := paymenttest.NewGateway("sbp")
	if err := reg.Register(gw); err != nil {
		t.Fatalf("register: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := paymenttest.NewDirectory("org-1", "org-2").AddProject("proj-1", "org-1")
	svc := payment.NewService(payment.Config{
		TransactionTTL: 30 * time.Minute,
		Retry:          payment.RetryPolicy{Attempts: 1, Backoff: time.Millisecond},
	}, paymenttest.NewStore(), reg, dir, logger)

	h := paymentapi.NewHandler(svc, statistics.NewAggregator(statsStore{}, logger), logger)
	r := chi.NewRouter()
	r.Use(middleware.Actor)
	r.Mount("/payments", h.Routes())

	return &fixture{router: r, svc: svc, gw: gw}
}

func (f *fixture) do(t *testing.T, method, path, body, orgID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if orgID != "" {
		req.Header.Set(middleware.HeaderOrganizationID, orgID)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return m
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	e, _ := decode(t, rec)["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

const createBody = `{"organization_id":"org-1","project_id":"proj-1","amount":10000,"currency":"RUB","gateway":"sbp","donor":{"name":"Anna","email":"anna@example.org"}}`

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/payments", createBody, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)["transaction_id"].(string)
}

func (f *fixture) markPaid(t *testing.T, id string) {
	t.Helper()
	_, err := f.svc.ApplyEvent(context.Background(), &payment.WebhookEvent{
		GatewaySlug:    "sbp",
		ExternalID:     "ext-" + id,
		TransactionID:  id,
		ReportedStatus: payment.ReportedPaid,
		ReportedAmount: money.New(10000, money.RUB),
		SignatureValid: true,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func TestCreateAndGetPayment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/payments", createBody, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode(t, rec)
	id, _ := created["transaction_id"].(string)
	if id == "" || created["payment_id"] != "ext-"+id || created["redirect_url"] == "" {
		t.Errorf("unexpected create response %v", created)
	}

	rec = f.do(t, http.MethodGet, "/payments/"+id, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode(t, rec)["status"]; got != "pending" {
		t.Errorf("expected pending, got %v", got)
	}

	if rec := f.do(t, http.MethodGet, "/payments/unknown", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCreatePaymentErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing organization",
			body:       `{"amount":10000,"currency":"RUB","gateway":"sbp"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "fundraiser and project",
			body:       `{"organization_id":"org-1","fundraiser_id":"fr-1","project_id":"proj-1","amount":10000,"currency":"RUB","gateway":"sbp"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "unknown gateway",
			body:       `{"organization_id":"org-1","amount":10000,"currency":"RUB","gateway":"paypal"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   paymentapi.ErrCodeUnknownGateway,
		},
		{
			name:       "below minimum",
			body:       `{"organization_id":"org-1","amount":50,"currency":"RUB","gateway":"sbp"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   paymentapi.ErrCodeBelowMinimum,
		},
		{
			name:       "project of another organization",
			body:       `{"organization_id":"org-2","project_id":"proj-1","amount":10000,"currency":"RUB","gateway":"sbp"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   paymentapi.ErrCodeInvalidTarget,
		},
		{
			name:       "malformed body",
			body:       `{"organization_id":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "BAD_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/payments", tt.body, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, code)
			}
		})
	}
}

func TestCreatePaymentGatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	f.gw.InitiateFn = func(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
		return nil, payment.NewGatewayError("sbp", "initiate", payment.ErrGatewayUnavailable, "502 from gateway", nil)
	}

	rec := f.do(t, http.MethodPost, "/payments", createBody, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	f.gw.InitiateFn = func(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
		return nil, payment.NewGatewayError("sbp", "initiate", payment.ErrGatewayAuth, "401 from gateway", nil)
	}
	if rec := f.do(t, http.MethodPost, "/payments", createBody, ""); rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestCancelPayment(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	if rec := f.do(t, http.MethodPost, "/payments/"+id+"/cancel", "", "org-2"); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another organization, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/payments/"+id+"/cancel", "", "org-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["status"]; got != "cancelled" {
		t.Errorf("expected cancelled, got %v", got)
	}

	rec = f.do(t, http.MethodPost, "/payments/"+id+"/cancel", "", "org-1")
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != paymentapi.ErrCodeInvalidTransition {
		t.Errorf("expected invalid transition, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRefundPayment(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	rec := f.do(t, http.MethodPost, "/payments/"+id+"/refund", "", "org-1")
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != paymentapi.ErrCodeInvalidTransition {
		t.Errorf("expected refund of pending payment to fail, got %d %s", rec.Code, rec.Body.String())
	}

	f.markPaid(t, id)

	rec = f.do(t, http.MethodPost, "/payments/"+id+"/refund", `{"amount":4000}`, "org-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["status"] != "completed" || body["refunded_amount"] != float64(4000) {
		t.Errorf("unexpected partial refund view %v", body)
	}

	rec = f.do(t, http.MethodPost, "/payments/"+id+"/refund", `{"amount":7000}`, "org-1")
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != paymentapi.ErrCodeRefundExceeds {
		t.Errorf("expected refund above balance to fail, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/payments/"+id+"/refund", "", "org-1")
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "refunded" {
		t.Errorf("expected remaining balance refund, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/payments/"+id+"/refund", `{}`, "org-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected repeated refund to be a no-op, got %d %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["status"] != "refunded" || body["refunded_amount"] != float64(10000) {
		t.Errorf("expected unchanged view, got %v", body)
	}
}

func TestListLogsAndMethods(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	rec := f.do(t, http.MethodGet, "/payments/"+id+"/logs", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	logs, _ := decode(t, rec)["logs"].([]any)
	if len(logs) == 0 {
		t.Error("expected the created entry")
	}

	rec = f.do(t, http.MethodGet, "/payments/methods?organization_id=org-1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	methods, _ := decode(t, rec)["methods"].([]any)
	if len(methods) != 1 {
		t.Errorf("expected only the registered gateway's method, got %v", methods)
	}
}

func TestGetStatistics(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/payments/statistics", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without organization_id, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/payments/statistics?organization_id=org-1", "", "org-2"); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another organization, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/payments/statistics?organization_id=org-1&from=yesterday", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad date, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/payments/statistics?organization_id=org-1&from=2026-03-01&to=2026-04-01", "", "org-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["transactions"]; got != float64(2) {
		t.Errorf("expected 2 transactions, got %v", got)
	}
}
