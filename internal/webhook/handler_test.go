package webhook_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"givepay/internal/payment"
	"givepay/internal/webhook"
)

type ackGateway struct {
	payment.Gateway
}

func (ackGateway) WebhookAck() (string, []byte) { return "text/plain; charset=utf-8", []byte("OK") }

func post(t *testing.T, h http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAcknowledgesCallback(t *testing.T) {
	f := newFixture(t)
	res := f.create(t)
	h := webhook.NewHandler(f.processor, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes()

	rec := post(t, h, "/sbp", body(res.PaymentID, payment.ReportedPaid, 10000))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("unexpected content type %q", got)
	}
	if len(f.store.Donations()) != 1 {
		t.Errorf("expected one donation, got %d", len(f.store.Donations()))
	}
}

func TestHandlerPassesTransactionIDFromPath(t *testing.T) {
	f := newFixture(t)
	res := f.create(t)
	var seen string
	f.gw.VerifyFn = func(ctx context.Context, raw payment.RawWebhook) (*payment.WebhookEvent, error) {
		seen = raw.TransactionID
		return &payment.WebhookEvent{
			GatewaySlug:    "sbp",
			TransactionID:  raw.TransactionID,
			ReportedStatus: payment.ReportedPending,
			SignatureValid: true,
		}, nil
	}
	h := webhook.NewHandler(f.processor, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes()

	rec := post(t, h, "/sbp/"+res.TransactionID, []byte(`{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != res.TransactionID {
		t.Errorf("expected transaction id %q from path, got %q", res.TransactionID, seen)
	}
	if f.store.CountAction(res.TransactionID, payment.ActionWebhookNoop) != 1 {
		t.Errorf("expected in-progress report to be logged, got %v", f.store.Actions(res.TransactionID))
	}
}

func TestHandlerUsesGatewayAck(t *testing.T) {
	f := newFixture(t)
	res := f.create(t)
	// Replace the registered adapter with one that answers in plain text.
	if err := f.registry.Register(ackGateway{f.gw}); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := webhook.NewHandler(f.processor, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes()

	rec := post(t, h, "/sbp", body(res.PaymentID, payment.ReportedPaid, 10000))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("expected plain OK ack, got %d %q", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)
	h := webhook.NewHandler(f.processor, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes()

	rec := post(t, h, "/sbp", bytes.Repeat([]byte("a"), 2<<20))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if f.gw.Calls("verify") != 0 {
		t.Error("expected oversized body not to reach the adapter")
	}
}

func TestHandlerAnswersServerErrorWhenNotRecorded(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := webhook.NewProcessor(f.registry, failingLogStore{f.store}, f.svc, logger)
	h := webhook.NewHandler(p, logger).Routes()

	rec := post(t, h, "/sbp", body("unknown-qr", payment.ReportedPaid, 1))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 so the gateway retries, got %d", rec.Code)
	}
}
