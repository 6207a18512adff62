package providers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"givepay/internal/payment"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusCreated, nil},
		{http.StatusBadRequest, payment.ErrGatewayRejected},
		{http.StatusUnprocessableEntity, payment.ErrGatewayRejected},
		{http.StatusUnauthorized, payment.ErrGatewayAuth},
		{http.StatusForbidden, payment.ErrGatewayAuth},
		{http.StatusTooManyRequests, payment.ErrGatewayUnavailable},
		{http.StatusBadGateway, payment.ErrGatewayUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"ok":true}`))
			}))
			defer srv.Close()

			c := NewClient("test", srv.URL, time.Second, testLogger())
			_, err := c.Do(context.Background(), "status", Request{Method: http.MethodGet, Path: "/"}, nil)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var gwErr *payment.GatewayError
			if !errors.As(err, &gwErr) || gwErr.Gateway != "test" || gwErr.Op != "status" {
				t.Errorf("expected gateway error with context, got %#v", err)
			}
		})
	}
}

func TestClientTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, 10*time.Millisecond, testLogger())
	_, err := c.Do(context.Background(), "status", Request{Method: http.MethodGet, Path: "/"}, nil)
	if !errors.Is(err, payment.ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestClientSendsBodyAndAuth(t *testing.T) {
	var gotUser, gotKey, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _, _ = r.BasicAuth()
		gotKey = r.Header.Get("Idempotence-Key")
		gotType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"id":"p-1"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	c := NewClient("test", srv.URL+"/", time.Second, testLogger())
	_, err := c.Do(context.Background(), "create", Request{
		Method:   http.MethodPost,
		Path:     "/payments",
		Body:     map[string]string{"a": "b"},
		Headers:  map[string]string{"Idempotence-Key": "k-1"},
		Username: "shop",
		Password: "secret",
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != "p-1" || gotUser != "shop" || gotKey != "k-1" || gotType != "application/json" {
		t.Errorf("unexpected exchange: id=%q user=%q key=%q type=%q", out.ID, gotUser, gotKey, gotType)
	}
}

func TestHMAC(t *testing.T) {
	body := []byte(`{"status":"ACWP"}`)
	sig := SignHMAC("s3cret", body)

	if !VerifyHMAC("s3cret", body, sig) {
		t.Error("expected valid signature")
	}
	if VerifyHMAC("other", body, sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifyHMAC("s3cret", []byte(`{"status":"RJCT"}`), sig) {
		t.Error("expected tampered body to fail")
	}
	if VerifyHMAC("", body, sig) || VerifyHMAC("s3cret", body, "not-hex") {
		t.Error("expected empty secret and malformed signature to fail")
	}
}
