package payment

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallGatewayRetriesOnlyUnavailable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"unavailable", NewGatewayError("sbp", "initiate", ErrGatewayUnavailable, "timeout", nil), 3},
		{"rejected", NewGatewayError("sbp", "initiate", ErrGatewayRejected, "bad currency", nil), 1},
		{"auth", NewGatewayError("sbp", "initiate", ErrGatewayAuth, "401", nil), 1},
		{"other", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := callGateway(context.Background(), RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
				func(ctx context.Context) (int, error) {
					calls++
					return 0, tt.err
				})
			if !errors.Is(err, tt.err) {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestCallGatewaySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	got, err := callGateway(context.Background(), RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
		func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", NewGatewayError("cards", "refund", ErrGatewayUnavailable, "502", nil)
			}
			return "ok", nil
		})
	if err != nil || got != "ok" {
		t.Fatalf("expected ok, got %q, %v", got, err)
	}
}

func TestCallGatewayAppliesTimeout(t *testing.T) {
	_, err := callGateway(context.Background(), RetryPolicy{Attempts: 1, Timeout: 10 * time.Millisecond},
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, NewGatewayError("wallet", "initiate", ErrGatewayUnavailable, "deadline", ctx.Err())
		})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewGatewayError("sbp", "cancel", ErrGatewayUnavailable, "", cause)
	if !errors.Is(err, ErrGatewayUnavailable) || !errors.Is(err, cause) {
		t.Error("expected both kind and cause to match")
	}
	if !IsRetryable(err) || IsPermanentGatewayError(err) {
		t.Error("unexpected classification")
	}
}
