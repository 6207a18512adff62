// Package providers holds the HTTP plumbing shared by the gateway adapters.
// Each adapter lives in its own subpackage.
package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"givepay/internal/payment"
)

// maxResponseBody bounds how much of a gateway response is read.
const maxResponseBody = 1 << 20

// Client is a JSON-over-HTTP client that classifies failures into payment
// gateway error kinds.
type Client struct {
	gateway    string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for one gateway.
func NewClient(gateway, baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		gateway:    gateway,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Request describes one gateway call.
type Request struct {
	Method   string
	Path     string
	Body     any
	Headers  map[string]string
	Username string
	Password string
}

// Response is the raw result of a successful call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do sends req and decodes a 2xx JSON body into out when out is non-nil.
// Errors are *payment.GatewayError values.
func (c *Client) Do(ctx context.Context, op string, req Request, out any) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, payment.NewGatewayError(c.gateway, op, payment.ErrGatewayRejected, "encoding request", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, payment.NewGatewayError(c.gateway, op, payment.ErrGatewayRejected, "building request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Username != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		reason := "request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return nil, payment.NewGatewayError(c.gateway, op, payment.ErrGatewayUnavailable, reason, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, payment.NewGatewayError(c.gateway, op, payment.ErrGatewayUnavailable, "reading response", err)
	}

	c.logger.Debug("gateway call",
		"gateway", c.gateway,
		"op", op,
		"status", httpResp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if kind := Classify(httpResp.StatusCode); kind != nil {
		return nil, payment.NewGatewayError(c.gateway, op, kind,
			fmt.Sprintf("status=%d body=%s", httpResp.StatusCode, truncate(respBody, 256)), nil)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, payment.NewGatewayError(c.gateway, op, payment.ErrGatewayRejected, "decoding response", err)
		}
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}

// Classify maps an HTTP status to a gateway error kind, or nil for success.
func Classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status >= 500:
		return payment.ErrGatewayUnavailable
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return payment.ErrGatewayAuth
	default:
		return payment.ErrGatewayRejected
	}
}

// SignHMAC returns the hex HMAC-SHA256 of body under secret.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares signature against the HMAC of body in constant time.
// An empty secret never verifies.
func VerifyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
