// Package backend is the REST client used to confirm the actions the
// realtime channel only proposes.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/observability"
)

// TokenSource supplies bearer tokens. Refresh is called after a 403.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// DriverStatus is the availability value understood by the backend.
type DriverStatus string

const (
	StatusOnline  DriverStatus = "ONLINE"
	StatusOffline DriverStatus = "OFFLINE"
)

// Response is a successful (2xx) backend answer.
type Response struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// StatusError is returned for every non-2xx answer.
type StatusError struct {
	Op         string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, msg)
}

// Message extracts a human readable reason from a JSON error body.
func (e *StatusError) Message() string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(e.Body, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return http.StatusText(e.StatusCode)
}

// IsRideTaken reports whether err is the backend's arbitration answer that
// another driver already holds the ride.
func IsRideTaken(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusConflict, http.StatusGone:
		return true
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		body := strings.ToLower(string(se.Body))
		return strings.Contains(body, "already accepted") || strings.Contains(body, "already taken") || strings.Contains(body, "already assigned")
	}
	return false
}

// IsForbidden reports a permanent authorization failure.
func IsForbidden(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusForbidden
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger,
	}
}

func (c *Client) AcceptRide(ctx context.Context, rideID string) (*Response, error) {
	return c.do(ctx, "accept_ride", http.MethodPut, "/rides/"+url.PathEscape(rideID)+"/accept", nil)
}

func (c *Client) StartRide(ctx context.Context, rideID string) (*Response, error) {
	return c.do(ctx, "start_ride", http.MethodPut, "/rides/"+url.PathEscape(rideID)+"/start", nil)
}

// VerifyOTP checks the rider's pickup code before the trip may start.
func (c *Client) VerifyOTP(ctx context.Context, rideID, otp string) (*Response, error) {
	return c.do(ctx, "verify_otp", http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/verify-otp", map[string]string{"otp": otp})
}

func (c *Client) CancelRide(ctx context.Context, rideID, reason string) (*Response, error) {
	return c.do(ctx, "cancel_ride", http.MethodPut, "/rides/"+url.PathEscape(rideID)+"/cancel", map[string]string{"reason": reason})
}

func (c *Client) CompleteRide(ctx context.Context, rideID string) (*Response, error) {
	return c.do(ctx, "complete_ride", http.MethodPut, "/rides/"+url.PathEscape(rideID)+"/complete", nil)
}

func (c *Client) SetStatus(ctx context.Context, status DriverStatus) (*Response, error) {
	return c.do(ctx, "set_status", http.MethodPut, "/drivers/me/status", map[string]DriverStatus{"status": status})
}

func (c *Client) PushLocation(ctx context.Context, lat, lon float64, isOnline bool) (*Response, error) {
	body := map[string]any{"latitude": lat, "longitude": lon, "isOnline": isOnline}
	return c.do(ctx, "push_location", http.MethodPut, "/drivers/me/location", body)
}

// do performs one call; a 403 triggers exactly one token refresh and retry.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		payload = b
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.send(ctx, op, method, path, payload, token)
	if err == nil || !IsForbidden(err) {
		return resp, err
	}

	c.logger.Warn("backend rejected token, refreshing", "op", op)
	token, rerr := c.tokens.Refresh(ctx)
	if rerr != nil {
		return nil, fmt.Errorf("%s: refresh token: %w", op, rerr)
	}
	return c.send(ctx, op, method, path, payload, token)
}

func (c *Client) send(ctx context.Context, op, method, path string, payload []byte, token string) (*Response, error) {
	var rdr io.Reader = http.NoBody
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-Platform", "driver-agent")

	start := time.Now()
	res, err := c.http.Do(req)
	observability.BackendRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.BackendRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	observability.BackendRequestsTotal.WithLabelValues(op, strconv.Itoa(res.StatusCode)).Inc()

	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.logger.Debug("backend call failed", "op", op, "status", res.StatusCode)
		return nil, &StatusError{Op: op, StatusCode: res.StatusCode, Body: b}
	}
	return &Response{StatusCode: res.StatusCode, Body: b}, nil
}
