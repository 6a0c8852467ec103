// Package delivery queues events per integration and sends them with retry,
// backoff and durable persistence of batches that could not be delivered.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// Integration is one remote backend.
type Integration interface {
	Name() string
	Send(ctx context.Context, batch domain.DeliveryBatch) error
}

// SendError is a failed transmission with the HTTP status, if any.
type SendError struct {
	Integration string
	StatusCode  int
	Err         error
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Integration, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Integration, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err must not be retried: a 4xx response other
// than 408 and 429.
func IsPermanent(err error) bool {
	var se *SendError
	if !errors.As(err, &se) {
		return false
	}
	code := se.StatusCode
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// IsTransient reports whether err may succeed on retry: 5xx, 408, 429, and
// network or timeout errors.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// HTTPIntegrationOptions configures an HTTPIntegration.
type HTTPIntegrationOptions struct {
	Name       string
	URL        string
	Headers    map[string]string
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPIntegration POSTs each batch as JSON.
type HTTPIntegration struct {
	name       string
	url        string
	headers    map[string]string
	httpClient *http.Client
	userAgent  string
}

var _ Integration = (*HTTPIntegration)(nil)

// NewHTTPIntegration creates an HTTP integration.
func NewHTTPIntegration(opts HTTPIntegrationOptions) (*HTTPIntegration, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, fmt.Errorf("integration name is required")
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("integration %s: url is required", name)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &HTTPIntegration{
		name:       name,
		url:        url,
		headers:    headers,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}, nil
}

func (h *HTTPIntegration) Name() string { return h.name }

// Send POSTs batch. Any 2xx status is success.
func (h *HTTPIntegration) Send(ctx context.Context, batch domain.DeliveryBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return &SendError{Integration: h.name, Err: fmt.Errorf("failed to encode batch: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return &SendError{Integration: h.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return &SendError{Integration: h.name, Err: err}
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	message := strings.TrimSpace(string(respBody))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &SendError{
		Integration: h.name,
		StatusCode:  resp.StatusCode,
		Err:         fmt.Errorf("delivery rejected: %s", message),
	}
}

// IntegrationFunc adapts a function to Integration.
type IntegrationFunc struct {
	ID string
	Fn func(ctx context.Context, batch domain.DeliveryBatch) error
}

func (f IntegrationFunc) Name() string { return f.ID }

func (f IntegrationFunc) Send(ctx context.Context, batch domain.DeliveryBatch) error {
	return f.Fn(ctx, batch)
}
