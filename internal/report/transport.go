// Package report batches occurred geo events to the backend and reconciles its reply.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"geofencing/internal/config"
	"geofencing/internal/domain"
)

const maxResponseBytes = 1 << 20

// Transport sends one report batch and returns the backend reply.
// Params: context and batch request.
// Returns: decoded response or transport/server error.
type Transport interface {
	Send(ctx context.Context, request domain.ReportRequest) (domain.ReportResponse, error)
}

// StatusError is a non-2xx reply from the reporting endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("report endpoint status=%d", e.Code)
	}
	return fmt.Sprintf("report endpoint status=%d body=%s", e.Code, e.Body)
}

// HTTPTransport posts batches as JSON to configured endpoint.
// Params: endpoint URL, static headers, and client timeout.
// Returns: HTTP transport.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPTransport creates transport from report config.
// Params: report config with URL, headers, and timeout.
// Returns: initialized transport.
func NewHTTPTransport(cfg config.ReportConfig) *HTTPTransport {
	headers := make(map[string]string, len(cfg.Headers))
	for key, value := range cfg.Headers {
		headers[key] = value
	}
	return &HTTPTransport{
		url:     strings.TrimSpace(cfg.URL),
		headers: headers,
		client:  &http.Client{Timeout: cfg.Timeout()},
	}
}

// Send posts request and decodes response body.
// Params: context and batch request.
// Returns: response, or error on transport failure, non-2xx status, or undecodable body.
func (t *HTTPTransport) Send(ctx context.Context, request domain.ReportRequest) (domain.ReportResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return domain.ReportResponse{}, fmt.Errorf("encode report batch: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return domain.ReportResponse{}, fmt.Errorf("build report request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	for key, value := range t.headers {
		httpRequest.Header.Set(key, value)
	}

	response, err := t.client.Do(httpRequest)
	if err != nil {
		return domain.ReportResponse{}, fmt.Errorf("report send: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return domain.ReportResponse{}, fmt.Errorf("read report response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return domain.ReportResponse{}, &StatusError{Code: response.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var decoded domain.ReportResponse
	if len(bytes.TrimSpace(raw)) == 0 {
		return decoded, nil
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.ReportResponse{}, fmt.Errorf("decode report response: %w", err)
	}
	return decoded, nil
}
