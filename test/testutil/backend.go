package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"geofencing/internal/domain"
)

// ReportBackend is a fake reporting endpoint that records batches.
type ReportBackend struct {
	Server *httptest.Server

	mu       sync.Mutex
	batches  []domain.ReportRequest
	status   int
	response func(domain.ReportRequest) domain.ReportResponse
}

// NewReportBackend starts fake endpoint replying 200 with an empty response.
func NewReportBackend(tb testing.TB) *ReportBackend {
	tb.Helper()
	backend := &ReportBackend{status: http.StatusOK}
	backend.Server = httptest.NewServer(http.HandlerFunc(backend.serve))
	tb.Cleanup(backend.Server.Close)
	return backend
}

// URL returns endpoint URL.
func (b *ReportBackend) URL() string {
	return b.Server.URL
}

// Respond sets reply builder for subsequent batches.
func (b *ReportBackend) Respond(fn func(domain.ReportRequest) domain.ReportResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.response = fn
}

// FailWith makes subsequent batches fail with given HTTP status; 200 restores success.
func (b *ReportBackend) FailWith(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// Batches returns received batches in arrival order.
func (b *ReportBackend) Batches() []domain.ReportRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ReportRequest(nil), b.batches...)
}

func (b *ReportBackend) serve(w http.ResponseWriter, r *http.Request) {
	var request domain.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	status := b.status
	respond := b.response
	if status == http.StatusOK {
		b.batches = append(b.batches, request)
	}
	b.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "backend unavailable", status)
		return
	}
	var response domain.ReportResponse
	if respond != nil {
		response = respond(request)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// RemapAll replies with server ids "srv-<local>" for every generated id in the batch.
func RemapAll(request domain.ReportRequest) domain.ReportResponse {
	ids := make(map[string]string, len(request.Reports))
	for _, entry := range request.Reports {
		ids[entry.GeneratedID] = "srv-" + entry.GeneratedID
	}
	return domain.ReportResponse{MessageIDs: ids}
}
