package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"geofencing/internal/domain"
	"geofencing/internal/permanent"
	"geofencing/internal/state"
)

const testSignalingJSON = `{
	"messageId": "m1",
	"campaignId": "c1",
	"title": "Coffee",
	"body": "Welcome to {{ .AreaTitle }}",
	"geo": {
		"areas": [{"id": "a1", "title": "Office", "latitude": 45.81, "longitude": 15.98, "radiusInMeters": 250}],
		"event": [{"type": "entry", "limit": 2, "timeoutInMinutes": 10}]
	}
}`

type testSink struct {
	mu          sync.Mutex
	campaigns   []domain.Campaign
	removed     []string
	transitions []domain.TransitionEvent
	sources     []string
	fixes       []domain.LocationFix
	err         error
}

func (s *testSink) AddCampaign(_ context.Context, campaign domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.campaigns = append(s.campaigns, campaign)
	return nil
}

func (s *testSink) RemoveCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.removed = append(s.removed, id)
	return nil
}

func (s *testSink) HandleFix(_ context.Context, fix domain.LocationFix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.fixes = append(s.fixes, fix)
	return nil
}

func (s *testSink) HandleTransition(_ context.Context, source string, transition domain.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sources = append(s.sources, source)
	s.transitions = append(s.transitions, transition)
	return nil
}

func (s *testSink) campaignCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.campaigns)
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	return response
}

func TestSignalingHandlerAddsCampaign(t *testing.T) {
	t.Parallel()

	receivedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	sink := &testSink{}
	handler := NewSignalingHandler(sink, "/signaling", 1<<20, func() time.Time { return receivedAt }, nil)

	response := serve(handler, http.MethodPost, "/signaling", testSignalingJSON)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if len(sink.campaigns) != 1 {
		t.Fatalf("expected one campaign, got %d", len(sink.campaigns))
	}
	campaign := sink.campaigns[0]
	if campaign.ID != "c1" || campaign.SignalingMessageID != "m1" || !campaign.ReceivedAt.Equal(receivedAt) {
		t.Fatalf("unexpected campaign %+v", campaign)
	}
	if len(campaign.Areas) != 1 || campaign.Areas[0].RadiusMeters != 250 {
		t.Fatalf("unexpected areas %+v", campaign.Areas)
	}
}

func TestSignalingHandlerRejectsMalformedMessage(t *testing.T) {
	t.Parallel()

	sink := &testSink{}
	handler := NewSignalingHandler(sink, "/signaling", 1<<20, nil, nil)

	response := serve(handler, http.MethodPost, "/signaling", `{"messageId":"m1"}`)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.campaignCount() != 0 {
		t.Fatalf("sink must not be called")
	}
}

func TestSignalingHandlerDeletesByID(t *testing.T) {
	t.Parallel()

	sink := &testSink{}
	handler := NewSignalingHandler(sink, "/signaling", 1<<20, nil, nil)

	response := serve(handler, http.MethodDelete, "/signaling/m1", "")
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if len(sink.removed) != 1 || sink.removed[0] != "m1" {
		t.Fatalf("unexpected removals %v", sink.removed)
	}

	if response := serve(handler, http.MethodDelete, "/signaling", ""); response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d without id, got %d", http.StatusBadRequest, response.Code)
	}
}

func TestSignalingHandlerMapsSinkErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "unknown", err: state.ErrNotFound, want: http.StatusNotFound},
		{name: "permanent", err: permanent.Mark(errors.New("bad campaign")), want: http.StatusBadRequest},
		{name: "backend", err: errors.New("kv unavailable"), want: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			handler := NewSignalingHandler(&testSink{err: tc.err}, "/signaling", 1<<20, nil, nil)
			if response := serve(handler, http.MethodDelete, "/signaling/m1", ""); response.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, response.Code)
			}
		})
	}
}

func TestSignalingHandlerRejectsOtherMethods(t *testing.T) {
	t.Parallel()

	handler := NewSignalingHandler(&testSink{}, "/signaling", 1<<20, nil, nil)
	if response := serve(handler, http.MethodGet, "/signaling", ""); response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestSignalingHandlerLimitsBodySize(t *testing.T) {
	t.Parallel()

	sink := &testSink{}
	handler := NewSignalingHandler(sink, "/signaling", 16, nil, nil)
	if response := serve(handler, http.MethodPost, "/signaling", testSignalingJSON); response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.campaignCount() != 0 {
		t.Fatalf("oversized body must not reach sink")
	}
}

func TestTransitionHandlerForwardsBatch(t *testing.T) {
	t.Parallel()

	sink := &testSink{}
	handler := NewTransitionHandler(sink, 1<<20)
	payload := `[
		{"event":"entry","region_ids":["a1"],"location":{"lat":45.81,"lon":15.98},"occurred_at":"2026-05-01T08:00:00Z"},
		{"event":"exit","region_ids":["a1"],"location":{"lat":45.82,"lon":15.99},"occurred_at":"2026-05-01T08:10:00Z"}
	]`

	response := serve(handler, http.MethodPost, "/transitions", payload)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if len(sink.transitions) != 2 || sink.transitions[1].Event != domain.EventExit {
		t.Fatalf("unexpected transitions %+v", sink.transitions)
	}
	if sink.sources[0] != "http" {
		t.Fatalf("expected http source, got %q", sink.sources[0])
	}
}

func TestTransitionHandlerRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	sink := &testSink{}
	handler := NewTransitionHandler(sink, 1<<20)
	response := serve(handler, http.MethodPost, "/transitions", `{"event":"hover","region_ids":["a1"]}`)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if len(sink.transitions) != 0 {
		t.Fatalf("invalid transition must not reach sink")
	}
}

func TestLocationHandlerForwardsFix(t *testing.T) {
	t.Parallel()

	sink := &testSink{}
	handler := NewLocationHandler(sink, 1<<20)
	response := serve(handler, http.MethodPost, "/locations", `{"device_id":"d1","location":{"lat":45.81,"lon":15.98},"at":"2026-05-01T08:00:00Z"}`)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if len(sink.fixes) != 1 || sink.fixes[0].DeviceID != "d1" {
		t.Fatalf("unexpected fixes %+v", sink.fixes)
	}
}

func TestLocationHandlerReportsUnavailableSink(t *testing.T) {
	t.Parallel()

	handler := NewLocationHandler(&testSink{err: errors.New("monitor is unavailable")}, 1<<20)
	response := serve(handler, http.MethodPost, "/locations", `{"location":{"lat":1,"lon":1},"at":"2026-05-01T08:00:00Z"}`)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}
