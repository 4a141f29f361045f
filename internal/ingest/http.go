// Package ingest accepts signaling messages and device feeds over HTTP and NATS.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"geofencing/internal/domain"
	"geofencing/internal/permanent"
	"geofencing/internal/state"
)

const sourceHTTP = "http"

// CampaignSink receives campaigns decoded from signaling messages.
type CampaignSink interface {
	AddCampaign(ctx context.Context, campaign domain.Campaign) error
	RemoveCampaign(ctx context.Context, signalingMessageID string) error
}

// FeedSink receives device fixes and platform transitions.
type FeedSink interface {
	HandleFix(ctx context.Context, fix domain.LocationFix) error
	HandleTransition(ctx context.Context, source string, transition domain.TransitionEvent) error
}

// readBody reads a size-limited request body.
func readBody(writer http.ResponseWriter, request *http.Request, limit int64) ([]byte, error) {
	request.Body = http.MaxBytesReader(writer, request.Body, limit)
	defer request.Body.Close()
	return io.ReadAll(request.Body)
}

// statusFor maps processing error to HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case permanent.Is(err):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// SignalingHandler serves POST for new signaling messages and DELETE {base}/{id} for removal.
// Params: campaign sink, base path, body limit, clock function, and logger.
// Returns: HTTP handler for signaling endpoint.
type SignalingHandler struct {
	sink        CampaignSink
	basePath    string
	maxBodySize int64
	now         func() time.Time
	logger      *slog.Logger
}

// NewSignalingHandler creates signaling endpoint handler.
func NewSignalingHandler(sink CampaignSink, basePath string, maxBodySize int64, now func() time.Time, logger *slog.Logger) *SignalingHandler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalingHandler{
		sink:        sink,
		basePath:    strings.TrimRight(basePath, "/"),
		maxBodySize: maxBodySize,
		now:         now,
		logger:      logger,
	}
}

// ServeHTTP handles one signaling request.
// Params: HTTP request/response writer pair.
// Returns: 202 on accept, 400 on malformed message, 404 on unknown id, 503 on store failure.
func (h *SignalingHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodPost:
		body, err := readBody(writer, request, h.maxBodySize)
		if err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		campaign, err := domain.DecodeSignalingMessage(body, h.now())
		if err != nil {
			h.logger.Warn("signaling message rejected", "source", sourceHTTP, "error", err.Error())
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		err = h.sink.AddCampaign(request.Context(), campaign)
		if err != nil {
			h.logger.Error("add campaign failed", "campaign_id", campaign.ID, "error", err.Error())
		}
		writer.WriteHeader(statusFor(err))
	case http.MethodDelete:
		id := strings.Trim(strings.TrimPrefix(request.URL.Path, h.basePath), "/")
		if id == "" || strings.Contains(id, "/") {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		err := h.sink.RemoveCampaign(request.Context(), id)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			h.logger.Error("remove campaign failed", "signaling_message_id", id, "error", err.Error())
		}
		writer.WriteHeader(statusFor(err))
	default:
		writer.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// TransitionHandler decodes platform transitions and forwards them to sink.
type TransitionHandler struct {
	sink        FeedSink
	maxBodySize int64
}

// NewTransitionHandler creates transition endpoint handler.
func NewTransitionHandler(sink FeedSink, maxBodySize int64) *TransitionHandler {
	return &TransitionHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one transition or transition batch.
func (h *TransitionHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(writer, request, h.maxBodySize)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	transitions, err := decodeTransitions(body)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	for _, transition := range transitions {
		if err := h.sink.HandleTransition(request.Context(), sourceHTTP, transition); err != nil {
			writer.WriteHeader(statusFor(err))
			return
		}
	}
	writer.WriteHeader(http.StatusAccepted)
}

// LocationHandler decodes location fixes and forwards them to sink.
type LocationHandler struct {
	sink        FeedSink
	maxBodySize int64
}

// NewLocationHandler creates location endpoint handler.
func NewLocationHandler(sink FeedSink, maxBodySize int64) *LocationHandler {
	return &LocationHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one fix or fix batch.
func (h *LocationHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(writer, request, h.maxBodySize)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	fixes, err := decodeFixes(body)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	for _, fix := range fixes {
		if err := h.sink.HandleFix(request.Context(), fix); err != nil {
			writer.WriteHeader(statusFor(err))
			return
		}
	}
	writer.WriteHeader(http.StatusAccepted)
}
