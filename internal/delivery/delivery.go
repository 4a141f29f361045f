// Package delivery materializes accepted triggers into user-visible records.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"geofencing/internal/domain"
	"geofencing/internal/metrics"
	"geofencing/internal/templatefmt"
)

// Sink displays one materialized delivery record.
type Sink interface {
	Deliver(ctx context.Context, record domain.DeliveryRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, record domain.DeliveryRecord) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, record domain.DeliveryRecord) error {
	return f(ctx, record)
}

// TemplateData is the value delivery templates render against.
type TemplateData struct {
	CampaignID         string
	SignalingMessageID string
	Event              string
	AreaID             string
	AreaTitle          string
	Radius             int
	Title              string
	Body               string
	OccurredAt         time.Time
}

// Renderer builds delivery records from triggers.
// Params: compiled outer template; campaign bodies are rendered as templates first.
// Returns: record materializer.
type Renderer struct {
	outer  *template.Template
	logger *slog.Logger
}

// NewRenderer compiles outer delivery template.
// Params: template body (for example `{{ .Title }}: {{ .Body }}`) and logger.
// Returns: renderer or parse error.
func NewRenderer(body string, logger *slog.Logger) (*Renderer, error) {
	if strings.TrimSpace(body) == "" {
		body = "{{ .Body }}"
	}
	outer, err := templatefmt.ParseDeliveryTemplate("delivery", body)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{outer: outer, logger: logger}, nil
}

// Materialize renders one delivery record for an accepted trigger.
// Params: record id, campaign, chosen area, event type, and occurrence time.
// Returns: unreported record; a body that fails to render is used verbatim.
func (r *Renderer) Materialize(id string, campaign domain.Campaign, area domain.Area, event domain.EventType, at time.Time) (domain.DeliveryRecord, error) {
	data := TemplateData{
		CampaignID:         campaign.ID,
		SignalingMessageID: campaign.SignalingMessageID,
		Event:              string(event),
		AreaID:             area.ID,
		AreaTitle:          area.Title,
		Radius:             area.RadiusMeters,
		Title:              campaign.Message.Title,
		Body:               campaign.Message.Body,
		OccurredAt:         at,
	}
	if body, err := renderString("body", campaign.Message.Body, data); err == nil {
		data.Body = body
	} else {
		r.logger.Debug("campaign body kept verbatim", "campaign_id", campaign.ID, "error", err.Error())
	}

	var text strings.Builder
	if err := r.outer.Execute(&text, data); err != nil {
		return domain.DeliveryRecord{}, err
	}
	return domain.DeliveryRecord{
		ID:                 id,
		CampaignID:         campaign.ID,
		SignalingMessageID: campaign.SignalingMessageID,
		Event:              event,
		AreaID:             area.ID,
		AreaTitle:          area.Title,
		Title:              campaign.Message.Title,
		Text:               strings.TrimSpace(text.String()),
		OccurredAt:         at,
	}, nil
}

func renderString(name, body string, data TemplateData) (string, error) {
	if !strings.Contains(body, "{{") {
		return body, nil
	}
	tmpl, err := templatefmt.ParseDeliveryTemplate(name, body)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

// LogSink writes records to the logger.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs record at info level.
func (s LogSink) Deliver(_ context.Context, record domain.DeliveryRecord) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(
		"delivery record",
		"record_id", record.ID,
		"campaign_id", record.CampaignID,
		"event", string(record.Event),
		"area_id", record.AreaID,
		"text", record.Text,
	)
	return nil
}

// Instrumented counts deliveries per sink name and outcome.
type Instrumented struct {
	Name    string
	Sink    Sink
	Metrics *metrics.Metrics
}

// Deliver forwards record and records outcome.
func (s Instrumented) Deliver(ctx context.Context, record domain.DeliveryRecord) error {
	err := s.Sink.Deliver(ctx, record)
	if s.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.Metrics.Deliveries.WithLabelValues(s.Name, outcome).Inc()
	}
	return err
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

// Deliver calls each sink in order.
func (f Fanout) Deliver(ctx context.Context, record domain.DeliveryRecord) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Deliver(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
