package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"geofencing/internal/config"
	"geofencing/internal/domain"
	"geofencing/internal/metrics"
	"geofencing/internal/permanent"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const sourceMQTT = "mqtt"

// FeedHandler receives decoded device payloads.
// Params: location fixes for the software monitor and raw platform transitions.
// Returns: processing error; permanent errors are dropped without retry.
type FeedHandler interface {
	HandleFix(ctx context.Context, fix domain.LocationFix) error
	HandleTransition(ctx context.Context, source string, transition domain.TransitionEvent) error
}

// MQTTFeed subscribes device topics on an MQTT broker.
// Params: broker settings, payload handler, logger, and metrics.
// Returns: feed lifecycle handle.
type MQTTFeed struct {
	cfg     config.MQTTConfig
	handler FeedHandler
	logger  *slog.Logger
	metrics *metrics.Metrics
	client  mqtt.Client
	ctx     context.Context
}

// NewMQTTFeed creates MQTT feed without connecting.
// Params: MQTT config, handler, optional logger and metrics.
// Returns: feed ready for Start.
func NewMQTTFeed(cfg config.MQTTConfig, handler FeedHandler, logger *slog.Logger, m *metrics.Metrics) *MQTTFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTFeed{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: m,
		ctx:     context.Background(),
	}
}

// Start connects to broker and subscribes location and transition topics.
// Params: feed lifetime context passed to handler calls.
// Returns: connect or subscribe error.
func (f *MQTTFeed) Start(ctx context.Context) error {
	f.ctx = ctx
	opts := mqtt.NewClientOptions().
		AddBroker(f.cfg.Broker).
		SetClientID(f.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetConnectTimeout(10 * time.Second)
	if strings.TrimSpace(f.cfg.Username) != "" {
		opts.SetUsername(f.cfg.Username)
		opts.SetPassword(f.cfg.Password)
	}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if err := f.subscribe(client); err != nil {
			f.logger.Error("mqtt subscribe failed", "error", err.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		f.logger.Warn("mqtt connection lost", "broker", f.cfg.Broker, "error", err.Error())
	})

	f.client = mqtt.NewClient(opts)
	token := f.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("connect mqtt %q: timeout", f.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt %q: %w", f.cfg.Broker, err)
	}
	f.logger.Info("mqtt feed connected", "broker", f.cfg.Broker, "location_topic", f.cfg.LocationTopic, "transition_topic", f.cfg.TransitionTopic)
	return nil
}

func (f *MQTTFeed) subscribe(client mqtt.Client) error {
	qos := byte(f.cfg.QoS)
	filters := map[string]byte{}
	if f.cfg.LocationTopic != "" {
		filters[f.cfg.LocationTopic] = qos
	}
	if f.cfg.TransitionTopic != "" {
		filters[f.cfg.TransitionTopic] = qos
	}
	token := client.SubscribeMultiple(filters, func(_ mqtt.Client, message mqtt.Message) {
		if err := f.Dispatch(f.ctx, message.Topic(), message.Payload()); err != nil {
			f.logger.Warn("mqtt payload rejected", "topic", message.Topic(), "permanent", permanent.Is(err), "error", err.Error())
		}
	})
	token.Wait()
	return token.Error()
}

// Dispatch decodes one payload by topic and forwards it to the handler.
// Params: context, topic name, and raw payload.
// Returns: permanent error for undecodable payloads or unknown topics, handler error otherwise.
func (f *MQTTFeed) Dispatch(ctx context.Context, topic string, payload []byte) error {
	switch topic {
	case f.cfg.LocationTopic:
		fix, err := domain.DecodeLocationFix(payload)
		if err != nil {
			f.dropped()
			return permanent.Mark(err)
		}
		return f.handler.HandleFix(ctx, fix)
	case f.cfg.TransitionTopic:
		transition, err := domain.DecodeTransition(payload)
		if err != nil {
			f.dropped()
			return permanent.Mark(err)
		}
		return f.handler.HandleTransition(ctx, sourceMQTT, transition)
	default:
		return permanent.Errorf("unexpected topic %q", topic)
	}
}

func (f *MQTTFeed) dropped() {
	if f.metrics != nil {
		f.metrics.TransitionsDropped.WithLabelValues(sourceMQTT).Inc()
	}
}

// Close disconnects from broker after a short quiesce.
func (f *MQTTFeed) Close() {
	if f.client != nil && f.client.IsConnected() {
		f.client.Disconnect(250)
	}
}
