package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"geofencing/internal/config"
	"geofencing/internal/domain"
	"geofencing/internal/permanent"

	"github.com/nats-io/nats.go"
)

const (
	queueStreamMaxAge = 24 * time.Hour
	dlqStreamMaxAge   = 7 * 24 * time.Hour
)

// Job is one queued display task.
type Job struct {
	ID        string                `json:"id"`
	Record    domain.DeliveryRecord `json:"record"`
	CreatedAt time.Time             `json:"created_at"`
}

// DLQReason classifies why a job left the queue undelivered.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks jobs whose redelivery budget is spent.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is the dead-letter payload for one failed job.
type DLQEntry struct {
	Job        Job       `json:"job"`
	Reason     DLQReason `json:"reason"`
	Error      string    `json:"error"`
	Attempts   uint64    `json:"attempts"`
	MaxDeliver int       `json:"max_deliver"`
	FailedAt   time.Time `json:"failed_at"`
}

// NATSProducer is a Sink that hands records to the JetStream display queue.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	now     func() time.Time
}

// NewNATSProducer connects to NATS and ensures queue streams exist.
// Params: derived queue runtime settings.
// Returns: producer or setup error.
func NewNATSProducer(cfg config.DeliveryQueueRuntime) (*NATSProducer, error) {
	nc, js, err := openQueue(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Deliver publishes record as a job; record id deduplicates republishing.
func (p *NATSProducer) Deliver(ctx context.Context, record domain.DeliveryRecord) error {
	job := Job{ID: record.ID, Record: record, CreatedAt: p.now()}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delivery job: %w", err)
	}
	return nil
}

// Close closes producer connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes display jobs and hands them to a downstream sink.
// Params: NATS connection, queue subscription, and dead-letter settings.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	logger *slog.Logger
	cfg    config.DeliveryQueueRuntime
	sink   Sink
}

// NewNATSWorker starts queue consumer for display jobs.
// Params: queue runtime settings, downstream sink, and logger.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.DeliveryQueueRuntime, sink Sink, logger *slog.Logger) (*NATSWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := openQueue(cfg)
	if err != nil {
		return nil, err
	}
	worker := &NATSWorker{nc: nc, js: js, logger: logger, cfg: cfg, sink: sink}

	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, worker.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe delivery %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

func (w *NATSWorker) handle(message *nats.Msg) {
	if message == nil {
		return
	}
	ctx := context.Background()
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.fail(ctx, message, Job{}, permanent.Errorf("decode delivery job: %w", err))
		return
	}
	if err := w.sink.Deliver(ctx, job.Record); err != nil {
		w.fail(ctx, message, job, err)
		return
	}
	_ = message.Ack()
}

// fail acks terminal failures (after dead-lettering) and naks retryable ones.
func (w *NATSWorker) fail(ctx context.Context, message *nats.Msg, job Job, cause error) {
	attempts := deliveryAttempts(message)
	var reason DLQReason
	switch {
	case permanent.Is(cause):
		reason = DLQReasonPermanentError
	case w.cfg.MaxDeliver > 0 && attempts >= uint64(w.cfg.MaxDeliver):
		reason = DLQReasonMaxDeliverExceeded
	}
	w.logger.Error("delivery job failed", "job_id", job.ID, "attempts", attempts, "reason", string(reason), "error", cause.Error())

	if reason == "" {
		w.nak(message)
		return
	}
	if w.cfg.DLQ {
		if err := w.publishDLQ(ctx, job, reason, cause, attempts); err != nil {
			w.logger.Error("delivery dlq publish failed", "job_id", job.ID, "error", err.Error())
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nak(message *nats.Msg) {
	delay := time.Duration(w.cfg.NackDelayMS) * time.Millisecond
	if delay > 0 {
		_ = message.NakWithDelay(delay)
		return
	}
	_ = message.Nak()
}

func (w *NATSWorker) publishDLQ(ctx context.Context, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      cause.Error(),
		Attempts:   attempts,
		MaxDeliver: w.cfg.MaxDeliver,
		FailedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal delivery dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.cfg.DLQSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:dlq:%s:%d", id, reason, attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delivery dlq entry: %w", err)
	}
	return nil
}

// Close drains subscription and closes connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

func openQueue(cfg config.DeliveryQueueRuntime) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect delivery queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for delivery queue: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, queueStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, dlqStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

func ensureStream(js nats.JetStreamContext, name, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", name, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	}); err != nil {
		return fmt.Errorf("create stream %q: %w", name, err)
	}
	return nil
}

func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered == 0 {
		return 1
	}
	return metadata.NumDelivered
}
