package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"geofencing/internal/clock"
	"geofencing/internal/domain"
	"geofencing/internal/metrics"
	"geofencing/internal/state"
)

// StatusTracker is the campaign status view the reporter consults and feeds.
type StatusTracker interface {
	IsActive(campaignID string) bool
	Merge(ctx context.Context, finished, suspended []string) error
	Snapshot() (finished []string, suspended []string)
}

// RecordRenamer swaps a delivery record local id for the server id; equal ids only mark it reported.
type RecordRenamer interface {
	RenameRecord(ctx context.Context, oldID, newID string) error
}

// Result describes one reporting attempt.
// Params: id remap from the reply, full merged status sets, and queue accounting.
// Returns: input for re-planning and operator output.
type Result struct {
	NewIDs    map[string]string
	Suspended []string
	Finished  []string
	Sent      int
	Dropped   int
}

// Reporter drains the pending queue into report batches.
// Params: queue, record store, status tracker, transport, clock, logger, and metrics.
// Returns: batch reporter; concurrent Report calls are serialized.
type Reporter struct {
	queue     state.PendingQueue
	records   RecordRenamer
	status    StatusTracker
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu sync.Mutex
}

// Options carries reporter dependencies.
type Options struct {
	Queue     state.PendingQueue
	Records   RecordRenamer
	Status    StatusTracker
	Transport Transport
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// NewReporter creates reporter from dependencies.
// Params: options; nil clock means real UTC clock, nil logger means slog.Default.
// Returns: reporter.
func NewReporter(opts Options) *Reporter {
	now := opts.Clock
	if now == nil {
		now = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		queue:     opts.Queue,
		records:   opts.Records,
		status:    opts.Status,
		transport: opts.Transport,
		clock:     now,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Enqueue appends report to durable pending queue.
// Params: context and report with generated local id.
// Returns: validation or queue error.
func (r *Reporter) Enqueue(ctx context.Context, report domain.EventReport) error {
	if strings.TrimSpace(report.LocalID) == "" {
		return errors.New("event report local id is required")
	}
	if err := r.queue.AppendReport(ctx, report); err != nil {
		return fmt.Errorf("enqueue report %s: %w", report.LocalID, err)
	}
	r.observePending(ctx)
	return nil
}

// Pending lists queued reports in enqueue order.
func (r *Reporter) Pending(ctx context.Context) ([]domain.EventReport, error) {
	return r.queue.ListReports(ctx)
}

// Report sends every queued report of an active campaign as one batch.
// Params: context for queue, transport, and store calls.
// Returns: attempt result; on send failure the queue is left as is and error is returned.
func (r *Reporter) Report(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, err := r.queue.ListReports(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list pending reports: %w", err)
	}
	if len(pending) == 0 {
		return Result{}, nil
	}

	batch, dropped := r.partition(pending)
	result := Result{Dropped: len(dropped)}
	if err := r.removeDropped(ctx, dropped); err != nil {
		return result, err
	}
	if len(batch) == 0 {
		r.observePending(ctx)
		return result, nil
	}

	request := BuildRequest(batch, r.clock.Now())
	started := time.Now()
	response, err := r.transport.Send(ctx, request)
	if r.metrics != nil {
		r.metrics.ReportBatchDuration.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.ReportBatchFailures.Inc()
		}
		return result, fmt.Errorf("send report batch: %w", err)
	}

	result.Sent = len(batch)
	result.NewIDs = r.renameRecords(ctx, response.MessageIDs)
	r.markReported(ctx, batch, result.NewIDs)

	var errs []error
	if err := r.status.Merge(ctx, response.FinishedCampaignIDs, response.SuspendedCampaignIDs); err != nil {
		errs = append(errs, err)
	}
	sent := make([]string, 0, len(batch))
	for _, report := range batch {
		sent = append(sent, report.LocalID)
	}
	if err := r.queue.RemoveReports(ctx, sent); err != nil {
		errs = append(errs, fmt.Errorf("remove sent reports: %w", err))
	}
	result.Finished, result.Suspended = r.status.Snapshot()

	if r.metrics != nil {
		r.metrics.ReportsSent.Add(float64(len(batch)))
	}
	r.observePending(ctx)
	r.logger.Info(
		"report batch sent",
		"reports", len(batch),
		"remapped", len(result.NewIDs),
		"finished", len(response.FinishedCampaignIDs),
		"suspended", len(response.SuspendedCampaignIDs),
	)
	return result, errors.Join(errs...)
}

// DropInactive removes queued reports whose campaign is no longer active.
// Params: context for queue calls.
// Returns: number of dropped reports or queue error.
func (r *Reporter) DropInactive(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, err := r.queue.ListReports(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending reports: %w", err)
	}
	_, dropped := r.partition(pending)
	if err := r.removeDropped(ctx, dropped); err != nil {
		return 0, err
	}
	if len(dropped) > 0 {
		r.observePending(ctx)
	}
	return len(dropped), nil
}

func (r *Reporter) removeDropped(ctx context.Context, dropped []string) error {
	if len(dropped) == 0 {
		return nil
	}
	if err := r.queue.RemoveReports(ctx, dropped); err != nil {
		return fmt.Errorf("drop inactive reports: %w", err)
	}
	r.logger.Info("dropped reports of inactive campaigns", "count", len(dropped))
	if r.metrics != nil {
		r.metrics.ReportsDropped.Add(float64(len(dropped)))
	}
	return nil
}

// partition splits pending reports into sendable batch and ids of inactive campaigns.
func (r *Reporter) partition(pending []domain.EventReport) ([]domain.EventReport, []string) {
	batch := make([]domain.EventReport, 0, len(pending))
	var dropped []string
	for _, report := range pending {
		if r.status != nil && !r.status.IsActive(report.CampaignID) {
			dropped = append(dropped, report.LocalID)
			continue
		}
		batch = append(batch, report)
	}
	return batch, dropped
}

// renameRecords applies local-to-server id pairs to delivery records.
// Params: context and id map from the reply.
// Returns: pairs that are part of the result; failed renames are logged only.
func (r *Reporter) renameRecords(ctx context.Context, ids map[string]string) map[string]string {
	out := make(map[string]string, len(ids))
	for localID, serverID := range ids {
		if strings.TrimSpace(localID) == "" || strings.TrimSpace(serverID) == "" {
			continue
		}
		out[localID] = serverID
		if r.records == nil || localID == serverID {
			continue
		}
		err := r.records.RenameRecord(ctx, localID, serverID)
		switch {
		case err == nil:
		case errors.Is(err, state.ErrNotFound):
			r.logger.Debug("delivery record already gone", "local_id", localID)
		default:
			r.logger.Warn("rename delivery record failed", "local_id", localID, "server_id", serverID, "error", err.Error())
		}
	}
	return out
}

// markReported flags records of sent reports that kept their local id.
func (r *Reporter) markReported(ctx context.Context, batch []domain.EventReport, renamed map[string]string) {
	if r.records == nil {
		return
	}
	for _, report := range batch {
		if serverID, ok := renamed[report.LocalID]; ok && serverID != report.LocalID {
			continue
		}
		err := r.records.RenameRecord(ctx, report.LocalID, report.LocalID)
		switch {
		case err == nil:
		case errors.Is(err, state.ErrNotFound):
			r.logger.Debug("delivery record already gone", "local_id", report.LocalID)
		default:
			r.logger.Warn("mark delivery record reported failed", "local_id", report.LocalID, "error", err.Error())
		}
	}
}

func (r *Reporter) observePending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	pending, err := r.queue.ListReports(ctx)
	if err != nil {
		return
	}
	r.metrics.PendingReports.Set(float64(len(pending)))
}

// BuildRequest converts pending reports into one wire batch.
// Params: reports in enqueue order and send instant.
// Returns: request with distinct signaling message ids in first-seen order and non-positive timestamp deltas.
func BuildRequest(reports []domain.EventReport, sendTime time.Time) domain.ReportRequest {
	request := domain.ReportRequest{
		Messages: make([]domain.ReportMessage, 0, len(reports)),
		Reports:  make([]domain.ReportEntry, 0, len(reports)),
	}
	seen := make(map[string]struct{}, len(reports))
	for _, report := range reports {
		delta := report.OccurredAt.Sub(sendTime).Milliseconds()
		if delta > 0 {
			delta = 0
		}
		if _, ok := seen[report.SignalingMessageID]; !ok {
			seen[report.SignalingMessageID] = struct{}{}
			request.Messages = append(request.Messages, domain.ReportMessage{ID: report.SignalingMessageID})
		}
		request.Reports = append(request.Reports, domain.ReportEntry{
			Event:              report.Event,
			AreaID:             report.Area.ID,
			CampaignID:         report.CampaignID,
			SignalingMessageID: report.SignalingMessageID,
			GeneratedID:        report.LocalID,
			TimestampDeltaMs:   delta,
		})
	}
	return request
}
