package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"geofencing/internal/clock"
	"geofencing/internal/delivery"
	"geofencing/internal/domain"
	"geofencing/internal/engine"
	"geofencing/internal/metrics"
	"geofencing/internal/monitor"
	"geofencing/internal/permanent"
	"geofencing/internal/report"
	"geofencing/internal/state"
	"geofencing/internal/status"

	"github.com/google/uuid"
)

// ErrMonitorUnavailable means no geofence monitor is configured for this process.
var ErrMonitorUnavailable = errors.New("geofence monitor is unavailable")

// FixObserver evaluates raw device positions against armed regions.
type FixObserver interface {
	Observe(ctx context.Context, fix domain.LocationFix) error
}

// Engine coordinates campaigns, planning, transition handling, and reporting.
// Params: state backend, status store, reporter, renderer, sink, monitor, wake scheduler, and clock.
// Returns: campaign sink, feed handler, and report result consumer.
type Engine struct {
	mu        sync.RWMutex
	campaigns map[string]domain.Campaign
	armed     map[string]struct{}

	// transitionMu serializes resolve-record-enqueue so concurrent callbacks cannot double count.
	transitionMu sync.Mutex
	rearmMu      sync.Mutex

	store    state.Store
	status   *status.Store
	throttle *engine.Throttle
	resolver *engine.Resolver
	reporter *report.Reporter
	renderer *delivery.Renderer
	sink     delivery.Sink
	monitor  monitor.GeoMonitor
	wake     monitor.WakeScheduler
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	ids      func() string
	trigger  func()
}

// EngineOptions carries engine dependencies.
type EngineOptions struct {
	Store    state.Store
	Status   *status.Store
	Reporter *report.Reporter
	Renderer *delivery.Renderer
	Sink     delivery.Sink
	Monitor  monitor.GeoMonitor
	Wake     monitor.WakeScheduler
	Clock    clock.Clock
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	IDs      func() string
}

// NewEngine creates engine from dependencies.
// Params: options; nil monitor disables the monitoring path, nil IDs means uuid v4, nil status wraps the store.
// Returns: engine that must be loaded before serving.
func NewEngine(opts EngineOptions) *Engine {
	now := opts.Clock
	if now == nil {
		now = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := opts.IDs
	if ids == nil {
		ids = uuid.NewString
	}
	sink := opts.Sink
	if sink == nil {
		sink = delivery.LogSink{Logger: logger}
	}
	statuses := opts.Status
	if statuses == nil {
		statuses = status.NewStore(opts.Store)
	}
	throttle := engine.NewThrottle(opts.Store, statuses, opts.Location)
	return &Engine{
		campaigns: make(map[string]domain.Campaign),
		armed:     make(map[string]struct{}),
		store:     opts.Store,
		status:    statuses,
		throttle:  throttle,
		resolver:  engine.NewResolver(meteredGate{throttle: throttle, metrics: opts.Metrics}, statuses),
		reporter:  opts.Reporter,
		renderer:  opts.Renderer,
		sink:      sink,
		monitor:   opts.Monitor,
		wake:      opts.Wake,
		clock:     now,
		logger:    logger,
		metrics:   opts.Metrics,
		ids:       ids,
		trigger:   func() {},
	}
}

// SetReportTrigger installs callback invoked after new reports are enqueued.
func (e *Engine) SetReportTrigger(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	e.trigger = fn
}

// Load restores status sets and campaigns from the store and arms the monitor.
// Params: context for backend calls.
// Returns: backend error; a missing monitor is logged, not returned.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.status.Load(ctx); err != nil {
		return err
	}
	campaigns, err := e.store.ListCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	e.mu.Lock()
	e.campaigns = make(map[string]domain.Campaign, len(campaigns))
	for _, campaign := range campaigns {
		e.campaigns[campaign.SignalingMessageID] = campaign
	}
	e.mu.Unlock()
	e.observeCampaigns()
	e.logger.Info("campaigns loaded", "count", len(campaigns))
	e.replan(ctx)
	return nil
}

// AddCampaign stores campaign of a signaling message and re-plans monitoring.
// Params: decoded campaign; a campaign with the same signaling message id is replaced.
// Returns: validation (permanent) or store error.
func (e *Engine) AddCampaign(ctx context.Context, campaign domain.Campaign) error {
	if err := campaign.Validate(); err != nil {
		return permanent.Mark(err)
	}
	if err := e.store.PutCampaign(ctx, campaign); err != nil {
		return fmt.Errorf("store campaign %s: %w", campaign.ID, err)
	}
	e.mu.Lock()
	e.campaigns[campaign.SignalingMessageID] = campaign
	e.mu.Unlock()
	e.observeCampaigns()
	e.logger.Info("campaign added",
		"campaign_id", campaign.ID,
		"signaling_message_id", campaign.SignalingMessageID,
		"areas", len(campaign.Areas),
	)
	e.replan(ctx)
	return nil
}

// RemoveCampaign deletes signaling message campaign with its counters and delivery records.
// Params: signaling message id.
// Returns: state.ErrNotFound for unknown id or backend error.
func (e *Engine) RemoveCampaign(ctx context.Context, signalingMessageID string) error {
	e.mu.RLock()
	_, ok := e.campaigns[signalingMessageID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("signaling message %s: %w", signalingMessageID, state.ErrNotFound)
	}
	if err := e.purge(ctx, signalingMessageID); err != nil {
		return err
	}
	e.observeCampaigns()
	e.replan(ctx)
	return nil
}

// ClearHistory removes every campaign with its counters and delivery records.
// Params: context for backend calls.
// Returns: joined backend errors.
func (e *Engine) ClearHistory(ctx context.Context) error {
	var errs []error
	for _, campaign := range e.Campaigns() {
		if err := e.purge(ctx, campaign.SignalingMessageID); err != nil {
			errs = append(errs, err)
		}
	}
	e.observeCampaigns()
	e.replan(ctx)
	e.logger.Info("history cleared")
	return errors.Join(errs...)
}

// SweepExpired removes campaigns whose expiry has passed.
// Params: context for backend calls.
// Returns: number of removed campaigns and joined backend errors.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.clock.Now()
	removed := 0
	var errs []error
	for _, campaign := range e.Campaigns() {
		if !campaign.IsExpired(now) {
			continue
		}
		if err := e.purge(ctx, campaign.SignalingMessageID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		e.observeCampaigns()
		e.logger.Info("expired campaigns removed", "count", removed)
		e.replan(ctx)
	}
	return removed, errors.Join(errs...)
}

func (e *Engine) purge(ctx context.Context, signalingMessageID string) error {
	if err := e.store.DeleteCampaign(ctx, signalingMessageID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("delete campaign %s: %w", signalingMessageID, err)
	}
	if err := e.throttle.Clear(ctx, signalingMessageID); err != nil {
		return err
	}
	if err := e.store.DeleteRecordsByMessage(ctx, signalingMessageID); err != nil {
		return fmt.Errorf("delete records of %s: %w", signalingMessageID, err)
	}
	e.mu.Lock()
	delete(e.campaigns, signalingMessageID)
	e.mu.Unlock()
	e.logger.Info("campaign removed", "signaling_message_id", signalingMessageID)
	return nil
}

// Campaigns returns known campaigns ordered by arrival.
func (e *Engine) Campaigns() []domain.Campaign {
	e.mu.RLock()
	out := make([]domain.Campaign, 0, len(e.campaigns))
	for _, campaign := range e.campaigns {
		out = append(out, campaign)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].SignalingMessageID < out[j].SignalingMessageID
	})
	return out
}

// Plan computes the monitoring plan for the current campaign set.
func (e *Engine) Plan() domain.MonitoringPlan {
	return engine.Plan(e.Campaigns(), e.status, e.clock.Now())
}

// Rearm applies current plan to the monitor and schedules the next wake.
// Params: context for monitor calls.
// Returns: ErrMonitorUnavailable without monitor, or monitor error.
func (e *Engine) Rearm(ctx context.Context) error {
	if e.monitor == nil {
		return ErrMonitorUnavailable
	}
	e.rearmMu.Lock()
	defer e.rearmMu.Unlock()

	plan := e.Plan()
	next := make(map[string]struct{}, len(plan.Regions))
	for _, id := range plan.RegionIDs() {
		next[id] = struct{}{}
	}
	var stale []string
	for id := range e.armed {
		if _, ok := next[id]; !ok {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	if len(stale) > 0 {
		if err := e.monitor.Disarm(ctx, stale); err != nil {
			return fmt.Errorf("disarm regions: %w", err)
		}
	}
	if len(plan.Regions) > 0 {
		if err := e.monitor.Arm(ctx, plan.Regions, e.onTransition); err != nil {
			return fmt.Errorf("arm regions: %w", err)
		}
	}
	e.armed = next
	if e.metrics != nil {
		e.metrics.ArmedRegions.Set(float64(len(next)))
	}

	if at, ok := plan.NextWake(); ok && e.wake != nil {
		e.wake.ScheduleOnce(at, func() {
			e.logger.Debug("wake alarm fired", "at", at.Format(time.RFC3339))
			e.replan(context.Background())
		})
	}
	e.logger.Debug("monitor re-armed", "regions", len(next), "disarmed", len(stale))
	return nil
}

// replan re-arms and logs failures; reporting continues without a monitor.
func (e *Engine) replan(ctx context.Context) {
	err := e.Rearm(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrMonitorUnavailable):
		e.logger.Warn("monitoring path disabled", "error", err.Error())
	default:
		e.logger.Error("re-arm failed", "error", err.Error())
	}
}

func (e *Engine) onTransition(transition domain.TransitionEvent) {
	if err := e.HandleTransition(context.Background(), "monitor", transition); err != nil {
		e.logger.Error("monitor transition failed", "event", string(transition.Event), "error", err.Error())
	}
}

// HandleFix forwards one device position to the location-driven monitor.
// Params: location fix.
// Returns: ErrMonitorUnavailable when the monitor cannot evaluate fixes.
func (e *Engine) HandleFix(ctx context.Context, fix domain.LocationFix) error {
	observer, ok := e.monitor.(FixObserver)
	if !ok {
		return ErrMonitorUnavailable
	}
	return observer.Observe(ctx, fix)
}

// HandleTransition resolves one transition into delivery records and pending reports.
// Params: source label for metrics and validated or raw transition.
// Returns: permanent error for malformed transition or backend error.
func (e *Engine) HandleTransition(ctx context.Context, source string, transition domain.TransitionEvent) error {
	if err := transition.Validate(); err != nil {
		if e.metrics != nil {
			e.metrics.TransitionsDropped.WithLabelValues(source).Inc()
		}
		e.logger.Warn("transition dropped", "source", source, "error", err.Error())
		return permanent.Mark(err)
	}
	if e.metrics != nil {
		e.metrics.TransitionsReceived.WithLabelValues(string(transition.Event), source).Inc()
	}

	e.transitionMu.Lock()
	defer e.transitionMu.Unlock()

	now := e.clock.Now()
	triggers, err := e.resolver.Resolve(ctx, transition, e.Campaigns(), now)
	if err != nil {
		return fmt.Errorf("resolve transition: %w", err)
	}
	enqueued := 0
	for _, trigger := range triggers {
		if err := e.accept(ctx, trigger, transition, now); err != nil {
			if enqueued > 0 {
				e.trigger()
			}
			return err
		}
		enqueued++
	}
	if enqueued > 0 {
		e.trigger()
	}
	return nil
}

// accept persists the delivery record and pending report, then records throttle state.
// Counters move only after the report is queued.
func (e *Engine) accept(ctx context.Context, trigger engine.Trigger, transition domain.TransitionEvent, now time.Time) error {
	campaign, area := trigger.Campaign, trigger.Area
	localID := e.ids()

	var record *domain.DeliveryRecord
	if e.renderer != nil {
		materialized, err := e.renderer.Materialize(localID, campaign, area, transition.Event, transition.OccurredAt)
		if err != nil {
			e.logger.Error("delivery render failed", "campaign_id", campaign.ID, "error", err.Error())
		} else {
			if err := e.store.PutRecord(ctx, materialized); err != nil {
				return fmt.Errorf("store delivery record %s: %w", localID, err)
			}
			record = &materialized
		}
	}

	err := e.reporter.Enqueue(ctx, domain.EventReport{
		LocalID:            localID,
		CampaignID:         campaign.ID,
		SignalingMessageID: campaign.SignalingMessageID,
		Event:              transition.Event,
		Area:               area,
		OccurredAt:         transition.OccurredAt,
		Location:           transition.Location,
	})
	if err != nil {
		if record != nil {
			if delErr := e.store.DeleteRecord(ctx, localID); delErr != nil {
				e.logger.Warn("orphan delivery record kept", "record_id", localID, "error", delErr.Error())
			}
		}
		return err
	}

	passed := trigger.Passed
	if len(passed) == 0 {
		passed = []domain.Area{area}
	}
	for _, hit := range passed {
		if err := e.throttle.Record(ctx, campaign, hit, transition.Event, now); err != nil {
			return fmt.Errorf("campaign %s area %s: %w", campaign.ID, hit.ID, err)
		}
	}

	if record != nil {
		if err := e.sink.Deliver(ctx, *record); err != nil {
			e.logger.Warn("delivery failed", "campaign_id", campaign.ID, "record_id", localID, "error", err.Error())
		}
	}
	if e.metrics != nil {
		e.metrics.TriggersAccepted.WithLabelValues(string(transition.Event)).Inc()
	}
	e.logger.Info("campaign triggered",
		"campaign_id", campaign.ID,
		"area_id", area.ID,
		"event", string(transition.Event),
		"local_id", localID,
	)
	return nil
}

// ApplyReportResult drops queued work of now-inactive campaigns and re-plans.
// Params: report result with merged status sets.
// Returns: none; suspended and finished areas are disarmed by the new plan.
func (e *Engine) ApplyReportResult(result report.Result) {
	ctx := context.Background()
	e.logger.Info("report batch applied",
		"sent", result.Sent,
		"dropped", result.Dropped,
		"remapped", len(result.NewIDs),
		"finished", len(result.Finished),
		"suspended", len(result.Suspended),
	)
	if len(result.Finished) > 0 || len(result.Suspended) > 0 {
		if _, err := e.reporter.DropInactive(ctx); err != nil {
			e.logger.Warn("drop inactive reports failed", "error", err.Error())
		}
	}
	e.replan(ctx)
}

// Snapshot is an operator view of engine state.
type Snapshot struct {
	Campaigns []domain.Campaign
	Plan      domain.MonitoringPlan
	Finished  []string
	Suspended []string
	Pending   []domain.EventReport
}

// Snapshot collects campaigns, plan, status sets, and pending reports.
// Params: context for queue read.
// Returns: snapshot or queue error.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	pending, err := e.reporter.Pending(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list pending reports: %w", err)
	}
	finished, suspended := e.status.Snapshot()
	return Snapshot{
		Campaigns: e.Campaigns(),
		Plan:      e.Plan(),
		Finished:  finished,
		Suspended: suspended,
		Pending:   pending,
	}, nil
}

func (e *Engine) observeCampaigns() {
	if e.metrics == nil {
		return
	}
	e.mu.RLock()
	count := len(e.campaigns)
	e.mu.RUnlock()
	e.metrics.Campaigns.Set(float64(count))
}

// meteredGate counts throttle rejections by verdict.
type meteredGate struct {
	throttle *engine.Throttle
	metrics  *metrics.Metrics
}

func (g meteredGate) ShouldNotify(ctx context.Context, campaign domain.Campaign, area domain.Area, event domain.EventType, now time.Time) (bool, error) {
	verdict, err := g.throttle.Check(ctx, campaign, area, event, now)
	if err != nil {
		return false, err
	}
	if verdict != engine.VerdictAllowed && g.metrics != nil {
		g.metrics.ThrottleRejected.WithLabelValues(string(verdict)).Inc()
	}
	return verdict == engine.VerdictAllowed, nil
}
