package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"geofencing/internal/domain"
	"geofencing/internal/state"
)

// Verdict explains one throttle decision.
type Verdict string

const (
	// VerdictAllowed lets the notification through.
	VerdictAllowed Verdict = "allowed"
	// VerdictNoSetting means campaign has no setting for the event type.
	VerdictNoSetting Verdict = "no_setting"
	// VerdictInactive means campaign is finished or suspended.
	VerdictInactive Verdict = "inactive"
	// VerdictOutsideWindow means current time is outside the delivery window.
	VerdictOutsideWindow Verdict = "outside_window"
	// VerdictLimitReached means notification limit is exhausted.
	VerdictLimitReached Verdict = "limit_reached"
	// VerdictCoolingDown means cooldown since last notification has not passed.
	VerdictCoolingDown Verdict = "cooling_down"
)

// Throttle decides whether a campaign/area/event may notify again.
// Params: durable counters, campaign status, and delivery time zone.
// Returns: read-only checks plus atomic per-key recording.
type Throttle struct {
	counters state.CounterStore
	status   StatusView
	location *time.Location
	locks    keyedMutex
}

// NewThrottle creates notification throttle.
// Params: counter store, status view, and delivery window time zone (nil = UTC).
// Returns: throttle instance.
func NewThrottle(counters state.CounterStore, status StatusView, location *time.Location) *Throttle {
	if location == nil {
		location = time.UTC
	}
	return &Throttle{
		counters: counters,
		status:   status,
		location: location,
		locks:    keyedMutex{locks: make(map[string]*keyLock)},
	}
}

// ShouldNotify reports whether a notification is allowed; it never mutates state.
// Params: campaign, area, event type, and current time.
// Returns: decision or counter store error.
func (t *Throttle) ShouldNotify(ctx context.Context, campaign domain.Campaign, area domain.Area, event domain.EventType, now time.Time) (bool, error) {
	verdict, err := t.Check(ctx, campaign, area, event, now)
	if err != nil {
		return false, err
	}
	return verdict == VerdictAllowed, nil
}

// Check evaluates throttle rules in order and reports the first failing rule.
// Params: campaign, area, event type, and current time.
// Returns: verdict or counter store error.
func (t *Throttle) Check(ctx context.Context, campaign domain.Campaign, area domain.Area, event domain.EventType, now time.Time) (Verdict, error) {
	setting, ok := campaign.SettingFor(event)
	if !ok {
		return VerdictNoSetting, nil
	}
	if t.status != nil && !t.status.IsActive(campaign.ID) {
		return VerdictInactive, nil
	}
	if campaign.DeliveryWindow != nil && !campaign.DeliveryWindow.Allows(now.In(t.location)) {
		return VerdictOutsideWindow, nil
	}

	if setting.Limit > 0 {
		times, err := t.counters.GetInt(ctx, ThrottleCountKey(campaign.SignalingMessageID, area.ID, event))
		if err != nil {
			return "", fmt.Errorf("read notify count: %w", err)
		}
		if times >= setting.Limit {
			return VerdictLimitReached, nil
		}
	}

	if cooldown := setting.Cooldown(); cooldown > 0 {
		last, seen, err := t.counters.GetTimestamp(ctx, ThrottleLastKey(campaign.SignalingMessageID, area.ID, event))
		if err != nil {
			return "", fmt.Errorf("read last notify time: %w", err)
		}
		if seen && now.Sub(last) < cooldown {
			return VerdictCoolingDown, nil
		}
	}
	return VerdictAllowed, nil
}

// Record increments times-notified and stores last-notified time as one step.
// Params: campaign, area, event type, and notification time.
// Returns: counter store error.
func (t *Throttle) Record(ctx context.Context, campaign domain.Campaign, area domain.Area, event domain.EventType, now time.Time) error {
	countKey := ThrottleCountKey(campaign.SignalingMessageID, area.ID, event)
	unlock := t.locks.lock(countKey)
	defer unlock()

	times, err := t.counters.GetInt(ctx, countKey)
	if err != nil {
		return fmt.Errorf("read notify count: %w", err)
	}
	if err := t.counters.SetInt(ctx, countKey, times+1); err != nil {
		return fmt.Errorf("write notify count: %w", err)
	}
	if err := t.counters.SetTimestamp(ctx, ThrottleLastKey(campaign.SignalingMessageID, area.ID, event), now); err != nil {
		return fmt.Errorf("write last notify time: %w", err)
	}
	return nil
}

// Clear removes every counter of one signaling message.
// Params: signaling message id.
// Returns: counter store error.
func (t *Throttle) Clear(ctx context.Context, signalingMessageID string) error {
	if err := t.counters.DeletePrefix(ctx, ThrottlePrefix(signalingMessageID)); err != nil {
		return fmt.Errorf("clear throttle counters: %w", err)
	}
	return nil
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
