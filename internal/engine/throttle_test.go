package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geofencing/internal/domain"
	"geofencing/internal/state"
)

func throttleCampaign(settings ...domain.EventSetting) domain.Campaign {
	return domain.Campaign{
		ID:                 "c1",
		SignalingMessageID: "m1",
		Areas:              []domain.Area{domain.NewArea("a1", "Mall", 45, 15, 100)},
		EventSettings:      settings,
	}
}

func TestShouldNotifyIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	throttle := NewThrottle(state.NewMemoryStore(), nil, time.UTC)
	campaign := throttleCampaign()
	area := campaign.Areas[0]

	for i := 0; i < 5; i++ {
		allowed, err := throttle.ShouldNotify(ctx, campaign, area, domain.EventEntry, now)
		if err != nil {
			t.Fatalf("should notify: %v", err)
		}
		if !allowed {
			t.Fatalf("call %d: repeated read-only checks must keep allowing", i)
		}
	}
}

func TestRecurrenceLimitOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	throttle := NewThrottle(state.NewMemoryStore(), nil, time.UTC)
	campaign := throttleCampaign(domain.EventSetting{Event: domain.EventEntry, Limit: 1})
	area := campaign.Areas[0]

	if allowed, _ := throttle.ShouldNotify(ctx, campaign, area, domain.EventEntry, now); !allowed {
		t.Fatalf("first entry must be allowed")
	}
	if err := throttle.Record(ctx, campaign, area, domain.EventEntry, now); err != nil {
		t.Fatalf("record: %v", err)
	}
	verdict, err := throttle.Check(ctx, campaign, area, domain.EventEntry, now)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict != VerdictLimitReached {
		t.Fatalf("second entry must be throttled, got %s", verdict)
	}
}

func TestUnlimitedWithCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	throttle := NewThrottle(state.NewMemoryStore(), nil, time.UTC)
	campaign := throttleCampaign(domain.EventSetting{Event: domain.EventExit, Limit: 0, TimeoutMinutes: 10})
	area := campaign.Areas[0]

	for i := 0; i < 3; i++ {
		if err := throttle.Record(ctx, campaign, area, domain.EventExit, now); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if verdict, _ := throttle.Check(ctx, campaign, area, domain.EventExit, now.Add(9*time.Minute)); verdict != VerdictCoolingDown {
		t.Fatalf("expected cooldown, got %s", verdict)
	}
	if verdict, _ := throttle.Check(ctx, campaign, area, domain.EventExit, now.Add(10*time.Minute)); verdict != VerdictAllowed {
		t.Fatalf("limit 0 must be unlimited once cooldown passed, got %s", verdict)
	}
}

func TestCheckRejectsMissingSettingInactiveAndWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tuesdayNoon := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	campaign := throttleCampaign()
	area := campaign.Areas[0]

	throttle := NewThrottle(state.NewMemoryStore(), nil, time.UTC)
	if verdict, _ := throttle.Check(ctx, campaign, area, domain.EventDwell, tuesdayNoon); verdict != VerdictNoSetting {
		t.Fatalf("expected no setting for dwell, got %s", verdict)
	}

	inactive := NewThrottle(state.NewMemoryStore(), staticStatus{"c1": true}, time.UTC)
	if verdict, _ := inactive.Check(ctx, campaign, area, domain.EventEntry, tuesdayNoon); verdict != VerdictInactive {
		t.Fatalf("expected inactive, got %s", verdict)
	}

	window, err := domain.ParseDeliveryWindow("1", "0900/1700")
	if err != nil {
		t.Fatalf("parse window: %v", err)
	}
	campaign.DeliveryWindow = &window
	if verdict, _ := throttle.Check(ctx, campaign, area, domain.EventEntry, tuesdayNoon); verdict != VerdictOutsideWindow {
		t.Fatalf("expected outside window on tuesday, got %s", verdict)
	}
	monday := tuesdayNoon.AddDate(0, 0, -1)
	if verdict, _ := throttle.Check(ctx, campaign, area, domain.EventEntry, monday); verdict != VerdictAllowed {
		t.Fatalf("expected allowed on monday noon, got %s", verdict)
	}
}

func TestDeliveryWindowUsesConfiguredZone(t *testing.T) {
	t.Parallel()

	zone := time.FixedZone("UTC+3", 3*60*60)
	window, err := domain.ParseDeliveryWindow("", "1400/1600")
	if err != nil {
		t.Fatalf("parse window: %v", err)
	}
	campaign := throttleCampaign()
	campaign.DeliveryWindow = &window

	noonUTC := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	throttle := NewThrottle(state.NewMemoryStore(), nil, zone)
	if verdict, _ := throttle.Check(context.Background(), campaign, campaign.Areas[0], domain.EventEntry, noonUTC); verdict != VerdictAllowed {
		t.Fatalf("12:00 UTC is 15:00 local and must be allowed, got %s", verdict)
	}
}

func TestClearResetsOnlyOneMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemoryStore()
	throttle := NewThrottle(store, nil, time.UTC)
	first := throttleCampaign()
	second := throttleCampaign()
	second.SignalingMessageID = "m2"
	area := first.Areas[0]

	for _, campaign := range []domain.Campaign{first, second} {
		if err := throttle.Record(ctx, campaign, area, domain.EventEntry, now); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := throttle.Clear(ctx, "m1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if allowed, _ := throttle.ShouldNotify(ctx, first, area, domain.EventEntry, now); !allowed {
		t.Fatalf("cleared message must notify again")
	}
	if allowed, _ := throttle.ShouldNotify(ctx, second, area, domain.EventEntry, now); allowed {
		t.Fatalf("other message must stay throttled")
	}
}

func TestRecordIsAtomicPerKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := state.NewMemoryStore()
	throttle := NewThrottle(store, nil, time.UTC)
	campaign := throttleCampaign()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := throttle.Record(ctx, campaign, campaign.Areas[0], domain.EventEntry, now); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	times, err := store.GetInt(ctx, ThrottleCountKey("m1", "a1", domain.EventEntry))
	if err != nil {
		t.Fatalf("get int: %v", err)
	}
	if times != 50 {
		t.Fatalf("expected 50 increments, got %d", times)
	}
	if len(throttle.locks.locks) != 0 {
		t.Fatalf("per-key locks must be released, got %d", len(throttle.locks.locks))
	}
}

type brokenCounters struct {
	state.CounterStore
}

func (brokenCounters) GetInt(context.Context, string) (int, error) {
	return 0, errors.New("backend down")
}

func TestCheckSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	throttle := NewThrottle(brokenCounters{}, nil, time.UTC)
	campaign := throttleCampaign()
	if _, err := throttle.ShouldNotify(context.Background(), campaign, campaign.Areas[0], domain.EventEntry, time.Now()); err == nil {
		t.Fatalf("expected store error")
	}
}
