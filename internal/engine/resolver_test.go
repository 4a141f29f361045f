package engine

import (
	"context"
	"testing"
	"time"

	"geofencing/internal/domain"
	"geofencing/internal/state"
)

func entryAt(now time.Time, regionIDs ...string) domain.TransitionEvent {
	return domain.TransitionEvent{
		Event:      domain.EventEntry,
		RegionIDs:  regionIDs,
		Location:   domain.Location{Lat: 45, Lon: 15},
		OccurredAt: now,
	}
}

func TestResolveCollapsesOverlapToSmallestRadius(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	campaign := domain.Campaign{
		ID:                 "c1",
		SignalingMessageID: "m1",
		Areas: []domain.Area{
			domain.NewArea("big", "", 45, 15, 700),
			domain.NewArea("small", "", 45, 15, 250),
			domain.NewArea("huge", "", 45, 15, 1000),
		},
	}
	resolver := NewResolver(NewThrottle(state.NewMemoryStore(), nil, time.UTC), nil)

	triggers, err := resolver.Resolve(context.Background(), entryAt(now, "big", "small", "huge"), []domain.Campaign{campaign}, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(triggers) != 1 || triggers[0].Area.ID != "small" {
		t.Fatalf("expected only small area, got %+v", triggers)
	}
}

func TestResolveTieKeepsFirstArea(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	campaign := domain.Campaign{
		ID:                 "c1",
		SignalingMessageID: "m1",
		Areas:              []domain.Area{domain.NewArea("first", "", 1, 1, 100), domain.NewArea("second", "", 1, 1, 100)},
	}
	resolver := NewResolver(NewThrottle(state.NewMemoryStore(), nil, time.UTC), nil)
	triggers, err := resolver.Resolve(context.Background(), entryAt(now, "second", "first"), []domain.Campaign{campaign}, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(triggers) != 1 || triggers[0].Area.ID != "first" {
		t.Fatalf("expected first area on tie, got %+v", triggers)
	}
}

func TestResolveSkipsNotStartedInactiveAndUntriggered(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	campaigns := []domain.Campaign{
		{ID: "later", SignalingMessageID: "m1", StartTime: &future, Areas: []domain.Area{domain.NewArea("a1", "", 1, 1, 10)}},
		{ID: "done", SignalingMessageID: "m2", Areas: []domain.Area{domain.NewArea("a1", "", 1, 1, 10)}},
		{ID: "other", SignalingMessageID: "m3", Areas: []domain.Area{domain.NewArea("zz", "", 1, 1, 10)}},
		{ID: "live", SignalingMessageID: "m4", Areas: []domain.Area{domain.NewArea("a1", "", 1, 1, 10)}},
	}
	status := staticStatus{"done": true}
	resolver := NewResolver(NewThrottle(state.NewMemoryStore(), status, time.UTC), status)

	triggers, err := resolver.Resolve(context.Background(), entryAt(now, "a1"), campaigns, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(triggers) != 1 || triggers[0].Campaign.ID != "live" {
		t.Fatalf("expected only live campaign, got %+v", triggers)
	}
}

func TestResolveCollapsesOnlyAreasThatPassThrottle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	campaign := domain.Campaign{
		ID:                 "c1",
		SignalingMessageID: "m1",
		Areas:              []domain.Area{domain.NewArea("big", "", 1, 1, 700), domain.NewArea("small", "", 1, 1, 250)},
	}
	throttle := NewThrottle(state.NewMemoryStore(), nil, time.UTC)
	resolver := NewResolver(throttle, nil)

	triggers, err := resolver.Resolve(ctx, entryAt(now, "big", "small"), []domain.Campaign{campaign}, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(triggers) != 1 || triggers[0].Area.ID != "small" || len(triggers[0].Passed) != 2 {
		t.Fatalf("expected small with both areas passed, got %+v", triggers)
	}

	if err := throttle.Record(ctx, campaign, campaign.Areas[1], domain.EventEntry, now); err != nil {
		t.Fatalf("record: %v", err)
	}
	if allowed, _ := throttle.ShouldNotify(ctx, campaign, campaign.Areas[1], domain.EventEntry, now); allowed {
		t.Fatalf("small must be throttled after record")
	}
	triggers, err = resolver.Resolve(ctx, entryAt(now, "big", "small"), []domain.Campaign{campaign}, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(triggers) != 1 || triggers[0].Area.ID != "big" || len(triggers[0].Passed) != 1 {
		t.Fatalf("throttled small area must not be reported, got %+v", triggers)
	}

	if err := throttle.Record(ctx, campaign, campaign.Areas[0], domain.EventEntry, now); err != nil {
		t.Fatalf("record: %v", err)
	}
	triggers, err = resolver.Resolve(ctx, entryAt(now, "big", "small"), []domain.Campaign{campaign}, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(triggers) != 0 {
		t.Fatalf("expected no triggers once every area is throttled, got %+v", triggers)
	}
}

func TestResolveKeepsCampaignOrder(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	campaigns := []domain.Campaign{
		{ID: "z", SignalingMessageID: "m1", Areas: []domain.Area{domain.NewArea("a1", "", 1, 1, 10)}},
		{ID: "a", SignalingMessageID: "m2", Areas: []domain.Area{domain.NewArea("a1", "", 1, 1, 10)}},
	}
	resolver := NewResolver(NewThrottle(state.NewMemoryStore(), nil, time.UTC), nil)
	triggers, err := resolver.Resolve(context.Background(), entryAt(now, "a1"), campaigns, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(triggers) != 2 || triggers[0].Campaign.ID != "z" || triggers[1].Campaign.ID != "a" {
		t.Fatalf("unexpected order %+v", triggers)
	}
}
