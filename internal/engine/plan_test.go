package engine

import (
	"testing"
	"time"

	"geofencing/internal/domain"
)

type staticStatus map[string]bool

func (s staticStatus) IsActive(campaignID string) bool {
	inactive := s[campaignID]
	return !inactive
}

func TestPlanWaitsForStartThenArms(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(15 * time.Minute)
	expiry := now.Add(30 * time.Minute)
	campaign := domain.Campaign{
		ID:                 "c1",
		SignalingMessageID: "m1",
		StartTime:          &start,
		ExpiryTime:         &expiry,
		Areas:              []domain.Area{domain.NewArea("a1", "", 45, 15, 100)},
	}

	before := Plan([]domain.Campaign{campaign}, nil, now)
	if len(before.Regions) != 0 {
		t.Fatalf("expected nothing armed before start, got %+v", before.Regions)
	}
	if before.NextWindowOpenAt == nil || !before.NextWindowOpenAt.Equal(start) {
		t.Fatalf("expected open at %v, got %v", start, before.NextWindowOpenAt)
	}
	if before.NextWindowCloseAt != nil {
		t.Fatalf("expected no close date before start, got %v", before.NextWindowCloseAt)
	}

	after := Plan([]domain.Campaign{campaign}, nil, start.Add(time.Second))
	if len(after.Regions) != 1 || after.Regions[0].Area.ID != "a1" {
		t.Fatalf("expected a1 armed after start, got %+v", after.Regions)
	}
	if after.NextWindowCloseAt == nil || !after.NextWindowCloseAt.Equal(expiry) {
		t.Fatalf("expected close at %v, got %v", expiry, after.NextWindowCloseAt)
	}
	if after.Regions[0].ExpiresAt == nil || !after.Regions[0].ExpiresAt.Equal(expiry) {
		t.Fatalf("region must expire with campaign, got %v", after.Regions[0].ExpiresAt)
	}
}

func TestPlanExcludesFinishedAndSuspended(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	campaigns := []domain.Campaign{
		{ID: "finished", Areas: []domain.Area{domain.NewArea("a1", "", 1, 1, 10)}},
		{ID: "suspended", Areas: []domain.Area{domain.NewArea("a2", "", 1, 1, 10)}},
		{ID: "live", Areas: []domain.Area{domain.NewArea("a3", "", 1, 1, 10)}},
	}
	plan := Plan(campaigns, staticStatus{"finished": true, "suspended": true}, now)
	if len(plan.Regions) != 1 || plan.Regions[0].Area.ID != "a3" {
		t.Fatalf("expected only a3, got %+v", plan.Regions)
	}
}

func TestPlanDeduplicatesAreasKeepingLaterExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	soon := now.Add(time.Hour)
	later := now.Add(2 * time.Hour)
	shared := domain.NewArea("shared", "", 1, 1, 10)
	campaigns := []domain.Campaign{
		{ID: "c1", ExpiryTime: &soon, Areas: []domain.Area{shared, domain.NewArea("b", "", 1, 1, 10)}},
		{ID: "c2", ExpiryTime: &later, Areas: []domain.Area{shared}},
		{ID: "c3", Areas: []domain.Area{domain.NewArea("b", "", 1, 1, 10)}},
	}
	plan := Plan(campaigns, nil, now)
	if len(plan.Regions) != 2 {
		t.Fatalf("expected 2 unique regions, got %+v", plan.Regions)
	}
	if plan.Regions[0].Area.ID != "b" || plan.Regions[0].ExpiresAt != nil {
		t.Fatalf("region b must never expire, got %+v", plan.Regions[0])
	}
	if plan.Regions[1].ExpiresAt == nil || !plan.Regions[1].ExpiresAt.Equal(later) {
		t.Fatalf("shared region must keep later expiry, got %+v", plan.Regions[1])
	}
	if plan.NextWindowCloseAt == nil || !plan.NextWindowCloseAt.Equal(soon) {
		t.Fatalf("close date must be earliest expiry, got %v", plan.NextWindowCloseAt)
	}
}

func TestPlanSkipsExpiredAndInvalidAreas(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	campaigns := []domain.Campaign{
		{ID: "old", ExpiryTime: &past, Areas: []domain.Area{domain.NewArea("a1", "", 1, 1, 10)}},
		{ID: "broken", Areas: []domain.Area{{ID: "a2", Lat: 1, Lon: 1}}},
	}
	plan := Plan(campaigns, nil, now)
	if len(plan.Regions) != 0 || plan.NextWindowOpenAt != nil || plan.NextWindowCloseAt != nil {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestPlanSchedulesCloseForCampaignExpiringNow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	expiry := now
	campaigns := []domain.Campaign{
		{ID: "edge", ExpiryTime: &expiry, Areas: []domain.Area{domain.NewArea("a1", "", 1, 1, 10)}},
	}
	plan := Plan(campaigns, nil, now)
	if len(plan.Regions) != 1 {
		t.Fatalf("campaign expiring now is still armed, got %+v", plan.Regions)
	}
	if plan.NextWindowCloseAt == nil || !plan.NextWindowCloseAt.Equal(now) {
		t.Fatalf("armed region needs a close wake at its expiry, got %v", plan.NextWindowCloseAt)
	}

	plan = Plan(campaigns, nil, now.Add(time.Nanosecond))
	if len(plan.Regions) != 0 || plan.NextWindowCloseAt != nil {
		t.Fatalf("expired campaign must be dropped after its expiry, got %+v", plan)
	}
}
