package engine

import (
	"context"
	"fmt"
	"time"

	"geofencing/internal/domain"
)

// Gate is the read-only throttle check used during resolution.
type Gate interface {
	ShouldNotify(ctx context.Context, campaign domain.Campaign, area domain.Area, event domain.EventType, now time.Time) (bool, error)
}

// Trigger is one campaign that should notify for one representative area.
// Passed lists every triggered area that cleared the throttle; Area is the smallest of them.
type Trigger struct {
	Campaign domain.Campaign
	Area     domain.Area
	Passed   []domain.Area
}

// Resolver maps a platform transition onto campaigns that should notify.
// Params: throttle gate and campaign status view.
// Returns: resolver instance without mutable state.
type Resolver struct {
	gate   Gate
	status StatusView
}

// NewResolver creates transition resolver.
// Params: throttle gate and status view (nil treats every campaign as active).
// Returns: resolver.
func NewResolver(gate Gate, status StatusView) *Resolver {
	return &Resolver{gate: gate, status: status}
}

// Resolve throttles every triggered area and collapses survivors to one area per campaign.
// Params: transition, known campaigns in priority order, and current time.
// Returns: triggers in campaign order or throttle store error.
func (r *Resolver) Resolve(ctx context.Context, transition domain.TransitionEvent, campaigns []domain.Campaign, now time.Time) ([]Trigger, error) {
	triggered := transition.Triggered()
	out := make([]Trigger, 0)

	for _, campaign := range campaigns {
		if !campaign.HasStarted(now) {
			continue
		}
		if r.status != nil && !r.status.IsActive(campaign.ID) {
			continue
		}

		var passed []domain.Area
		for _, area := range campaign.ValidAreas() {
			if _, ok := triggered[area.ID]; !ok {
				continue
			}
			allowed, err := r.gate.ShouldNotify(ctx, campaign, area, transition.Event, now)
			if err != nil {
				return nil, fmt.Errorf("campaign %s area %s: %w", campaign.ID, area.ID, err)
			}
			if allowed {
				passed = append(passed, area)
			}
		}
		if len(passed) == 0 {
			continue
		}
		out = append(out, Trigger{Campaign: campaign, Area: smallestArea(passed), Passed: passed})
	}
	return out, nil
}

// smallestArea returns the area with minimal radius, first one on ties.
func smallestArea(areas []domain.Area) domain.Area {
	best := areas[0]
	for _, area := range areas[1:] {
		if area.RadiusMeters < best.RadiusMeters {
			best = area
		}
	}
	return best
}
