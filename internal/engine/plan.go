package engine

import (
	"sort"
	"time"

	"geofencing/internal/domain"
)

// StatusView answers whether a campaign is still active on the server.
type StatusView interface {
	IsActive(campaignID string) bool
}

// Plan computes regions to arm and next wake instants.
// Params: known campaigns, campaign status, and current time.
// Returns: deterministic plan with regions sorted by area id.
func Plan(campaigns []domain.Campaign, status StatusView, now time.Time) domain.MonitoringPlan {
	var plan domain.MonitoringPlan
	regions := make(map[string]domain.Region)

	for _, campaign := range campaigns {
		if campaign.IsExpired(now) {
			continue
		}
		if status != nil && !status.IsActive(campaign.ID) {
			continue
		}
		if !campaign.HasStarted(now) {
			plan.NextWindowOpenAt = earliest(plan.NextWindowOpenAt, campaign.StartTime)
			continue
		}

		for _, area := range campaign.ValidAreas() {
			current, seen := regions[area.ID]
			if !seen {
				regions[area.ID] = domain.Region{Area: area, ExpiresAt: campaign.ExpiryTime}
				continue
			}
			current.ExpiresAt = latestExpiry(current.ExpiresAt, campaign.ExpiryTime)
			regions[area.ID] = current
		}
		if campaign.ExpiryTime != nil && !campaign.ExpiryTime.Before(now) {
			plan.NextWindowCloseAt = earliest(plan.NextWindowCloseAt, campaign.ExpiryTime)
		}
	}

	if len(regions) == 0 {
		return plan
	}
	plan.Regions = make([]domain.Region, 0, len(regions))
	for _, region := range regions {
		plan.Regions = append(plan.Regions, region)
	}
	sort.Slice(plan.Regions, func(i, j int) bool {
		return plan.Regions[i].Area.ID < plan.Regions[j].Area.ID
	})
	return plan
}

// earliest returns the smaller of two optional instants.
func earliest(current, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.Before(*current) {
		at := *candidate
		return &at
	}
	return current
}

// latestExpiry keeps the later expiry where nil means never.
func latestExpiry(current, candidate *time.Time) *time.Time {
	if current == nil || candidate == nil {
		return nil
	}
	if candidate.After(*current) {
		at := *candidate
		return &at
	}
	return current
}
