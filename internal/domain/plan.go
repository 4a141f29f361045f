package domain

import "time"

// Region is one area to arm with optional auto-disarm time.
// Params: area and expiry; nil ExpiresAt means never expires.
// Returns: monitor input row.
type Region struct {
	Area      Area       `json:"area"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// MonitoringPlan is the output of one planning pass.
// Params: regions to arm and the next wake instants.
// Returns: plan consumed by the monitor and wake scheduler.
type MonitoringPlan struct {
	Regions           []Region   `json:"regions"`
	NextWindowOpenAt  *time.Time `json:"next_window_open_at,omitempty"`
	NextWindowCloseAt *time.Time `json:"next_window_close_at,omitempty"`
}

// RegionIDs returns region ids in plan order.
func (p MonitoringPlan) RegionIDs() []string {
	out := make([]string, 0, len(p.Regions))
	for _, region := range p.Regions {
		out = append(out, region.Area.ID)
	}
	return out
}

// NextWake returns the earliest of open and close wake instants.
// Params: none.
// Returns: wake time and true when any wake instant is set.
func (p MonitoringPlan) NextWake() (time.Time, bool) {
	switch {
	case p.NextWindowOpenAt == nil && p.NextWindowCloseAt == nil:
		return time.Time{}, false
	case p.NextWindowOpenAt == nil:
		return *p.NextWindowCloseAt, true
	case p.NextWindowCloseAt == nil:
		return *p.NextWindowOpenAt, true
	case p.NextWindowOpenAt.Before(*p.NextWindowCloseAt):
		return *p.NextWindowOpenAt, true
	default:
		return *p.NextWindowCloseAt, true
	}
}
