package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"geofencing/internal/domain"
	"geofencing/internal/permanent"
)

const earthRadiusMeters = 6371000.0

// DistanceMeters returns great-circle distance between two points.
func DistanceMeters(a, b domain.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

type armedRegion struct {
	region     domain.Region
	inside     bool
	enteredAt  time.Time
	dwellFired bool
}

// LocationMonitor is a software geofence driven by location fixes of one device.
// Params: dwell delay and logger.
// Returns: GeoMonitor that emits entry, exit, and dwell transitions from Observe.
type LocationMonitor struct {
	dwellDelay time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	regions  map[string]*armedRegion
	callback func(domain.TransitionEvent)
	last     *domain.LocationFix
}

// NewLocationMonitor creates software geofence monitor.
// Params: time inside a region before dwell fires (<=0 disables dwell) and logger.
// Returns: monitor with no armed regions.
func NewLocationMonitor(dwellDelay time.Duration, logger *slog.Logger) *LocationMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationMonitor{
		dwellDelay: dwellDelay,
		logger:     logger,
		regions:    make(map[string]*armedRegion),
	}
}

// Arm adds or refreshes regions; inside-state of already armed ids is kept.
// Params: context, regions, and transition callback (nil keeps the previous one).
// Returns: error when a region has invalid geometry.
func (m *LocationMonitor) Arm(_ context.Context, regions []domain.Region, onTransition func(domain.TransitionEvent)) error {
	for _, region := range regions {
		if !region.Area.Valid() {
			return fmt.Errorf("arm region %q: invalid geometry", region.Area.ID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if onTransition != nil {
		m.callback = onTransition
	}
	for _, region := range regions {
		if current, ok := m.regions[region.Area.ID]; ok {
			current.region = region
			continue
		}
		m.regions[region.Area.ID] = &armedRegion{region: region}
	}
	return nil
}

// Disarm removes regions by id; unknown ids are ignored.
func (m *LocationMonitor) Disarm(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.regions, id)
	}
	return nil
}

// Armed returns armed regions sorted by area id.
func (m *LocationMonitor) Armed() []domain.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Region, 0, len(m.regions))
	for _, armed := range m.regions {
		out = append(out, armed.region)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Area.ID < out[j].Area.ID })
	return out
}

// Observe evaluates one location fix against armed regions.
// Params: context and fix; fixes older than the last accepted one are ignored.
// Returns: permanent error for invalid fixes; transitions go to the armed callback.
func (m *LocationMonitor) Observe(_ context.Context, fix domain.LocationFix) error {
	if !fix.Location.Valid() {
		return permanent.Mark(errors.New("location fix is out of range"))
	}
	if fix.At.IsZero() {
		return permanent.Mark(errors.New("location fix time is required"))
	}

	m.mu.Lock()
	if m.last != nil && fix.At.Before(m.last.At) {
		m.mu.Unlock()
		m.logger.Debug("stale location fix ignored", "device_id", fix.DeviceID, "at", fix.At)
		return nil
	}
	accepted := fix
	m.last = &accepted

	var entered, exited, dwelled []string
	for id, armed := range m.regions {
		if armed.region.ExpiresAt != nil && !fix.At.Before(*armed.region.ExpiresAt) {
			delete(m.regions, id)
			continue
		}
		inside := DistanceMeters(armed.region.Area.Center(), fix.Location) <= float64(armed.region.Area.RadiusMeters)
		switch {
		case inside && !armed.inside:
			armed.inside = true
			armed.enteredAt = fix.At
			armed.dwellFired = false
			entered = append(entered, id)
		case !inside && armed.inside:
			armed.inside = false
			exited = append(exited, id)
		case inside && m.dwellDelay > 0 && !armed.dwellFired && fix.At.Sub(armed.enteredAt) >= m.dwellDelay:
			armed.dwellFired = true
			dwelled = append(dwelled, id)
		}
	}
	callback := m.callback
	m.mu.Unlock()

	if callback == nil {
		return nil
	}
	for _, batch := range []struct {
		event domain.EventType
		ids   []string
	}{
		{domain.EventEntry, entered},
		{domain.EventExit, exited},
		{domain.EventDwell, dwelled},
	} {
		if len(batch.ids) == 0 {
			continue
		}
		sort.Strings(batch.ids)
		callback(domain.TransitionEvent{
			Event:      batch.event,
			RegionIDs:  batch.ids,
			Location:   fix.Location,
			OccurredAt: fix.At,
		})
	}
	return nil
}
