// Package monitor adapts geofence sources to the engine's transition callback.
package monitor

import (
	"context"
	"time"

	"geofencing/internal/domain"
)

// GeoMonitor arms circular regions and reports boundary transitions.
// Params: regions to add or refresh, callback for transitions, and ids to remove.
// Returns: arming errors; armed regions auto-disarm at ExpiresAt.
type GeoMonitor interface {
	Arm(ctx context.Context, regions []domain.Region, onTransition func(domain.TransitionEvent)) error
	Disarm(ctx context.Context, ids []string) error
}

// WakeScheduler runs one deferred callback, replacing any previous one.
type WakeScheduler interface {
	ScheduleOnce(at time.Time, fn func())
}
