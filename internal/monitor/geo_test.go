package monitor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"geofencing/internal/domain"
	"geofencing/internal/permanent"
)

type transitionRecorder struct {
	mu     sync.Mutex
	events []domain.TransitionEvent
}

func (r *transitionRecorder) record(event domain.TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *transitionRecorder) all() []domain.TransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TransitionEvent(nil), r.events...)
}

func fixAt(lat, lon float64, at time.Time) domain.LocationFix {
	return domain.LocationFix{DeviceID: "d1", Location: domain.Location{Lat: lat, Lon: lon}, At: at}
}

func TestDistanceMeters(t *testing.T) {
	t.Parallel()

	// one degree of latitude is about 111.2 km
	got := DistanceMeters(domain.Location{Lat: 45, Lon: 15}, domain.Location{Lat: 46, Lon: 15})
	if math.Abs(got-111195) > 50 {
		t.Fatalf("unexpected distance %.1f", got)
	}
	if DistanceMeters(domain.Location{Lat: 1, Lon: 1}, domain.Location{Lat: 1, Lon: 1}) != 0 {
		t.Fatalf("same point must be zero")
	}
}

func TestLocationMonitorEmitsEntryDwellExit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recorder := &transitionRecorder{}
	monitor := NewLocationMonitor(5*time.Minute, nil)
	if err := monitor.Arm(ctx, []domain.Region{
		{Area: domain.NewArea("big", "", 45.0, 15.0, 700)},
		{Area: domain.NewArea("small", "", 45.0, 15.0, 250)},
	}, recorder.record); err != nil {
		t.Fatalf("arm: %v", err)
	}

	// far away, inside both, dwell on both, ~556m out (leaves small), leaves big, no change
	steps := []domain.LocationFix{
		fixAt(45.1, 15.0, start),
		fixAt(45.0, 15.0, start.Add(time.Minute)),
		fixAt(45.0, 15.0, start.Add(7*time.Minute)),
		fixAt(45.005, 15.0, start.Add(8*time.Minute)),
		fixAt(45.1, 15.0, start.Add(9*time.Minute)),
		fixAt(45.1, 15.0, start.Add(10*time.Minute)),
	}
	for _, fix := range steps {
		if err := monitor.Observe(ctx, fix); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}

	events := recorder.all()
	want := []struct {
		event domain.EventType
		ids   string
	}{
		{domain.EventEntry, "big,small"},
		{domain.EventDwell, "big,small"},
		{domain.EventExit, "small"},
		{domain.EventExit, "big"},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, w := range want {
		if events[i].Event != w.event || joinIDs(events[i].RegionIDs) != w.ids {
			t.Fatalf("event %d: expected %s %s, got %+v", i, w.event, w.ids, events[i])
		}
	}
}

func TestLocationMonitorHonoursExpiryAndDisarm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	expires := start.Add(time.Hour)
	recorder := &transitionRecorder{}
	monitor := NewLocationMonitor(0, nil)
	if err := monitor.Arm(ctx, []domain.Region{
		{Area: domain.NewArea("temp", "", 45, 15, 300), ExpiresAt: &expires},
		{Area: domain.NewArea("gone", "", 45, 15, 300)},
	}, recorder.record); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := monitor.Disarm(ctx, []string{"gone"}); err != nil {
		t.Fatalf("disarm: %v", err)
	}

	if err := monitor.Observe(ctx, fixAt(45, 15, start.Add(2*time.Hour))); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(recorder.all()) != 0 {
		t.Fatalf("expired and disarmed regions must not fire, got %+v", recorder.all())
	}
	if len(monitor.Armed()) != 0 {
		t.Fatalf("expired region must be removed, got %+v", monitor.Armed())
	}
}

func TestLocationMonitorRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	monitor := NewLocationMonitor(0, nil)
	if err := monitor.Arm(ctx, []domain.Region{{Area: domain.NewArea("bad", "", 45, 15, 0)}}, nil); err == nil {
		t.Fatalf("expected invalid geometry error")
	}
	err := monitor.Observe(ctx, fixAt(95, 15, time.Now()))
	if !permanent.Is(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestLocationMonitorIgnoresStaleFix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recorder := &transitionRecorder{}
	monitor := NewLocationMonitor(0, nil)
	if err := monitor.Arm(ctx, []domain.Region{{Area: domain.NewArea("a", "", 45, 15, 300)}}, recorder.record); err != nil {
		t.Fatalf("arm: %v", err)
	}
	_ = monitor.Observe(ctx, fixAt(45.1, 15, start))
	_ = monitor.Observe(ctx, fixAt(45, 15, start.Add(-time.Minute)))
	if len(recorder.all()) != 0 {
		t.Fatalf("stale fix must be ignored, got %+v", recorder.all())
	}
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
