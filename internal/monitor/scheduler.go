package monitor

import (
	"sync"
	"time"
)

// TimerScheduler keeps at most one pending wake callback.
type TimerScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
	at    time.Time
}

// NewTimerScheduler creates idle scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{}
}

// ScheduleOnce replaces any pending callback with fn at the given instant.
// Params: wake instant (past instants fire immediately) and callback.
// Returns: nothing; callback runs on its own goroutine.
func (s *TimerScheduler) ScheduleOnce(at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.at = at
	s.timer = time.AfterFunc(delay, fn)
}

// Next returns the last scheduled wake instant.
func (s *TimerScheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	return s.at, true
}

// Stop cancels pending callback.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
