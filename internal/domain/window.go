package domain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DeliveryWindow limits when notifications for a campaign may be shown.
// Params: ISO8601 weekdays (1=Monday..7=Sunday) and optional intraday interval.
// Returns: predicate over local wall-clock time.
type DeliveryWindow struct {
	Days        []int         `json:"days,omitempty"`
	HasInterval bool          `json:"has_interval,omitempty"`
	Start       time.Duration `json:"start,omitempty"`
	End         time.Duration `json:"end,omitempty"`
}

// ParseDeliveryWindow parses wire day list and interval.
// Params: days as "1,2,7" and interval as "HHMM/HHMM"; both optional.
// Returns: window or parse error.
func ParseDeliveryWindow(days, interval string) (DeliveryWindow, error) {
	var window DeliveryWindow
	if trimmed := strings.TrimSpace(days); trimmed != "" {
		seen := make(map[int]struct{}, 7)
		for _, part := range strings.Split(trimmed, ",") {
			day, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return DeliveryWindow{}, fmt.Errorf("days: %w", err)
			}
			if day < 1 || day > 7 {
				return DeliveryWindow{}, fmt.Errorf("days: %d is not an ISO weekday", day)
			}
			if _, dup := seen[day]; dup {
				continue
			}
			seen[day] = struct{}{}
			window.Days = append(window.Days, day)
		}
		sort.Ints(window.Days)
	}
	if trimmed := strings.TrimSpace(interval); trimmed != "" {
		parts := strings.Split(trimmed, "/")
		if len(parts) != 2 {
			return DeliveryWindow{}, fmt.Errorf("time interval %q must be HHMM/HHMM", interval)
		}
		start, err := parseTimeOfDay(parts[0])
		if err != nil {
			return DeliveryWindow{}, fmt.Errorf("time interval start: %w", err)
		}
		end, err := parseTimeOfDay(parts[1])
		if err != nil {
			return DeliveryWindow{}, fmt.Errorf("time interval end: %w", err)
		}
		window.HasInterval = true
		window.Start = start
		window.End = end
	}
	return window, nil
}

// parseTimeOfDay converts "HHMM" into offset from midnight.
func parseTimeOfDay(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 4 {
		return 0, fmt.Errorf("%q must be HHMM", raw)
	}
	hours, err := strconv.Atoi(raw[:2])
	if err != nil {
		return 0, fmt.Errorf("%q: %w", raw, err)
	}
	minutes, err := strconv.Atoi(raw[2:])
	if err != nil {
		return 0, fmt.Errorf("%q: %w", raw, err)
	}
	if hours > 23 || minutes > 59 || hours < 0 || minutes < 0 {
		return 0, errors.New(raw + " is out of range")
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}

// Allows reports whether local time falls into window.
// Params: instant already converted to the delivery time zone.
// Returns: true when weekday matches and time-of-day is strictly inside interval.
func (w DeliveryWindow) Allows(at time.Time) bool {
	if len(w.Days) > 0 && !w.allowsDay(ISOWeekday(at)) {
		return false
	}
	if !w.HasInterval {
		return true
	}
	sinceMidnight := timeOfDay(at)
	switch {
	case w.Start < w.End:
		return w.Start < sinceMidnight && sinceMidnight < w.End
	case w.Start > w.End:
		// interval wraps midnight
		return sinceMidnight > w.Start || sinceMidnight < w.End
	default:
		return false
	}
}

func (w DeliveryWindow) allowsDay(day int) bool {
	for _, allowed := range w.Days {
		if allowed == day {
			return true
		}
	}
	return false
}

// ISOWeekday maps Go weekday to ISO8601 numbering (1=Monday..7=Sunday).
func ISOWeekday(at time.Time) int {
	day := int(at.Weekday())
	if day == 0 {
		return 7
	}
	return day
}

func timeOfDay(at time.Time) time.Duration {
	hour, minute, second := at.Clock()
	return time.Duration(hour)*time.Hour +
		time.Duration(minute)*time.Minute +
		time.Duration(second)*time.Second +
		time.Duration(at.Nanosecond())
}
