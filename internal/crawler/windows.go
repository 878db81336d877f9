package crawler

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange reports a date range whose start falls after its end.
var ErrInvalidRange = errors.New("start date is after end date")

// DefaultWindowDays is the default maximum window span. The API allows 30
// days per query; 28 keeps a safety margin.
const DefaultWindowDays = 28

// Windows splits [start, end] into an ordered sequence of contiguous,
// non-overlapping windows each spanning at most maxSpanDays days, earliest
// first. Both dates are truncated to UTC midnight. Pure and deterministic.
func Windows(start, end time.Time, maxSpanDays int) ([]Window, error) {
	if maxSpanDays < 1 {
		return nil, fmt.Errorf("window span must be at least 1 day, got %d", maxSpanDays)
	}
	start = truncateToDay(start)
	end = truncateToDay(end)
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s",
			ErrInvalidRange, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	var windows []Window
	for s := start; !s.After(end); {
		e := s.AddDate(0, 0, maxSpanDays-1)
		if e.After(end) {
			e = end
		}
		windows = append(windows, Window{Start: s, End: e})
		s = e.AddDate(0, 0, 1)
	}
	return windows, nil
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
