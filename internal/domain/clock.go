package domain

import "time"

// Clock returns the current wall-clock time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// Elapsed returns the whole seconds between start and now, never negative.
func Elapsed(start, now time.Time) int64 {
	d := now.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
