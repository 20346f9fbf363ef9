package engine

import "time"

// Clock supplies wall-clock time for attempt timestamps, backoff deadlines
// and the pass deadline.
//
// Ordering never depends on it: queue order comes from the store's sequence
// numbers. Tests inject a manual clock to make backoff deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
