// Package connectivity tracks network reachability and publishes debounced
// online/offline transitions.
//
// The Monitor starts Offline. Raw observations (from a Prober or from a
// platform network-state signal) only change the state once the same value
// has been seen a configured number of times in a row, so a flapping link
// produces at most one transition per stable period.
//
// Events are delivered to each subscriber in transition order over a
// buffered channel. A subscriber that falls behind loses its oldest
// undelivered events, never the most recent one, so the last event it reads
// always matches the current state.
//
// A probe error is an offline observation. The monitor never fails
// terminally.
package connectivity
