// Package intercept is the write path used by the application.
//
// Submit validates a mutation, then either sends it straight to the remote
// store (online, nothing queued ahead of it) or appends it to the durable
// queue together with an optimistic cache write. A submit never loses a
// write: it succeeds, it is queued, or it fails with a validation error.
package intercept
