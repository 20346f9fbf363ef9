// Package conflict decides what happens to a queued operation that the
// remote store rejected because its base no longer matches.
//
// The default merge policy diffs top-level fields:
//   - local changes are fields that differ between the operation's base
//     snapshot and its payload
//   - remote changes are fields that differ between the base snapshot and
//     the current remote state
//
// Disjoint changes are merged onto the remote version and retried. A field
// changed on both sides to different values is an overlap and needs the
// user. Nested objects and arrays are compared as whole values, so two edits
// to different elements of the same list still count as an overlap.
package conflict
