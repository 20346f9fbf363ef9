// Package engine replays the durable write queue against the remote store.
//
// A drain pass reads every Pending and retryable Failed operation in
// sequence order and partitions them into lanes, one per entity. Lanes run
// concurrently up to a fan-out limit. Within a lane operations are strictly
// serialized: an operation is dispatched only after its predecessor reached
// a terminal outcome, and a lane stops at its first failure so later
// operations keep their preconditions.
//
// Outcome handling:
//   - success resolves the operation and reconciles the local cache,
//     replacing temporary identifiers for creates
//   - a conflict goes to the conflict.Resolver, whose verdict rebases and
//     retries the operation, discards it, or escalates it to the user
//   - a transient failure leaves the operation Failed with a backoff
//   - a fatal failure leaves it Failed until the user discards or retries it
//
// Only one pass runs at a time. Triggers that arrive during a pass are
// coalesced; the running pass re-reads the queue until nothing eligible
// remains, connectivity is lost, or the pass deadline expires. Calls already
// dispatched when the pass stops are allowed to finish and their outcomes
// are applied.
package engine
