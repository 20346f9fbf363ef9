// Package store provides SQLite-backed durable storage for the offline write
// queue, the local entity cache and sync bookkeeping.
//
// The queue is the only source of truth for undelivered work:
//   - Operations: queued mutations, ordered by seq
//   - Entities: the offline-readable cache with a sync_status tag
//   - Sync meta: last sync time and the pull cursor
//
// # Ordering
//
//   - seq is an AUTOINCREMENT key assigned inside the insert transaction, so
//     a crash can never leave a persisted operation without its seq or reuse one
//   - every queue listing is ORDER BY seq ASC; timestamps are never used to order
//
// # Consistency
//
// Every mutation that touches both the queue and the cache runs in a single
// transaction. An entity tagged pending_local_change always has at least one
// unresolved operation; when the last one resolves the entity reverts to
// synced, or is removed for a resolved delete.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
