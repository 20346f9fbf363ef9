// Package harness runs conformance scenarios against the write interceptor
// and sync engine.
//
// A scenario seeds an in-memory remote and the local cache, then drives
// connectivity, writes, remote edits and drains step by step. Each run gets
// a fresh SQLite queue in a temporary directory, a manual clock and
// sequential IDs, so the same scenario always produces the same trace.
//
// # Scenario Format
//
//	name: offline_edit_merges_disjoint
//	description: "What this scenario validates"
//	schemas: ../schemas          # or schema: inline CUE
//	config: { policy: merge, max_attempts: 5 }
//	seed:
//	  - { entity_type: patient, id: p1, data: { name: Amina, ward: "3" } }
//	steps:
//	  - action: go_offline
//	  - action: submit
//	    kind: update
//	    entity_type: patient
//	    id: p1
//	    payload: { ward: "4" }
//	    as: transfer
//	    expect: queued
//	  - action: remote_update
//	    entity_type: patient
//	    id: p1
//	    payload: { phone: "555" }
//	  - action: go_online
//	  - action: drain
//	assertions:
//	  - { type: queue_count, count: 0 }
//	  - { type: remote_field, entity_type: patient, id: p1, field: ward, value: "4" }
//
// Steps: go_offline, go_online, submit, remote_update, remote_delete,
// remote_fail, drain, restart, advance, resolve, discard, retry.
//
// Assertions: queue_count, cache_status, cache_absent, remote_field,
// remote_count, op_status.
//
// A string "$name" in an id, op or payload value refers to the write
// registered with as: name and follows temporary IDs to their
// server-assigned replacements.
//
// # Golden Traces
//
// Every step appends a TraceEvent; drains record their session summary.
// Snapshot renders the trace as canonical JSON, which RunWithGolden compares
// against testdata/golden/<name>.golden.
package harness
