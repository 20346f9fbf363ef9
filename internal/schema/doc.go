// Package schema validates Create and Update payloads against CUE
// definitions before they reach the queue.
//
// Schemas live under a top-level "entity" struct keyed by entity type:
//
//	#Patient: {
//		name: string & !=""
//		ward: string
//		phone?: string
//	}
//
//	entity: patient: #Patient
//
// Entity types without an entry are accepted as-is. Delete operations carry
// no payload and are never validated.
package schema
