// Package remote is the HTTP boundary to the authoritative store.
//
// Each queued operation maps to one request against the resource endpoint
// for its entity type:
//
//	create  POST   {base}/{entity_type}
//	update  PUT    {base}/{entity_type}/{id}   If-Match: "<base_version>"
//	delete  DELETE {base}/{entity_type}/{id}   If-Match: "<base_version>"
//
// Every request carries the operation ID in the idempotency header
// (X-Idempotency-Key by default), so a retried call that already succeeded
// server-side is recognised and not applied twice.
//
// Responses are classified into the error taxonomy of package model:
//
//	2xx            success, body is the canonical entity document
//	409, 412       CONFLICT, body carries the current remote entity
//	404, 410       CONFLICT with the entity reported deleted (update/delete)
//	408, 429, 5xx  TRANSIENT
//	other 4xx      FATAL_REMOTE
//
// Transport errors and timeouts are TRANSIENT.
package remote
