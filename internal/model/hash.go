package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for a
// future algorithm change.
const (
	DomainPayload = "fieldsync/payload/v1"
	DomainRecord  = "fieldsync/record/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash identifies the content of a queued mutation. Two submissions of
// the same change to the same entity hash identically regardless of key order
// or Unicode normalisation form.
func PayloadHash(entityType, entityID string, kind Kind, payload Record) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"kind":        string(kind),
		"payload":     map[string]any(payload),
	})
	if err != nil {
		return "", fmt.Errorf("PayloadHash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// RecordHash fingerprints a record on its own. Used for duplicate detection.
func RecordHash(r Record) (string, error) {
	canonical, err := r.Canonical()
	if err != nil {
		return "", fmt.Errorf("RecordHash: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}
