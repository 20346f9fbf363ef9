package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// marshalRecord converts a record to canonical JSON TEXT for storage.
// A nil record is stored as NULL.
func marshalRecord(r model.Record) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := r.Canonical()
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal record: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalRecord parses stored JSON TEXT. Numbers are kept as json.Number
// so large integers survive without float64 precision loss.
func unmarshalRecord(data sql.NullString) (model.Record, error) {
	if !data.Valid {
		return nil, nil
	}
	r, err := model.DecodeRecord([]byte(data.String))
	if err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

func marshalRemote(rs *model.RemoteState) (sql.NullString, error) {
	if rs == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal remote state: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalRemote(data sql.NullString) (*model.RemoteState, error) {
	if !data.Valid {
		return nil, nil
	}
	var rs model.RemoteState
	if err := json.Unmarshal([]byte(data.String), &rs); err != nil {
		return nil, fmt.Errorf("unmarshal remote state: %w", err)
	}
	return &rs, nil
}

// Timestamps are stored as Unix milliseconds; the zero time is NULL.
func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
