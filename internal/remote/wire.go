package remote

import (
	"github.com/roach88/fieldsync/internal/model"
)

// Document is the wire form of an entity.
type Document struct {
	ID      string       `json:"id"`
	Version int64        `json:"version"`
	Data    model.Record `json:"data,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
}

// State converts a document into a model.RemoteState.
func (d Document) State() model.RemoteState {
	return model.RemoteState{EntityID: d.ID, Version: d.Version, Data: d.Data, Deleted: d.Deleted}
}

// ErrorBody is the wire form of a non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`

	// Current is the entity as the server holds it. Nil when the entity does
	// not exist.
	Current *Document `json:"current,omitempty"`

	// Duplicate marks a create rejected because an equivalent record exists.
	Duplicate bool `json:"duplicate,omitempty"`
}
