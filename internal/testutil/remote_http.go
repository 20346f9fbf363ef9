package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

// Handler serves the FakeRemote over the HTTP wire protocol used by
// remote.Client, including the HEAD health endpoint and the change feed.
func (f *FakeRemote) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /sync/changes", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		batch, err := f.Changes(r.Context(), r.URL.Query().Get("since"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	})
	mux.HandleFunc("POST /{type}", func(w http.ResponseWriter, r *http.Request) {
		f.serveApply(w, r, model.KindCreate)
	})
	mux.HandleFunc("PUT /{type}/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.serveApply(w, r, model.KindUpdate)
	})
	mux.HandleFunc("DELETE /{type}/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.serveApply(w, r, model.KindDelete)
	})
	return mux
}

func (f *FakeRemote) serveApply(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	op := model.Operation{
		ID:         r.Header.Get(remote.DefaultIdempotencyHeader),
		EntityType: r.PathValue("type"),
		EntityID:   r.PathValue("id"),
		Kind:       kind,
	}
	if op.ID == "" {
		writeJSON(w, http.StatusBadRequest, remote.ErrorBody{Error: "missing idempotency key"})
		return
	}
	if kind != model.KindCreate {
		v, err := strconv.ParseInt(strings.Trim(r.Header.Get("If-Match"), `"`), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusPreconditionRequired, remote.ErrorBody{Error: "missing If-Match"})
			return
		}
		op.BaseVersion = v
	}
	if kind != model.KindDelete {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, remote.ErrorBody{Error: err.Error()})
			return
		}
		if op.Payload, err = model.DecodeRecord(body); err != nil {
			writeJSON(w, http.StatusBadRequest, remote.ErrorBody{Error: err.Error()})
			return
		}
	}

	state, err := f.Apply(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.Document{
		ID: state.EntityID, Version: state.Version, Data: state.Data, Deleted: state.Deleted,
	})
}

func writeError(w http.ResponseWriter, err error) {
	var me *model.Error
	if !errors.As(err, &me) {
		writeJSON(w, http.StatusInternalServerError, remote.ErrorBody{Error: err.Error()})
		return
	}
	status := me.StatusCode
	if status == 0 {
		status = defaultStatus(me.Code)
	}
	body := remote.ErrorBody{Error: me.Message}
	if me.Remote != nil {
		body.Duplicate = me.Remote.Duplicate
		if !me.Remote.Deleted {
			body.Current = &remote.Document{ID: me.Remote.EntityID, Version: me.Remote.Version, Data: me.Remote.Data}
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
