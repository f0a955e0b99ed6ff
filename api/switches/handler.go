// Package switches exposes change submission and controller snapshots.
package switches

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kilianp07/switchyard/core/dispatch"
	"github.com/kilianp07/switchyard/core/model"
	"github.com/kilianp07/switchyard/core/store"
)

// MaxChanges bounds a single submission.
const MaxChanges = 256

// Submitter executes change requests.
type Submitter interface {
	Submit(ctx context.Context, reqs []model.ChangeRequest) dispatch.Result
}

// ChangeSet is the body of POST /api/switches/changes.
type ChangeSet struct {
	Changes []model.ChangeRequest `json:"changes"`
}

// NewChangeHandler serves POST /api/switches/changes. The response is the
// dispatch Result; partial success still answers 200.
func NewChangeHandler(sub Submitter, maxBody int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		var body ChangeSet
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(body.Changes) == 0 {
			http.Error(w, "no changes", http.StatusBadRequest)
			return
		}
		if len(body.Changes) > MaxChanges {
			http.Error(w, "too many changes", http.StatusRequestEntityTooLarge)
			return
		}
		res := sub.Submit(r.Context(), body.Changes)
		writeJSON(w, http.StatusOK, res)
	})
}

// NewControllerHandler serves GET /api/controllers/{id}: the controller
// snapshot with its switches and current sequence, used by websocket
// clients to resync.
func NewControllerHandler(st store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		c, err := st.Controller(r.Context(), id)
		if errors.Is(err, store.ErrControllerNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, c)
	})
}

// NewControllerListHandler serves GET /api/controllers.
func NewControllerListHandler(st store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		all, err := st.Controllers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if all == nil {
			all = []model.Controller{}
		}
		writeJSON(w, http.StatusOK, all)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
