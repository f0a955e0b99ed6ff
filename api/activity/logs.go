// Package activity exposes the switch command history over HTTP.
package activity

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	coreactivity "github.com/kilianp07/switchyard/core/activity"
)

// DefaultLimit caps responses when no limit is given.
const DefaultLimit = 500

// NewLogHandler returns an HTTP handler serving GET /api/activity.
// Supported query parameters: start, end (RFC 3339), controller_id,
// switch_id and limit.
func NewLogHandler(store coreactivity.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []coreactivity.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func parseQuery(r *http.Request) (coreactivity.Query, error) {
	v := r.URL.Query()
	q := coreactivity.Query{
		ControllerID: v.Get("controller_id"),
		SwitchID:     v.Get("switch_id"),
		Limit:        DefaultLimit,
	}
	var err error
	if s := v.Get("start"); s != "" {
		if q.Start, err = time.Parse(time.RFC3339, s); err != nil {
			return q, err
		}
	}
	if s := v.Get("end"); s != "" {
		if q.End, err = time.Parse(time.RFC3339, s); err != nil {
			return q, err
		}
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, strconv.ErrSyntax
		}
		q.Limit = n
	}
	return q, nil
}
