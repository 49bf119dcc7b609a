package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"fleetopt/internal/dispatch"
	"fleetopt/internal/model"
	"fleetopt/internal/oracle"
	"fleetopt/internal/store"
	"fleetopt/internal/vehiclelock"
)

// Problem is an RFC7807 problem details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{Type: "about:blank", Title: title, Status: status, Detail: detail, Instance: instance})
}

// decodeJSON reads a single JSON document; an empty body leaves v untouched
// when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// writeError maps domain and infrastructure errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := http.StatusInternalServerError, "Internal error"
	switch {
	case model.IsInputError(err):
		status, title = http.StatusBadRequest, "Invalid input"
	case errors.Is(err, store.ErrNotFound):
		status, title = http.StatusNotFound, "Not found"
	case errors.Is(err, store.ErrExists):
		status, title = http.StatusConflict, "Already exists"
	case errors.Is(err, dispatch.ErrNotAssignable), errors.Is(err, dispatch.ErrNotAssigned),
		errors.Is(err, store.ErrStatusConflict), errors.Is(err, model.ErrInvalidTransition):
		status, title = http.StatusConflict, "Order state conflict"
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, vehiclelock.ErrConflict):
		status, title = http.StatusConflict, "Vehicle busy"
	case oracle.IsTemporary(err), errors.Is(err, oracle.ErrNoRoute):
		status, title = http.StatusBadGateway, "Distance oracle failure"
	case errors.Is(err, context.DeadlineExceeded):
		status, title = http.StatusGatewayTimeout, "Timed out"
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}
