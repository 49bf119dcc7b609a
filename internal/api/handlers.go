package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/buildinfo"
	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

// CreateOrderHandler handles POST /v1/orders: the order is validated, stored
// and immediately matched. A business failure still answers 201 with
// success=false; the order stays UNASSIGNED for the next tick.
func (s *Server) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var o model.Order
	if err := decodeJSON(r, &o, false); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	prepareOrder(&o)
	if err := o.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.Store.CreateOrder(r.Context(), o)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	res, err := s.Dispatch.AssignOrder(ctx, created.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if current, err := s.Store.GetOrder(r.Context(), created.ID); err == nil {
		created = current
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": created, "assignment": res})
}

// prepareOrder fills the ids and stop kinds a client may leave out.
func prepareOrder(o *model.Order) {
	o.Status, o.VehicleID = "", ""
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Pickup.ID == "" {
		o.Pickup.ID = o.ID + "-pickup"
	}
	if o.Delivery.ID == "" {
		o.Delivery.ID = o.ID + "-delivery"
	}
	o.Pickup.OrderID, o.Delivery.OrderID = o.ID, o.ID
	o.Pickup.Kind, o.Delivery.Kind = model.StopPickup, model.StopDelivery
}

// AssignHandler handles POST /v1/orders/{id}/assign.
func (s *Server) AssignHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	res, err := s.Dispatch.AssignOrder(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelHandler handles POST /v1/orders/{id}/cancel from a driver.
func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VehicleID string `json:"vehicleId"`
		Reason    string `json:"reason"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if body.VehicleID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid input", "vehicleId is required", r.URL.Path)
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	res, err := s.Dispatch.CancelAssignment(ctx, r.PathValue("id"), body.VehicleID, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UpsertVehicleHandler handles PUT /v1/vehicles/{id}: fleet sync from the
// system of record. A live route is kept.
func (s *Server) UpsertVehicleHandler(w http.ResponseWriter, r *http.Request) {
	var v model.Vehicle
	if err := decodeJSON(r, &v, false); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	v.ID, v.Route = r.PathValue("id"), nil
	if err := v.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.Store.UpsertVehicle(r.Context(), v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// RouteHandler handles GET /v1/vehicles/{id}/route.
func (s *Server) RouteHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.Store.GetVehicle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v.Route == nil {
		writeProblem(w, http.StatusNotFound, "No route", "vehicle has no committed route", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, v.Route)
}

// LocationHandler handles PUT /v1/vehicles/{id}/location.
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		geo.Point
		At time.Time `json:"at"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if !body.Point.Valid() {
		writeProblem(w, http.StatusBadRequest, "Invalid input", "coordinate out of range", r.URL.Path)
		return
	}
	if body.At.IsZero() {
		body.At = time.Now().UTC()
	}
	if err := s.Store.UpdateVehicleLocation(r.Context(), r.PathValue("id"), body.Point, body.At); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteStopHandler handles POST /v1/vehicles/{id}/stops/{stopId}/complete.
func (s *Server) CompleteStopHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opContext(r)
	defer cancel()
	route, err := s.Dispatch.CompleteStop(ctx, r.PathValue("id"), r.PathValue("stopId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// OptimizeHandler handles POST /v1/optimize. An empty body or vehicle list
// rebuilds every active vehicle.
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VehicleIDs []string `json:"vehicleIds"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	results, err := s.Reopt.OptimizeNow(ctx, body.VehicleIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ConditionHandler handles POST /v1/events: a traffic or weather update
// that is remembered and triggers a rebuild of the vehicles it covers.
func (s *Server) ConditionHandler(w http.ResponseWriter, r *http.Request) {
	var e model.ConditionEvent
	if err := decodeJSON(r, &e, false); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	ctx, cancel := s.opContext(r)
	defer cancel()
	stored, results, err := s.Reopt.Trigger(ctx, e)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": stored, "results": results})
}

// ReoptHistoryHandler handles GET /v1/admin/reoptimizations.
func (s *Server) ReoptHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be a positive integer", r.URL.Path)
			return
		}
		limit = n
	}
	items := []any{}
	if s.Reopt.History != nil {
		for _, res := range s.Reopt.History.Recent(r.URL.Query().Get("vehicleId"), limit) {
			items = append(items, res)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

// ReadyHandler pings every registered dependency.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	var errs []error
	for name, c := range s.Ready {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, errors.New(name+": "+err.Error()))
		}
	}
	if err := errors.Join(errs...); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
