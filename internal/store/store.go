package store

import (
	"context"
	"errors"
	"time"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

// Store is the fleet/order persistence used by the dispatcher, the
// reoptimizer and the API server.
type Store interface {
	// Orders
	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrders(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	// TransitionOrder moves an order from -> to only if it is still in from,
	// and records vehicleID as its current vehicle ("" clears it).
	TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, vehicleID string) (model.Order, error)

	// Vehicles
	UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error)
	GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)
	UpdateVehicleLocation(ctx context.Context, id string, p geo.Point, at time.Time) error
	SetVehicleAvailability(ctx context.Context, id string, available bool) error

	// Routes. CommitRoute swaps the vehicle's whole route if its version is
	// still expectedVersion (0 when the vehicle has none).
	CommitRoute(ctx context.Context, vehicleID string, expectedVersion int, r model.Route) (model.Route, error)
	CompleteStop(ctx context.Context, vehicleID, stopID string) (model.Route, model.Stop, error)

	// Reliability history
	Reliability(ctx context.Context, vehicleID string) (float64, error)
	RecordPenalty(ctx context.Context, vehicleID, orderID, reason string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrStatusConflict  = errors.New("order status changed concurrently")
	ErrVersionConflict = errors.New("route version changed concurrently")
	ErrDuplicateStop   = errors.New("stop already routed on another vehicle")
	ErrOverCapacity    = errors.New("route load exceeds vehicle capacity")
)

// PenaltyStep is the reliability lost per recorded penalty.
const PenaltyStep = 0.05

func reliabilityFrom(penalties int) float64 {
	r := 1 - PenaltyStep*float64(penalties)
	if r < 0 {
		return 0
	}
	return r
}

// checkRoute enforces the invariants every committed route must hold on its
// own: no repeated stop and load within capacity.
func checkRoute(v model.Vehicle, r model.Route) error {
	seen := make(map[string]struct{}, len(r.Stops))
	for _, s := range r.Stops {
		if _, dup := seen[s.ID]; dup {
			return ErrDuplicateStop
		}
		seen[s.ID] = struct{}{}
	}
	if !v.Capacity.Fits(r.Load()) {
		return ErrOverCapacity
	}
	return nil
}

func routeVersion(v model.Vehicle) int {
	if v.Route == nil {
		return 0
	}
	return v.Route.Version
}

// withoutStop returns r minus stopID with its schedule entry dropped. A
// completed pickup's demand moves onto its delivery stop, since the goods
// stay on board until delivered.
func withoutStop(r model.Route, stopID string) (model.Route, model.Stop, bool) {
	out := r.Clone()
	out.Stops = out.Stops[:0]
	var done model.Stop
	found := false
	for _, s := range r.Stops {
		if s.ID == stopID {
			done, found = s, true
			continue
		}
		out.Stops = append(out.Stops, s)
	}
	if found && done.Kind == model.StopPickup {
		for i, s := range out.Stops {
			if s.OrderID == done.OrderID && s.Kind == model.StopDelivery {
				out.Stops[i].Demand = s.Demand.Add(done.Demand)
			}
		}
	}
	out.Times = out.Times[:0]
	for _, t := range r.Times {
		if t.StopID != stopID {
			out.Times = append(out.Times, t)
		}
	}
	if len(out.Times) > 0 {
		out.StartAt = out.Times[0].Arrival
	}
	return out, done, found
}
