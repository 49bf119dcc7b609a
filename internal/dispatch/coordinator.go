// Package dispatch matches orders to vehicles and keeps the order state
// machine consistent with committed routes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fleetopt/internal/geo"
	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
	"fleetopt/internal/notify"
	"fleetopt/internal/opt"
	"fleetopt/internal/oracle"
	"fleetopt/internal/store"
	"fleetopt/internal/vehiclelock"
)

var (
	// ErrNoCapacity means vehicles were in range but none could carry the order.
	ErrNoCapacity = errors.New("no vehicle has capacity")
	ErrNoVehicle  = errors.New("no available vehicle in range")
	// ErrNotAssignable is returned for orders outside UNASSIGNED/REASSIGNED.
	ErrNotAssignable = errors.New("order is not assignable")
	ErrNotAssigned   = errors.New("order is not assigned to that vehicle")
)

// Result reasons for an unsuccessful assignment.
const (
	ReasonNoVehicle  = "no_vehicle_in_range"
	ReasonNoCapacity = "no_capacity"
	ReasonInfeasible = "infeasible"
	ReasonBusy       = "vehicles_busy"
)

type Result struct {
	Success           bool       `json:"success"`
	OrderID           string     `json:"orderId"`
	VehicleID         string     `json:"vehicleId,omitempty"`
	EstimatedPickup   *time.Time `json:"estimatedPickup,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

// Err maps an unsuccessful result to its sentinel: ErrNoVehicle,
// ErrNoCapacity, opt.ErrInfeasible, or vehiclelock.ErrConflict when every
// candidate was busy. It is nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	switch r.Reason {
	case ReasonNoVehicle:
		return ErrNoVehicle
	case ReasonNoCapacity:
		return ErrNoCapacity
	case ReasonBusy:
		return vehiclelock.ErrConflict
	default:
		return opt.ErrInfeasible
	}
}

// Coordinator runs assignment and cancellation. Every route it writes goes
// through the vehicle's lock and a version-checked commit.
type Coordinator struct {
	Store     store.Store
	Matrix    *opt.MatrixBuilder
	Builder   opt.Builder
	Locks     vehiclelock.Locker
	Publisher notify.Publisher
	Weights   ScoreWeights
	// MaxStops marks a vehicle full at this many routed stops; 0 disables it.
	MaxStops int
	Now      func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// AssignOrder scores vehicles for an UNASSIGNED or REASSIGNED order and
// commits it to the best one that can serve it. Business failures come back
// as Result.Success=false; the error is reserved for infrastructure faults.
func (c *Coordinator) AssignOrder(ctx context.Context, orderID string) (Result, error) {
	return c.assign(ctx, orderID, nil)
}

func (c *Coordinator) assign(ctx context.Context, orderID string, exclude map[string]bool) (res Result, err error) {
	defer metrics.Time("dispatch.assign")(&err)
	o, err := c.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !o.Status.Assignable() {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrNotAssignable, orderID, o.Status)
	}
	if o, err = c.Store.TransitionOrder(ctx, orderID, o.Status, model.OrderScoring, o.VehicleID); err != nil {
		return Result{}, err
	}

	res, route, err := c.match(ctx, o, exclude)
	if err != nil || !res.Success {
		if _, terr := c.Store.TransitionOrder(context.WithoutCancel(ctx), orderID, model.OrderScoring, model.OrderUnassigned, ""); terr != nil {
			log.Printf("op=dispatch.revert order=%s err=%v", orderID, terr)
		}
		if err != nil {
			metrics.Assignments.WithLabelValues("error").Inc()
			if oracle.IsTemporary(err) || errors.Is(err, oracle.ErrNoRoute) {
				c.publish(ctx, model.AssignmentEvent{Type: model.EventSystemAlert, OrderID: orderID, Reason: err.Error()})
			}
			return Result{}, err
		}
		metrics.Assignments.WithLabelValues(res.Reason).Inc()
		if errors.Is(res.Err(), vehiclelock.ErrConflict) {
			// left for the next retry pass
			log.Printf("op=dispatch.deferred order=%s reason=%s", orderID, res.Reason)
			return res, nil
		}
		log.Printf("op=dispatch.unassignable order=%s reason=%s", orderID, res.Reason)
		c.publish(ctx, model.AssignmentEvent{Type: model.EventOrderUnassignable, OrderID: orderID, Reason: res.Reason})
		return res, nil
	}

	if _, err := c.Store.TransitionOrder(ctx, orderID, model.OrderScoring, model.OrderAssigned, res.VehicleID); err != nil {
		return Result{}, err
	}
	metrics.Assignments.WithLabelValues("assigned").Inc()
	log.Printf("op=dispatch.assigned order=%s vehicle=%s version=%d stops=%d", orderID, res.VehicleID, route.Version, len(route.Stops))
	evt := model.AssignmentEvent{Type: model.EventOrderAssigned, OrderID: orderID, VehicleID: res.VehicleID, StopID: o.Pickup.ID}
	if res.EstimatedPickup != nil {
		evt.EstimatedArrival = *res.EstimatedPickup
	}
	if exclude != nil {
		evt.Type = model.EventOrderReassigned
	}
	c.publish(ctx, evt)
	return res, nil
}

// match finds and commits a vehicle for o. The returned route is the
// committed one when res.Success.
func (c *Coordinator) match(ctx context.Context, o model.Order, exclude map[string]bool) (Result, model.Route, error) {
	res := Result{OrderID: o.ID}
	vehicles, err := c.Store.ListVehicles(ctx)
	if err != nil {
		return res, model.Route{}, err
	}
	demand := o.Demand()

	// straight-line distance never exceeds road distance, so this only drops
	// vehicles the scorer would exclude anyway
	var inRange []model.Vehicle
	overCapacity := 0
	for _, v := range vehicles {
		if exclude[v.ID] || !v.Available {
			continue
		}
		if geo.Haversine(v.Location, o.Pickup.Location) > c.Weights.MaxRadiusM {
			continue
		}
		if !v.Capacity.Fits(v.Load().Add(demand)) {
			overCapacity++
			continue
		}
		inRange = append(inRange, v)
	}
	if len(inRange) == 0 {
		res.Reason = ReasonNoVehicle
		if overCapacity > 0 {
			res.Reason = ReasonNoCapacity
		}
		return res, model.Route{}, nil
	}

	origins := make([]geo.Point, len(inRange))
	for i, v := range inRange {
		origins[i] = v.Location
	}
	legs, err := c.Matrix.Legs(ctx, origins, o.Pickup.Location)
	if err != nil {
		return res, model.Route{}, err
	}
	cands := make([]Candidate, len(inRange))
	for i, v := range inRange {
		rel, err := c.Store.Reliability(ctx, v.ID)
		if err != nil {
			log.Printf("op=dispatch.reliability vehicle=%s err=%v", v.ID, err)
		}
		cands[i] = Candidate{Vehicle: v, DistanceM: legs[i].DistanceM, Duration: legs[i].Duration, Reliability: rel}
	}
	ranked, _ := c.Weights.Rank(cands, demand)
	if len(ranked) == 0 {
		res.Reason = ReasonNoVehicle
		return res, model.Route{}, nil
	}

	res.Reason = ReasonInfeasible
	busy := 0
	for _, cand := range ranked {
		route, err := c.commitTo(ctx, cand.Vehicle.ID, o)
		switch {
		case err == nil:
			res.Success = true
			res.Reason = ""
			res.VehicleID = cand.Vehicle.ID
			if t, ok := route.ETA(o.Pickup.ID); ok {
				res.EstimatedPickup = &t
			}
			if t, ok := route.ETA(o.Delivery.ID); ok {
				res.EstimatedDelivery = &t
			}
			return res, route, nil
		case errors.Is(err, opt.ErrInfeasible), errors.Is(err, store.ErrOverCapacity):
			continue
		case errors.Is(err, vehiclelock.ErrConflict), errors.Is(err, store.ErrVersionConflict), errors.Is(err, context.Canceled) && ctx.Err() == nil:
			log.Printf("op=dispatch.skip order=%s vehicle=%s err=%v", o.ID, cand.Vehicle.ID, err)
			busy++
			continue
		default:
			return res, model.Route{}, err
		}
	}
	if busy == len(ranked) {
		res.Reason = ReasonBusy
	}
	return res, model.Route{}, nil
}

// commitTo merges o into vehicleID's current route under the vehicle lock.
func (c *Coordinator) commitTo(ctx context.Context, vehicleID string, o model.Order) (model.Route, error) {
	lctx, release, err := c.Locks.TryLock(ctx, vehicleID)
	if err != nil {
		return model.Route{}, err
	}
	defer release()

	v, err := c.Store.GetVehicle(lctx, vehicleID)
	if err != nil {
		return model.Route{}, err
	}
	var prev *model.Route
	var stops []model.Stop
	version := 0
	if v.Route != nil {
		prev = v.Route
		stops = append(stops, v.Route.Stops...)
		version = v.Route.Version
	}
	existing := len(stops)
	stops = append(stops, o.Pickup, o.Delivery)

	in, err := c.Matrix.ForVehicle(lctx, v, stops, c.now())
	if err != nil {
		return model.Route{}, err
	}
	seq := in.Identity()[:existing]
	merged, sch, err := c.Builder.Merge(in, 0, seq, []int{existing, existing + 1})
	if err != nil {
		return model.Route{}, err
	}
	// preempted by a cancellation while building
	if err := lctx.Err(); err != nil {
		return model.Route{}, err
	}
	committed, err := c.Store.CommitRoute(lctx, vehicleID, version, in.Route(0, merged, sch))
	if err != nil {
		return model.Route{}, err
	}
	if c.full(v.Capacity, committed) {
		if err := c.Store.SetVehicleAvailability(lctx, vehicleID, false); err != nil {
			log.Printf("op=dispatch.availability vehicle=%s err=%v", vehicleID, err)
		}
	}
	for _, evt := range notify.RouteChanges(prev, committed, o.ID) {
		c.publish(ctx, evt)
	}
	return committed, nil
}

// full reports whether a route leaves no room for more work.
func (c *Coordinator) full(capacity model.Capacity, r model.Route) bool {
	if c.MaxStops > 0 && len(r.Stops) >= c.MaxStops {
		return true
	}
	load := r.Load()
	if load.Weight >= capacity.MaxWeight {
		return true
	}
	return capacity.MaxVolume > 0 && load.Volume >= capacity.MaxVolume
}

// CancelAssignment handles a driver cancelling an order: the order leaves the
// vehicle's route, the vehicle is penalized, and matching re-runs without it.
// Any in-flight rebuild of that vehicle is preempted.
func (c *Coordinator) CancelAssignment(ctx context.Context, orderID, vehicleID, reason string) (Result, error) {
	o, err := c.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if o.Status != model.OrderAssigned || o.VehicleID != vehicleID {
		return Result{}, fmt.Errorf("%w: %s is %s on %q", ErrNotAssigned, orderID, o.Status, o.VehicleID)
	}
	if err := c.removeOrder(ctx, o); err != nil {
		return Result{}, err
	}
	if err := c.Store.RecordPenalty(ctx, vehicleID, orderID, reason); err != nil {
		log.Printf("op=dispatch.penalty vehicle=%s order=%s err=%v", vehicleID, orderID, err)
	}
	if _, err := c.Store.TransitionOrder(ctx, orderID, model.OrderAssigned, model.OrderReassigned, ""); err != nil {
		return Result{}, err
	}
	log.Printf("op=dispatch.cancelled order=%s vehicle=%s reason=%q", orderID, vehicleID, reason)
	return c.assign(ctx, orderID, map[string]bool{vehicleID: true})
}

func (c *Coordinator) removeOrder(ctx context.Context, o model.Order) error {
	lctx, release, err := c.Locks.Lock(ctx, o.VehicleID)
	if err != nil {
		return err
	}
	defer release()

	v, err := c.Store.GetVehicle(lctx, o.VehicleID)
	if err != nil {
		return err
	}
	if v.Route == nil {
		return nil
	}
	next := model.Route{Stops: v.Route.StopsWithout(o.ID)}
	if len(next.Stops) > 0 {
		in, err := c.Matrix.ForVehicle(lctx, v, next.Stops, c.now())
		if err != nil {
			return err
		}
		sch := in.Check(0, in.Identity())
		if sch.Feasible {
			next = in.Route(0, in.Identity(), sch)
		} else {
			// keep the previous estimates; the next reoptimization retimes it
			log.Printf("op=dispatch.retime vehicle=%s reason=%s", v.ID, sch.Reason)
			next = v.Route.Clone()
			next.Stops = v.Route.StopsWithout(o.ID)
		}
	}
	committed, err := c.Store.CommitRoute(lctx, v.ID, v.Route.Version, next)
	if err != nil {
		return err
	}
	if !v.Available && !c.full(v.Capacity, committed) {
		if err := c.Store.SetVehicleAvailability(lctx, v.ID, true); err != nil {
			log.Printf("op=dispatch.availability vehicle=%s err=%v", v.ID, err)
		}
	}
	for _, evt := range notify.RouteChanges(v.Route, committed, "") {
		c.publish(ctx, evt)
	}
	return nil
}

// CompleteStop records a served stop. Completing a delivery completes its
// order; freed capacity makes the vehicle available again.
func (c *Coordinator) CompleteStop(ctx context.Context, vehicleID, stopID string) (model.Route, error) {
	lctx, release, err := c.Locks.Lock(ctx, vehicleID)
	if err != nil {
		return model.Route{}, err
	}
	defer release()

	route, stop, err := c.Store.CompleteStop(lctx, vehicleID, stopID)
	if err != nil {
		return model.Route{}, err
	}
	if stop.Kind == model.StopDelivery {
		if _, err := c.Store.TransitionOrder(lctx, stop.OrderID, model.OrderAssigned, model.OrderCompleted, vehicleID); err != nil {
			log.Printf("op=dispatch.complete order=%s err=%v", stop.OrderID, err)
		}
	}
	v, err := c.Store.GetVehicle(lctx, vehicleID)
	if err == nil && !v.Available && !c.full(v.Capacity, route) {
		err = c.Store.SetVehicleAvailability(lctx, vehicleID, true)
	}
	if err != nil {
		log.Printf("op=dispatch.availability vehicle=%s err=%v", vehicleID, err)
	}
	return route, nil
}

// RetryUnassigned re-runs assignment for every UNASSIGNED order, oldest first.
// It stops at the first infrastructure error.
func (c *Coordinator) RetryUnassigned(ctx context.Context) (assigned int, err error) {
	orders, err := c.Store.ListOrders(ctx, model.OrderUnassigned)
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		res, err := c.AssignOrder(ctx, o.ID)
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, ErrNotAssignable) {
			continue
		}
		if err != nil {
			return assigned, err
		}
		if res.Success {
			assigned++
		}
	}
	return assigned, nil
}

func (c *Coordinator) publish(ctx context.Context, evt model.AssignmentEvent) {
	if c.Publisher == nil {
		return
	}
	if err := c.Publisher.Publish(context.WithoutCancel(ctx), notify.Stamp(evt)); err != nil {
		log.Printf("op=dispatch.publish type=%s order=%s err=%v", evt.Type, evt.OrderID, err)
	}
}
