// Package reopt periodically rebuilds live routes and commits a rebuild only
// when it beats the live route by the configured margin.
package reopt

import (
	"context"
	"errors"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
	"fleetopt/internal/notify"
	"fleetopt/internal/opt"
	"fleetopt/internal/oracle"
	"fleetopt/internal/store"
	"fleetopt/internal/vehiclelock"
)

// State of a vehicle in the rebuild cycle.
type State string

const (
	StateStable    State = "STABLE"
	StateCandidate State = "CANDIDATE_REBUILD"
	StateCommitted State = "COMMITTED"
	StateDiscarded State = "DISCARDED"
	// StateSkipped: the vehicle was locked elsewhere or its route moved on.
	StateSkipped State = "SKIPPED"
	StateFailed  State = "FAILED"
)

// Triggers recorded with each result.
const (
	TriggerTick   = "tick"
	TriggerManual = "manual"
)

// Result is the outcome of one vehicle's rebuild.
type Result struct {
	VehicleID   string    `json:"vehicleId"`
	Outcome     State     `json:"outcome"`
	Trigger     string    `json:"trigger"`
	OldCost     float64   `json:"oldCost,omitempty"`
	NewCost     float64   `json:"newCost,omitempty"`
	Improvement float64   `json:"improvement"`
	Version     int       `json:"version,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Controller rebuilds routes under each vehicle's lock. Vehicles are
// processed in parallel up to Concurrency; a locked vehicle is skipped.
type Controller struct {
	Store      store.Store
	Matrix     *opt.MatrixBuilder
	Builder    opt.Builder
	Locks      vehiclelock.Locker
	Publisher  notify.Publisher
	Conditions *Conditions
	History    *History
	Cost       opt.CostWeights
	// Threshold is the minimum relative improvement for a commit.
	Threshold   float64
	Concurrency int
	Now         func() time.Time

	mu     sync.Mutex
	states map[string]State
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// State reports where vehicleID is in the rebuild cycle.
func (c *Controller) State(vehicleID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[vehicleID]; ok {
		return s
	}
	return StateStable
}

func (c *Controller) setState(vehicleID string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states == nil {
		c.states = map[string]State{}
	}
	if s == StateStable {
		delete(c.states, vehicleID)
		return
	}
	c.states[vehicleID] = s
}

// Tick rebuilds every vehicle that has stops left.
func (c *Controller) Tick(ctx context.Context) ([]Result, error) {
	vehicles, err := c.active(ctx, func(model.Vehicle) bool { return true })
	if err != nil {
		return nil, err
	}
	return c.run(ctx, vehicles, TriggerTick), nil
}

// OptimizeNow rebuilds the named vehicles, or all active ones when ids is
// empty. An unknown id fails the whole call before any work starts.
func (c *Controller) OptimizeNow(ctx context.Context, ids []string) ([]Result, error) {
	if len(ids) == 0 {
		vehicles, err := c.active(ctx, func(model.Vehicle) bool { return true })
		if err != nil {
			return nil, err
		}
		return c.run(ctx, vehicles, TriggerManual), nil
	}
	vehicles := make([]model.Vehicle, 0, len(ids))
	for _, id := range ids {
		v, err := c.Store.GetVehicle(ctx, id)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return c.run(ctx, vehicles, TriggerManual), nil
}

// Trigger records a condition event and rebuilds the vehicles it covers.
func (c *Controller) Trigger(ctx context.Context, e model.ConditionEvent) (model.ConditionEvent, []Result, error) {
	if err := e.Validate(); err != nil {
		return e, nil, err
	}
	if c.Conditions != nil {
		e = c.Conditions.Add(e)
	}
	vehicles, err := c.active(ctx, func(v model.Vehicle) bool { return Affects(e, v) })
	if err != nil {
		return e, nil, err
	}
	log.Printf("op=reopt.trigger kind=%s level=%.2f radius=%.0f vehicles=%d", e.Kind, e.Level, e.RadiusM, len(vehicles))
	return e, c.run(ctx, vehicles, string(e.Kind)), nil
}

func (c *Controller) active(ctx context.Context, keep func(model.Vehicle) bool) ([]model.Vehicle, error) {
	all, err := c.Store.ListVehicles(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Vehicle
	for _, v := range all {
		if v.Route != nil && len(v.Route.Stops) > 0 && keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *Controller) run(ctx context.Context, vehicles []model.Vehicle, trigger string) []Result {
	results := make([]Result, len(vehicles))
	g, gctx := errgroup.WithContext(ctx)
	limit := c.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, v := range vehicles {
		g.Go(func() error {
			results[i] = c.Reoptimize(gctx, v.ID, trigger)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].VehicleID < results[j].VehicleID })
	return results
}

// Reoptimize runs one STABLE -> CANDIDATE_REBUILD -> COMMITTED|DISCARDED
// cycle for a vehicle. It never blocks on the vehicle lock.
func (c *Controller) Reoptimize(ctx context.Context, vehicleID, trigger string) (res Result) {
	res = Result{VehicleID: vehicleID, Trigger: trigger}
	defer func() {
		res.At = c.now()
		c.setState(vehicleID, StateStable)
		metrics.Reoptimizations.WithLabelValues(string(res.Outcome), trigger).Inc()
		if c.History != nil {
			c.History.Record(res)
		}
		log.Printf("op=reopt.%s vehicle=%s trigger=%s old=%.3f new=%.3f gain=%.3f reason=%s",
			res.Outcome, vehicleID, trigger, res.OldCost, res.NewCost, res.Improvement, res.Reason)
	}()

	lctx, release, err := c.Locks.TryLock(ctx, vehicleID)
	if err != nil {
		res.Outcome, res.Reason = StateSkipped, "locked"
		if !errors.Is(err, vehiclelock.ErrConflict) {
			res.Outcome, res.Reason = StateFailed, err.Error()
		}
		return res
	}
	defer release()
	c.setState(vehicleID, StateCandidate)

	v, err := c.Store.GetVehicle(lctx, vehicleID)
	if err != nil {
		res.Outcome, res.Reason = StateFailed, err.Error()
		return res
	}
	if v.Route == nil || len(v.Route.Stops) == 0 {
		res.Outcome, res.Reason = StateSkipped, "no_stops"
		return res
	}
	live := *v.Route

	err = func() (err error) {
		defer metrics.Time("reopt.rebuild")(&err)
		in, err := c.Matrix.ForVehicle(lctx, v, live.Stops, c.now())
		if err != nil {
			return err
		}
		if c.Conditions != nil {
			if events := c.Conditions.Active(); len(events) > 0 {
				in = in.WithMatrix(in.Matrix.Adjust(Factors(events)))
			}
		}
		seq, sch, ok := c.candidate(in, &res)
		if !ok {
			res.Outcome = StateDiscarded
			return nil
		}
		if res.Improvement < c.Threshold {
			res.Outcome, res.Reason = StateDiscarded, "below_threshold"
			return nil
		}
		if err := lctx.Err(); err != nil {
			res.Outcome, res.Reason = StateSkipped, "preempted"
			return nil
		}
		committed, err := c.Store.CommitRoute(lctx, vehicleID, live.Version, in.Route(0, seq, sch))
		if errors.Is(err, store.ErrVersionConflict) {
			res.Outcome, res.Reason = StateSkipped, "route_changed"
			return nil
		}
		if err != nil {
			return err
		}
		res.Outcome, res.Version = StateCommitted, committed.Version
		for _, evt := range notify.RouteChanges(&live, committed, "") {
			c.publish(ctx, evt)
		}
		return nil
	}()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// a Lock caller took the vehicle mid-build
		res.Outcome, res.Reason = StateSkipped, "preempted"
	case ctx.Err() != nil:
		res.Outcome, res.Reason = StateFailed, err.Error()
	default:
		res.Outcome, res.Reason = StateFailed, err.Error()
		if oracle.IsTemporary(err) || errors.Is(err, oracle.ErrNoRoute) {
			c.publish(ctx, model.AssignmentEvent{Type: model.EventSystemAlert, VehicleID: vehicleID, Reason: err.Error()})
		}
	}
	return res
}

// candidate picks the cheaper of a fresh build and a 2-opt pass over the live
// order, both on the same matrix the live order is costed on. A live order
// that is infeasible under current conditions counts as a full improvement.
func (c *Controller) candidate(in *opt.Instance, res *Result) ([]int, opt.Schedule, bool) {
	liveSeq := in.Identity()
	liveSched := in.Check(0, liveSeq)

	type option struct {
		seq []int
		sch opt.Schedule
	}
	var opts []option
	if seq, sch := c.Builder.Improve(in, 0, liveSeq); sch.Feasible {
		opts = append(opts, option{seq, sch})
	}
	if plan := c.Builder.Build(in); len(plan.Unassigned) == 0 && len(plan.Routes) == 1 {
		opts = append(opts, option{plan.Routes[0].Seq, plan.Routes[0].Schedule})
	}
	if len(opts) == 0 {
		res.Reason = "infeasible"
		return nil, opt.Schedule{}, false
	}
	best := opts[0]
	for _, o := range opts[1:] {
		if c.Cost.Cost(o.sch) < c.Cost.Cost(best.sch) {
			best = o
		}
	}
	res.NewCost = c.Cost.Cost(best.sch)
	if !liveSched.Feasible {
		res.Improvement, res.Reason = 1, "live_infeasible"
		return best.seq, best.sch, true
	}
	res.OldCost = c.Cost.Cost(liveSched)
	res.Improvement = opt.Improvement(res.OldCost, res.NewCost)
	if slices.Equal(best.seq, liveSeq) {
		res.Improvement, res.Reason = 0, "unchanged"
		return nil, opt.Schedule{}, false
	}
	return best.seq, best.sch, true
}

func (c *Controller) publish(ctx context.Context, evt model.AssignmentEvent) {
	if c.Publisher == nil {
		return
	}
	if err := c.Publisher.Publish(context.WithoutCancel(ctx), notify.Stamp(evt)); err != nil {
		log.Printf("op=reopt.publish type=%s vehicle=%s err=%v", evt.Type, evt.VehicleID, err)
	}
}
