package opt

import (
	"errors"
	"time"

	"fleetopt/internal/model"
)

// ErrInfeasible means no ordering satisfies time windows and capacity.
var ErrInfeasible = errors.New("no feasible ordering")

// Schedule is the Feasibility Checker's verdict for one sequence.
type Schedule struct {
	Feasible  bool
	FailedAt  int // index into the sequence; -1 when feasible
	Reason    string
	Start     time.Time
	End       time.Time
	DistanceM float64
	Times     []model.StopTime
}

func (s Schedule) Duration() time.Duration { return s.End.Sub(s.Start) }

const (
	ReasonLate       = "time_window"
	ReasonCapacity   = "capacity"
	ReasonPrecedence = "delivery_before_pickup"
)

// Check walks seq for vehicle v from its origin at its start time. Arrivals
// before a window wait for it to open; an arrival after the latest start fails
// the sequence at that index. It is pure: same inputs, same schedule.
func (in *Instance) Check(v int, seq []int) Schedule {
	veh := in.Vehicles[v]
	s := Schedule{FailedAt: -1, Start: veh.Start, End: veh.Start, Times: make([]model.StopTime, 0, len(seq))}

	pickupAt := make(map[string]int, len(seq))
	for i, k := range seq {
		if in.Stops[k].Kind == model.StopPickup {
			pickupAt[in.Stops[k].OrderID] = i
		}
	}

	var load model.Demand
	t := veh.Start
	prev := in.origin(v)
	for i, k := range seq {
		st := in.Stops[k]
		if st.Kind == model.StopDelivery {
			if p, ok := pickupAt[st.OrderID]; ok && p > i {
				return s.fail(i, ReasonPrecedence)
			}
		}
		load = load.Add(st.Demand)
		if !veh.Capacity.Fits(load) {
			return s.fail(i, ReasonCapacity)
		}

		n := in.node(k)
		arrival := t.Add(in.Matrix.Duration(prev, n))
		s.DistanceM += in.Matrix.Distance(prev, n)
		if !st.Window.Latest.IsZero() && arrival.After(st.Window.Latest) {
			return s.fail(i, ReasonLate)
		}
		start := arrival
		if !st.Window.Earliest.IsZero() && start.Before(st.Window.Earliest) {
			start = st.Window.Earliest
		}
		t = start.Add(st.Service())
		s.Times = append(s.Times, model.StopTime{StopID: st.ID, Arrival: arrival, ServiceStart: start, Departure: t})
		prev = n
	}
	s.Feasible = true
	s.End = t
	return s
}

func (s Schedule) fail(i int, reason string) Schedule {
	s.Feasible = false
	s.FailedAt = i
	s.Reason = reason
	s.Times = nil
	return s
}
