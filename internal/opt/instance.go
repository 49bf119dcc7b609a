package opt

import (
	"context"
	"fmt"
	"time"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

// Vehicle is the optimizer's view of a vehicle for one run.
type Vehicle struct {
	ID       string
	Location geo.Point
	Capacity model.Capacity
	Start    time.Time
}

// Instance binds one run's vehicles and stops to matrix indices:
// vehicle v sits at index v, stop k at len(Vehicles)+k, and the optional
// depot last.
type Instance struct {
	Matrix   *Matrix
	Vehicles []Vehicle
	Stops    []model.Stop
	depot    int
}

// Points lays out the coordinates an Instance expects its matrix to cover.
func Points(vehicles []Vehicle, stops []model.Stop, depot *geo.Point) []geo.Point {
	pts := make([]geo.Point, 0, len(vehicles)+len(stops)+1)
	for _, v := range vehicles {
		pts = append(pts, v.Location)
	}
	for _, s := range stops {
		pts = append(pts, s.Location)
	}
	if depot != nil {
		pts = append(pts, *depot)
	}
	return pts
}

func NewInstance(m *Matrix, vehicles []Vehicle, stops []model.Stop, depot *geo.Point) (*Instance, error) {
	want := len(vehicles) + len(stops)
	if depot != nil {
		want++
	}
	if len(vehicles) == 0 {
		return nil, fmt.Errorf("instance needs at least one vehicle")
	}
	if m == nil || m.Size() != want {
		return nil, fmt.Errorf("matrix size mismatch: want %d", want)
	}
	in := &Instance{Matrix: m, Vehicles: vehicles, Stops: stops, depot: -1}
	if depot != nil {
		in.depot = want - 1
	}
	return in, nil
}

func (in *Instance) origin(v int) int { return v }

func (in *Instance) node(k int) int { return len(in.Vehicles) + k }

// anchor is the savings reference point: the depot, else the first vehicle.
func (in *Instance) anchor() int {
	if in.depot >= 0 {
		return in.depot
	}
	return in.origin(0)
}

// Identity returns the stop indices 0..n-1 in order.
func (in *Instance) Identity() []int {
	seq := make([]int, len(in.Stops))
	for i := range seq {
		seq[i] = i
	}
	return seq
}

// Load sums the demand of the given stops.
func (in *Instance) Load(seq []int) model.Demand {
	var d model.Demand
	for _, k := range seq {
		d = d.Add(in.Stops[k].Demand)
	}
	return d
}

// PathDistance is the open-path distance from the vehicle's origin through seq.
func (in *Instance) PathDistance(v int, seq []int) float64 {
	total := 0.0
	prev := in.origin(v)
	for _, k := range seq {
		n := in.node(k)
		total += in.Matrix.Distance(prev, n)
		prev = n
	}
	return total
}

// Route converts a planned sequence into a route value. ID and Version are
// left for the committing caller.
func (in *Instance) Route(v int, seq []int, s Schedule) model.Route {
	stops := make([]model.Stop, len(seq))
	for i, k := range seq {
		stops[i] = in.Stops[k]
	}
	return model.Route{
		VehicleID: in.Vehicles[v].ID,
		Stops:     stops,
		Times:     append([]model.StopTime(nil), s.Times...),
		DistanceM: s.DistanceM,
		StartAt:   s.Start,
		EndAt:     s.End,
	}
}

// VehicleFrom is the optimizer view of v departing at start.
func VehicleFrom(v model.Vehicle, start time.Time) Vehicle {
	return Vehicle{ID: v.ID, Location: v.Location, Capacity: v.Capacity, Start: start}
}

// ForVehicle builds a single-vehicle instance over stops, in their given
// order, departing from v's current location at start.
func (b *MatrixBuilder) ForVehicle(ctx context.Context, v model.Vehicle, stops []model.Stop, start time.Time) (*Instance, error) {
	vehicles := []Vehicle{VehicleFrom(v, start)}
	m, err := b.Build(ctx, Points(vehicles, stops, b.Depot))
	if err != nil {
		return nil, err
	}
	return NewInstance(m, vehicles, stops, b.Depot)
}

// WithMatrix returns a copy of the instance over m, which must cover the
// same points. Used to plan against condition-adjusted travel times.
func (in *Instance) WithMatrix(m *Matrix) *Instance {
	cp := *in
	cp.Matrix = m
	return &cp
}
