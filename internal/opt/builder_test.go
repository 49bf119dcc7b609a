package opt

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
	"fleetopt/internal/testutil"
)

func mockInstance(t *testing.T, vehicleAt []geo.Point, stops []model.Stop, maxWeight float64) *Instance {
	t.Helper()
	vehicles := make([]Vehicle, len(vehicleAt))
	for i, p := range vehicleAt {
		vehicles[i] = Vehicle{ID: fmt.Sprintf("v%d", i+1), Location: p, Capacity: model.Capacity{MaxWeight: maxWeight}, Start: at("08:00")}
	}
	b := &MatrixBuilder{Oracle: testutil.NewMockOracle()}
	m, err := b.Build(context.Background(), Points(vehicles, stops, nil))
	require.NoError(t, err)
	in, err := NewInstance(m, vehicles, stops, nil)
	require.NoError(t, err)
	return in
}

func drop(id string, p geo.Point) model.Stop {
	return model.Stop{ID: id, OrderID: "o-" + id, Kind: model.StopDelivery, Location: p}
}

func TestSavingsOrder(t *testing.T) {
	stops := []model.Stop{
		drop("s0", geo.Point{Lat: 0.01, Lng: 0}),
		drop("s1", geo.Point{Lat: 0, Lng: 0.01}),
		drop("s2", geo.Point{Lat: 0.1, Lng: 0.1}),
		drop("s3", geo.Point{Lat: 0.1, Lng: 0.11}),
	}
	in := mockInstance(t, []geo.Point{{}}, stops, 100)

	sv := in.Savings()
	require.Len(t, sv, 12)
	assert.Equal(t, 2, sv[0].I)
	assert.Equal(t, 3, sv[0].J)
	assert.Equal(t, 3, sv[1].I)
	assert.Equal(t, 2, sv[1].J)
	for i := 1; i < len(sv); i++ {
		assert.GreaterOrEqual(t, sv[i-1].Value, sv[i].Value)
	}

	// the top pair is joined before anything else, so it stays adjacent
	var found bool
	for _, c := range in.construct() {
		for i := 0; i+1 < len(c.nodes); i++ {
			if c.nodes[i] == 2 && c.nodes[i+1] == 3 {
				found = true
			}
		}
	}
	assert.True(t, found, "stops 2 and 3 should share a chain")
}

func TestSavingsRespectsCapacity(t *testing.T) {
	stops := []model.Stop{
		drop("s0", geo.Point{Lat: 0.1, Lng: 0.1}),
		drop("s1", geo.Point{Lat: 0.1, Lng: 0.11}),
	}
	stops[0].Demand.Weight = 6
	stops[1].Demand.Weight = 6
	in := mockInstance(t, []geo.Point{{}, {Lat: 0.2}}, stops, 10)

	plan := Builder{}.Build(in)
	require.Empty(t, plan.Unassigned)
	require.Len(t, plan.Routes, 2)
	for _, r := range plan.Routes {
		assert.Len(t, r.Seq, 1)
		assert.True(t, in.Vehicles[r.Vehicle].Capacity.Fits(in.Load(r.Seq)))
	}
}

func pdStops(n int, rng *rand.Rand) []model.Stop {
	var stops []model.Stop
	for i := 0; i < n; i++ {
		oid := fmt.Sprintf("o%d", i)
		stops = append(stops,
			model.Stop{ID: oid + "-p", OrderID: oid, Kind: model.StopPickup, Location: geo.Point{Lat: rng.Float64() * 0.1, Lng: rng.Float64() * 0.1}, Demand: model.Demand{Weight: 4}, ServiceSec: 120},
			model.Stop{ID: oid + "-d", OrderID: oid, Kind: model.StopDelivery, Location: geo.Point{Lat: rng.Float64() * 0.1, Lng: rng.Float64() * 0.1}, ServiceSec: 60},
		)
	}
	return stops
}

func TestBuildPlacesEveryStopOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	stops := pdStops(5, rng)
	in := mockInstance(t, []geo.Point{{}, {Lat: 0.1, Lng: 0.1}}, stops, 12)

	plan := Builder{}.Build(in)
	require.Empty(t, plan.Unassigned)

	var seen []int
	for _, r := range plan.Routes {
		require.True(t, r.Schedule.Feasible)
		assert.Equal(t, r.Schedule, in.Check(r.Vehicle, r.Seq))
		assert.LessOrEqual(t, in.Load(r.Seq).Weight, 12.0)
		pos := map[string]int{}
		for i, k := range r.Seq {
			pos[in.Stops[k].ID] = i
		}
		for i := 0; i < 5; i++ {
			oid := fmt.Sprintf("o%d", i)
			p, okp := pos[oid+"-p"]
			d, okd := pos[oid+"-d"]
			assert.Equal(t, okp, okd, "order %s split across vehicles", oid)
			if okp {
				assert.Less(t, p, d)
			}
		}
		seen = append(seen, r.Seq...)
	}
	sort.Ints(seen)
	assert.Equal(t, in.Identity(), seen)
}

func TestBuildReportsUnassignable(t *testing.T) {
	stops := []model.Stop{
		drop("ok", geo.Point{Lat: 0.01}),
		drop("late", geo.Point{Lat: 0.5}),
		drop("heavy", geo.Point{Lat: 0.02}),
	}
	// 55 km away; cannot be reached within 10 minutes of the 08:00 start
	stops[1].Window = model.TimeWindow{Latest: at("08:10")}
	stops[2].Demand.Weight = 50
	in := mockInstance(t, []geo.Point{{}}, stops, 10)

	plan := Builder{}.Build(in)
	assert.Equal(t, []int{1, 2}, plan.Unassigned)
	require.Len(t, plan.Routes, 1)
	assert.Equal(t, []int{0}, plan.Routes[0].Seq)
}

func TestImproveMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var stops []model.Stop
	for i := 0; i < 9; i++ {
		stops = append(stops, drop(fmt.Sprintf("s%d", i), geo.Point{Lat: rng.Float64() * 0.1, Lng: rng.Float64() * 0.1}))
	}
	in := mockInstance(t, []geo.Point{{}}, stops, 100)
	seq := in.Identity()
	before := in.PathDistance(0, seq)

	for _, iters := range []int{1, 2, 5, 50} {
		got, sch := in.Improve2Opt(0, seq, iters)
		require.True(t, sch.Feasible)
		assert.LessOrEqual(t, in.PathDistance(0, got), before+1e-9)
		assert.ElementsMatch(t, seq, got)
	}
	one, _ := in.Improve2Opt(0, seq, 1)
	many, _ := in.Improve2Opt(0, seq, 50)
	assert.LessOrEqual(t, in.PathDistance(0, many), in.PathDistance(0, one)+1e-9)
}

func TestImproveKeepsWindows(t *testing.T) {
	stops := []model.Stop{
		drop("far", geo.Point{Lat: 0.02}),
		drop("near", geo.Point{Lat: 0.01}),
	}
	stops[0].Window = model.TimeWindow{Latest: at("08:04")}
	stops[1].ServiceSec = 300
	in := mockInstance(t, []geo.Point{{}}, stops, 100)

	// [near, far] is shorter but reaches far after 08:04
	got, sch := in.Improve2Opt(0, []int{0, 1}, 10)
	assert.Equal(t, []int{0, 1}, got)
	assert.True(t, sch.Feasible)
}

func TestMergeInsertsPickupBeforeDelivery(t *testing.T) {
	stops := []model.Stop{
		drop("a", geo.Point{Lat: 0.01}),
		drop("b", geo.Point{Lat: 0.03}),
		{ID: "p", OrderID: "o", Kind: model.StopPickup, Location: geo.Point{Lat: 0.02}, Demand: model.Demand{Weight: 1}},
		{ID: "d", OrderID: "o", Kind: model.StopDelivery, Location: geo.Point{Lat: 0.05}},
	}
	in := mockInstance(t, []geo.Point{{}}, stops, 5)

	seq, sch, err := Builder{}.Merge(in, 0, []int{0, 1}, []int{2, 3})
	require.NoError(t, err)
	require.True(t, sch.Feasible)
	assert.Equal(t, []int{0, 2, 1, 3}, seq)

	in.Vehicles[0].Capacity.MaxWeight = 0.5
	_, _, err = Builder{}.Merge(in, 0, []int{0, 1}, []int{2, 3})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestRouteFromPlan(t *testing.T) {
	in := twoStopInstance(t, "10:10")
	sch := in.Check(0, []int{0, 1})
	r := in.Route(0, []int{0, 1}, sch)
	assert.Equal(t, "v1", r.VehicleID)
	assert.Equal(t, []string{"A", "B"}, []string{r.Stops[0].ID, r.Stops[1].ID})
	assert.Equal(t, 55*time.Minute, r.Duration())
	eta, ok := r.ETA("B")
	assert.True(t, ok)
	assert.Equal(t, at("09:25"), eta)
}

func TestCostAndImprovement(t *testing.T) {
	s := Schedule{Start: at("08:00"), End: at("09:00"), DistanceM: 20000}
	assert.InDelta(t, 0.7*60+0.3*20, DefaultCostWeights.Cost(s), 1e-9)
	assert.InDelta(t, 0.25, Improvement(100, 75), 1e-9)
	assert.Zero(t, Improvement(0, 10))
}
