package opt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2026-03-02 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

// twoStopInstance: vehicle -> A takes 5 min, A -> B takes 15 min.
func twoStopInstance(t *testing.T, bLatest string) *Instance {
	t.Helper()
	stops := []model.Stop{
		{ID: "A", Location: geo.Point{Lat: 1, Lng: 1}, Window: model.TimeWindow{Earliest: at("09:00"), Latest: at("09:30")}, ServiceSec: 600, Demand: model.Demand{Weight: 1}},
		{ID: "B", Location: geo.Point{Lat: 1, Lng: 2}, Window: model.TimeWindow{Earliest: at("09:40"), Latest: at(bLatest)}, ServiceSec: 300, Demand: model.Demand{Weight: 1}},
	}
	vehicles := []Vehicle{{ID: "v1", Location: geo.Point{Lat: 1, Lng: 0}, Capacity: model.Capacity{MaxWeight: 10}, Start: at("08:50")}}
	m := NewMatrix(Points(vehicles, stops, nil))
	m.Set(0, 1, 4000, 5*time.Minute)
	m.Set(0, 2, 9000, 20*time.Minute)
	m.Set(1, 2, 6000, 15*time.Minute)
	m.Set(2, 1, 6000, 15*time.Minute)
	in, err := NewInstance(m, vehicles, stops, nil)
	require.NoError(t, err)
	return in
}

func TestCheckWaitsForWindow(t *testing.T) {
	in := twoStopInstance(t, "10:10")
	s := in.Check(0, []int{0, 1})
	require.True(t, s.Feasible)
	require.Len(t, s.Times, 2)

	a, b := s.Times[0], s.Times[1]
	assert.Equal(t, at("08:55"), a.Arrival)
	assert.Equal(t, at("09:00"), a.ServiceStart)
	assert.Equal(t, at("09:10"), a.Departure)
	assert.Equal(t, at("09:25"), b.Arrival)
	assert.Equal(t, at("09:40"), b.ServiceStart)
	assert.Equal(t, at("09:45"), s.End)
	assert.Equal(t, 55*time.Minute, s.Duration())
	assert.InDelta(t, 10000, s.DistanceM, 1e-9)
	assert.Equal(t, -1, s.FailedAt)
}

func TestCheckFailsLateArrival(t *testing.T) {
	in := twoStopInstance(t, "10:10")
	// B first: arrival 09:10 is fine, then A at 09:55 is past 09:30.
	s := in.Check(0, []int{1, 0})
	assert.False(t, s.Feasible)
	assert.Equal(t, 1, s.FailedAt)
	assert.Equal(t, ReasonLate, s.Reason)
	assert.Nil(t, s.Times)
}

func TestCheckIsDeterministic(t *testing.T) {
	in := twoStopInstance(t, "10:10")
	first := in.Check(0, []int{0, 1})
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, in.Check(0, []int{0, 1}))
	}
}

func TestCheckCapacity(t *testing.T) {
	in := twoStopInstance(t, "10:10")
	in.Vehicles[0].Capacity = model.Capacity{MaxWeight: 1.5}
	s := in.Check(0, []int{0, 1})
	assert.False(t, s.Feasible)
	assert.Equal(t, ReasonCapacity, s.Reason)
	assert.Equal(t, 1, s.FailedAt)

	in.Vehicles[0].Capacity = model.Capacity{MaxWeight: 10, MaxVolume: 1}
	in.Stops[0].Demand.Volume = 2
	assert.Equal(t, ReasonCapacity, in.Check(0, []int{0}).Reason)
}

func TestCheckPrecedence(t *testing.T) {
	stops := []model.Stop{
		{ID: "p", OrderID: "o1", Kind: model.StopPickup, Location: geo.Point{Lat: 0, Lng: 0.01}, Demand: model.Demand{Weight: 2}},
		{ID: "d", OrderID: "o1", Kind: model.StopDelivery, Location: geo.Point{Lat: 0, Lng: 0.02}},
	}
	in := mockInstance(t, []geo.Point{{}}, stops, 10)

	assert.True(t, in.Check(0, []int{0, 1}).Feasible)
	s := in.Check(0, []int{1, 0})
	assert.False(t, s.Feasible)
	assert.Equal(t, ReasonPrecedence, s.Reason)
	assert.Equal(t, 0, s.FailedAt)

	// a delivery whose pickup already happened stands alone
	assert.True(t, in.Check(0, []int{1}).Feasible)
}
