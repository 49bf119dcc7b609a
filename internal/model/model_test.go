package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/geo"
)

func testOrder() Order {
	return Order{
		ID:       "o1",
		Pickup:   Stop{ID: "o1-p", OrderID: "o1", Kind: StopPickup, Location: geo.Point{Lat: 1, Lng: 1}, Demand: Demand{Weight: 5}},
		Delivery: Stop{ID: "o1-d", OrderID: "o1", Kind: StopDelivery, Location: geo.Point{Lat: 1.01, Lng: 1}},
		Status:   OrderUnassigned,
	}
}

func TestOrderValidate(t *testing.T) {
	require.NoError(t, testOrder().Validate())

	o := testOrder()
	o.Pickup.Location = geo.Point{Lat: 120}
	err := o.Validate()
	require.Error(t, err)
	assert.True(t, IsInputError(err))

	o = testOrder()
	o.Delivery.Window = TimeWindow{Earliest: time.Unix(100, 0), Latest: time.Unix(50, 0)}
	assert.True(t, IsInputError(o.Validate()))

	o = testOrder()
	o.Delivery.Kind = StopPickup
	assert.True(t, IsInputError(o.Validate()))
}

func TestVehicleValidateCapacity(t *testing.T) {
	v := Vehicle{ID: "v1", Class: VehicleInternal, Capacity: Capacity{MaxWeight: 0}}
	assert.True(t, IsInputError(v.Validate()))
	v.Capacity.MaxWeight = 10
	assert.NoError(t, v.Validate())
}

func TestCapacityFits(t *testing.T) {
	c := Capacity{MaxWeight: 10}
	assert.True(t, c.Fits(Demand{Weight: 10, Volume: 99}))
	assert.False(t, c.Fits(Demand{Weight: 10.5}))
	c.MaxVolume = 2
	assert.False(t, c.Fits(Demand{Weight: 1, Volume: 3}))
}

func TestOrderTransitions(t *testing.T) {
	assert.NoError(t, Transition(OrderUnassigned, OrderScoring))
	assert.NoError(t, Transition(OrderScoring, OrderAssigned))
	assert.NoError(t, Transition(OrderAssigned, OrderReassigned))
	assert.NoError(t, Transition(OrderReassigned, OrderScoring))
	err := Transition(OrderCompleted, OrderScoring)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.True(t, OrderReassigned.Assignable())
	assert.False(t, OrderAssigned.Assignable())
}

func TestRouteHelpers(t *testing.T) {
	o := testOrder()
	r := Route{Stops: o.Stops(), Times: []StopTime{{StopID: "o1-p", Arrival: time.Unix(10, 0)}}}
	assert.Equal(t, 5.0, r.Load().Weight)
	assert.True(t, r.Contains("o1-d"))
	eta, ok := r.ETA("o1-p")
	require.True(t, ok)
	assert.Equal(t, time.Unix(10, 0), eta)
	assert.Empty(t, r.StopsWithout("o1"))

	c := r.Clone()
	c.Stops[0].ID = "changed"
	assert.Equal(t, "o1-p", r.Stops[0].ID)
}

func TestConditionEventValidate(t *testing.T) {
	e := ConditionEvent{Kind: ConditionTraffic, Center: geo.Point{Lat: 1, Lng: 1}, RadiusM: 500, Level: 0.5}
	assert.NoError(t, e.Validate())
	e.Level = 1
	assert.True(t, IsInputError(e.Validate()))
	e.Level = 0.2
	e.Kind = "flood"
	assert.True(t, IsInputError(e.Validate()))
}
