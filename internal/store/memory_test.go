package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

func seedVehicle(t *testing.T, m *Memory, id string, maxWeight float64) {
	t.Helper()
	_, err := m.UpsertVehicle(context.Background(), model.Vehicle{ID: id, Location: geo.Point{Lat: 1, Lng: 1}, Capacity: model.Capacity{MaxWeight: maxWeight}, Class: model.VehicleInternal, Available: true})
	require.NoError(t, err)
}

func TestMemoryOrderLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	o, err := m.CreateOrder(ctx, model.Order{ID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderUnassigned, o.Status)
	assert.Equal(t, "o1-pickup", o.Pickup.ID)
	assert.Equal(t, model.StopDelivery, o.Delivery.Kind)

	_, err = m.CreateOrder(ctx, model.Order{ID: "o1"})
	assert.ErrorIs(t, err, ErrExists)

	o, err = m.TransitionOrder(ctx, "o1", model.OrderUnassigned, model.OrderScoring, "")
	require.NoError(t, err)
	assert.Equal(t, model.OrderScoring, o.Status)

	_, err = m.TransitionOrder(ctx, "o1", model.OrderUnassigned, model.OrderScoring, "")
	assert.ErrorIs(t, err, ErrStatusConflict)

	_, err = m.TransitionOrder(ctx, "o1", model.OrderScoring, model.OrderCompleted, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = m.TransitionOrder(ctx, "missing", model.OrderUnassigned, model.OrderScoring, "")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := m.ListOrders(ctx, model.OrderScoring)
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, _ = m.ListOrders(ctx, model.OrderUnassigned)
	assert.Empty(t, list)
}

func TestMemoryCommitRouteInvariants(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedVehicle(t, m, "v1", 5)
	seedVehicle(t, m, "v2", 5)

	r1 := model.Route{Stops: []model.Stop{{ID: "a", Demand: model.Demand{Weight: 2}}, {ID: "b"}}}
	got, err := m.CommitRoute(ctx, "v1", 0, r1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.NotEmpty(t, got.ID)

	// stale version
	_, err = m.CommitRoute(ctx, "v1", 0, r1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// stop "a" already lives on v1
	_, err = m.CommitRoute(ctx, "v2", 0, model.Route{Stops: []model.Stop{{ID: "a"}}})
	assert.ErrorIs(t, err, ErrDuplicateStop)

	_, err = m.CommitRoute(ctx, "v2", 0, model.Route{Stops: []model.Stop{{ID: "c"}, {ID: "c"}}})
	assert.ErrorIs(t, err, ErrDuplicateStop)

	_, err = m.CommitRoute(ctx, "v2", 0, model.Route{Stops: []model.Stop{{ID: "c", Demand: model.Demand{Weight: 6}}}})
	assert.ErrorIs(t, err, ErrOverCapacity)

	// moving "a" off v1 frees it for v2
	got2, err := m.CommitRoute(ctx, "v1", 1, model.Route{Stops: []model.Stop{{ID: "b"}}})
	require.NoError(t, err)
	assert.Equal(t, got.ID, got2.ID)
	assert.Equal(t, 2, got2.Version)
	_, err = m.CommitRoute(ctx, "v2", 0, model.Route{Stops: []model.Stop{{ID: "a"}}})
	require.NoError(t, err)
}

func TestMemoryRouteIsNotAliased(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedVehicle(t, m, "v1", 5)
	r := model.Route{Stops: []model.Stop{{ID: "a"}}}
	_, err := m.CommitRoute(ctx, "v1", 0, r)
	require.NoError(t, err)
	r.Stops[0].ID = "mutated"

	v, err := m.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	v.Route.Stops[0].ID = "mutated-too"
	v, _ = m.GetVehicle(ctx, "v1")
	assert.Equal(t, "a", v.Route.Stops[0].ID)

	// upserting vehicle attributes never touches the route
	_, err = m.UpsertVehicle(ctx, model.Vehicle{ID: "v1", Capacity: model.Capacity{MaxWeight: 9}, Class: model.VehicleContracted})
	require.NoError(t, err)
	v, _ = m.GetVehicle(ctx, "v1")
	require.NotNil(t, v.Route)
	assert.Equal(t, 1, v.Route.Version)
}

func TestMemoryCompleteStop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedVehicle(t, m, "v1", 5)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err := m.CommitRoute(ctx, "v1", 0, model.Route{
		Stops: []model.Stop{{ID: "a"}, {ID: "b"}},
		Times: []model.StopTime{{StopID: "a", Arrival: t0}, {StopID: "b", Arrival: t0.Add(time.Hour)}},
	})
	require.NoError(t, err)

	r, done, err := m.CompleteStop(ctx, "v1", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", done.ID)
	require.Len(t, r.Stops, 1)
	assert.Equal(t, "b", r.Stops[0].ID)
	assert.Equal(t, 2, r.Version)
	assert.Equal(t, t0.Add(time.Hour), r.StartAt)

	_, _, err = m.CompleteStop(ctx, "v1", "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// a completed stop no longer blocks other vehicles
	seedVehicle(t, m, "v2", 5)
	_, err = m.CommitRoute(ctx, "v2", 0, model.Route{Stops: []model.Stop{{ID: "a"}}})
	assert.NoError(t, err)
}

func TestMemoryReliabilityAndVehicles(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedVehicle(t, m, "v1", 5)

	r, err := m.Reliability(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, r)
	require.NoError(t, m.RecordPenalty(ctx, "v1", "o1", "driver cancel"))
	r, _ = m.Reliability(ctx, "v1")
	assert.InDelta(t, 0.95, r, 1e-9)

	require.NoError(t, m.SetVehicleAvailability(ctx, "v1", false))
	at := time.Now()
	require.NoError(t, m.UpdateVehicleLocation(ctx, "v1", geo.Point{Lat: 2, Lng: 3}, at))
	v, _ := m.GetVehicle(ctx, "v1")
	assert.False(t, v.Available)
	assert.Equal(t, geo.Point{Lat: 2, Lng: 3}, v.Location)
	assert.ErrorIs(t, m.UpdateVehicleLocation(ctx, "nope", geo.Point{}, at), ErrNotFound)
}

func TestMemoryWebhookQueue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.EnqueueWebhook(ctx, model.EventOrderAssigned, "http://x", "s", []byte(`{}`))
	require.NoError(t, err)

	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	require.Len(t, due, 1)

	later := time.Now().Add(time.Hour)
	require.NoError(t, m.MarkWebhookDelivery(ctx, id, false, &later, "boom", 500, 3))
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	assert.Empty(t, due)
	status, attempts := m.DeliveryStatus(id)
	assert.Equal(t, DeliveryRetry, status)
	assert.Equal(t, 1, attempts)
}
