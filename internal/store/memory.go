package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	orders     map[string]model.Order
	vehicles   map[string]model.Vehicle
	stopOwner  map[string]string // stop id -> vehicle id
	penalties  map[string]int    // vehicle id -> count
	deliveries map[string]*memDelivery
	delOrder   []string
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		orders:     map[string]model.Order{},
		vehicles:   map[string]model.Vehicle{},
		stopOwner:  map[string]string{},
		penalties:  map[string]int{},
		deliveries: map[string]*memDelivery{},
		now:        time.Now,
	}
}

func (m *Memory) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if _, ok := m.orders[o.ID]; ok {
		return model.Order{}, ErrExists
	}
	if o.Pickup.ID == "" {
		o.Pickup.ID = o.ID + "-pickup"
	}
	if o.Delivery.ID == "" {
		o.Delivery.ID = o.ID + "-delivery"
	}
	o.Pickup.OrderID, o.Delivery.OrderID = o.ID, o.ID
	o.Pickup.Kind, o.Delivery.Kind = model.StopPickup, model.StopDelivery
	if o.Status == "" {
		o.Status = model.OrderUnassigned
	}
	now := m.now()
	o.CreatedAt, o.UpdatedAt = now, now
	m.orders[o.ID] = o
	return o, nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

// ListOrders returns orders oldest first; an empty status lists all.
func (m *Memory) ListOrders(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Order{}
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, vehicleID string) (model.Order, error) {
	if err := model.Transition(from, to); err != nil {
		return model.Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if o.Status != from {
		return model.Order{}, fmt.Errorf("%w: order %s is %s, not %s", ErrStatusConflict, id, o.Status, from)
	}
	o.Status = to
	o.VehicleID = vehicleID
	o.UpdatedAt = m.now()
	m.orders[id] = o
	return o, nil
}

func (m *Memory) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	// the route is only ever replaced through CommitRoute
	if cur, ok := m.vehicles[v.ID]; ok {
		v.Route = cur.Route
	} else {
		v.Route = nil
	}
	v.UpdatedAt = m.now()
	m.vehicles[v.ID] = v
	return copyVehicle(v), nil
}

func (m *Memory) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	return copyVehicle(v), nil
}

func (m *Memory) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, copyVehicle(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateVehicleLocation(ctx context.Context, id string, p geo.Point, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.Location = p
	v.UpdatedAt = at
	m.vehicles[id] = v
	return nil
}

func (m *Memory) SetVehicleAvailability(ctx context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.Available = available
	m.vehicles[id] = v
	return nil
}

func (m *Memory) CommitRoute(ctx context.Context, vehicleID string, expectedVersion int, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	if routeVersion(v) != expectedVersion {
		return model.Route{}, ErrVersionConflict
	}
	if err := checkRoute(v, r); err != nil {
		return model.Route{}, err
	}
	for _, s := range r.Stops {
		if owner, ok := m.stopOwner[s.ID]; ok && owner != vehicleID {
			return model.Route{}, fmt.Errorf("%w: %s on %s", ErrDuplicateStop, s.ID, owner)
		}
	}
	return m.swapRoute(v, r), nil
}

// swapRoute must run with m.mu held.
func (m *Memory) swapRoute(v model.Vehicle, r model.Route) model.Route {
	r = r.Clone()
	r.VehicleID = v.ID
	r.Version = routeVersion(v) + 1
	if v.Route != nil {
		r.ID = v.Route.ID
		for _, s := range v.Route.Stops {
			delete(m.stopOwner, s.ID)
		}
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CommittedAt = m.now()
	for _, s := range r.Stops {
		m.stopOwner[s.ID] = v.ID
	}
	v.Route = &r
	m.vehicles[v.ID] = v
	return r.Clone()
}

func (m *Memory) CompleteStop(ctx context.Context, vehicleID, stopID string) (model.Route, model.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok || v.Route == nil {
		return model.Route{}, model.Stop{}, ErrNotFound
	}
	next, done, found := withoutStop(*v.Route, stopID)
	if !found {
		return model.Route{}, model.Stop{}, ErrNotFound
	}
	return m.swapRoute(v, next), done, nil
}

func (m *Memory) Reliability(ctx context.Context, vehicleID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[vehicleID]; !ok {
		return 0, ErrNotFound
	}
	return reliabilityFrom(m.penalties[vehicleID]), nil
}

func (m *Memory) RecordPenalty(ctx context.Context, vehicleID, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.penalties[vehicleID]++
	return nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending},
		NextAttemptAt:   m.now(),
	}
	m.delOrder = append(m.delOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []WebhookDelivery{}
	for _, id := range m.delOrder {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := m.now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = m.now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

// DeliveryStatus reports the queue state of one delivery.
func (m *Memory) DeliveryStatus(id string) (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return "", 0
	}
	return d.Status, d.Attempts
}

func copyVehicle(v model.Vehicle) model.Vehicle {
	if v.Route != nil {
		r := v.Route.Clone()
		v.Route = &r
	}
	return v
}
