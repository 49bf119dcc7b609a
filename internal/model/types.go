package model

import (
	"time"

	"fleetopt/internal/geo"
)

// Core domain types shared by the optimizer, dispatcher and store.

type StopKind string

const (
	StopPickup   StopKind = "pickup"
	StopDelivery StopKind = "delivery"
)

// TimeWindow bounds the service start at a stop. A zero bound is open.
type TimeWindow struct {
	Earliest time.Time `json:"earliest,omitempty"`
	Latest   time.Time `json:"latest,omitempty"`
}

type Demand struct {
	Weight float64 `json:"weight"`
	Volume float64 `json:"volume,omitempty"`
}

func (d Demand) Add(o Demand) Demand {
	return Demand{Weight: d.Weight + o.Weight, Volume: d.Volume + o.Volume}
}

func (d Demand) Positive() bool { return d.Weight > 0 || d.Volume > 0 }

// Stop is immutable once created; a changed order produces new stops.
type Stop struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	Kind       StopKind   `json:"kind"`
	Location   geo.Point  `json:"location"`
	Window     TimeWindow `json:"window"`
	ServiceSec int        `json:"serviceSec,omitempty"`
	Demand     Demand     `json:"demand"`
	Priority   int        `json:"priority,omitempty"`
}

func (s Stop) Service() time.Duration { return time.Duration(s.ServiceSec) * time.Second }

// Capacity of a vehicle. MaxVolume of zero leaves volume unconstrained.
type Capacity struct {
	MaxWeight float64 `json:"maxWeight"`
	MaxVolume float64 `json:"maxVolume,omitempty"`
}

// Fits reports whether load stays within the capacity on every axis.
func (c Capacity) Fits(load Demand) bool {
	if load.Weight > c.MaxWeight {
		return false
	}
	if c.MaxVolume > 0 && load.Volume > c.MaxVolume {
		return false
	}
	return true
}

type VehicleClass string

const (
	VehicleInternal   VehicleClass = "internal"
	VehicleContracted VehicleClass = "contracted"
)

type Vehicle struct {
	ID        string       `json:"id"`
	Location  geo.Point    `json:"location"`
	Capacity  Capacity     `json:"capacity"`
	Class     VehicleClass `json:"class"`
	Available bool         `json:"available"`
	Route     *Route       `json:"route,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt,omitempty"`
}

// Load is the demand of the vehicle's current route.
func (v Vehicle) Load() Demand {
	if v.Route == nil {
		return Demand{}
	}
	return v.Route.Load()
}

// StopTime is the computed schedule of one stop.
type StopTime struct {
	StopID       string    `json:"stopId"`
	Arrival      time.Time `json:"arrival"`
	ServiceStart time.Time `json:"serviceStart"`
	Departure    time.Time `json:"departure"`
}

// Route is replaced as a whole on commit; callers never patch a live value.
type Route struct {
	ID          string     `json:"id"`
	VehicleID   string     `json:"vehicleId"`
	Version     int        `json:"version"`
	Stops       []Stop     `json:"stops"`
	Times       []StopTime `json:"times"`
	DistanceM   float64    `json:"distanceM"`
	StartAt     time.Time  `json:"startAt"`
	EndAt       time.Time  `json:"endAt"`
	CommittedAt time.Time  `json:"committedAt,omitempty"`
}

func (r Route) Duration() time.Duration { return r.EndAt.Sub(r.StartAt) }

func (r Route) Load() Demand {
	var d Demand
	for _, s := range r.Stops {
		d = d.Add(s.Demand)
	}
	return d
}

func (r Route) Contains(stopID string) bool {
	for _, s := range r.Stops {
		if s.ID == stopID {
			return true
		}
	}
	return false
}

// ETA returns the computed arrival at stopID.
func (r Route) ETA(stopID string) (time.Time, bool) {
	for _, t := range r.Times {
		if t.StopID == stopID {
			return t.Arrival, true
		}
	}
	return time.Time{}, false
}

// StopsWithout returns a copy of the route's stops minus the given order.
func (r Route) StopsWithout(orderID string) []Stop {
	out := make([]Stop, 0, len(r.Stops))
	for _, s := range r.Stops {
		if s.OrderID != orderID {
			out = append(out, s)
		}
	}
	return out
}

// Clone deep-copies the slices so the result can be handed to another goroutine.
func (r Route) Clone() Route {
	r.Stops = append([]Stop(nil), r.Stops...)
	r.Times = append([]StopTime(nil), r.Times...)
	return r
}

type Order struct {
	ID        string      `json:"id"`
	Pickup    Stop        `json:"pickup"`
	Delivery  Stop        `json:"delivery"`
	Priority  int         `json:"priority,omitempty"`
	Status    OrderStatus `json:"status"`
	VehicleID string      `json:"vehicleId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Demand carried by the order; it rides on the pickup stop.
func (o Order) Demand() Demand { return o.Pickup.Demand.Add(o.Delivery.Demand) }

func (o Order) Stops() []Stop { return []Stop{o.Pickup, o.Delivery} }

type ConditionKind string

const (
	ConditionTraffic ConditionKind = "traffic"
	ConditionWeather ConditionKind = "weather"
)

// ConditionEvent is a traffic-congestion or weather-severity observation
// affecting every leg with an endpoint inside the radius.
type ConditionEvent struct {
	ID         string        `json:"id"`
	Kind       ConditionKind `json:"kind"`
	Center     geo.Point     `json:"center"`
	RadiusM    float64       `json:"radiusM"`
	Level      float64       `json:"level"`
	ObservedAt time.Time     `json:"observedAt"`
	ExpiresAt  time.Time     `json:"expiresAt,omitempty"`
}

// AssignmentEvent is what the notification collaborator receives.
type AssignmentEvent struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	OrderID          string    `json:"orderId,omitempty"`
	VehicleID        string    `json:"vehicleId,omitempty"`
	StopID           string    `json:"stopId,omitempty"`
	EstimatedArrival time.Time `json:"estimatedArrival,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	TS               time.Time `json:"ts"`
}

const (
	EventOrderAssigned     = "order.assigned"
	EventOrderReassigned   = "order.reassigned"
	EventRouteChanged      = "route.changed"
	EventOrderUnassignable = "order.unassignable"
	EventSystemAlert       = "system.alert"
)
