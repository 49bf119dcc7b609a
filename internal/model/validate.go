package model

import (
	"errors"
	"fmt"
)

// InputError reports malformed stop, order, vehicle or event data. It is
// raised before any optimization work starts.
type InputError struct {
	Field string
	Msg   string
}

func (e *InputError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg) }

// IsInputError reports whether err carries an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

func inputErr(field, format string, args ...any) error {
	return &InputError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func (s Stop) Validate() error {
	if s.ID == "" {
		return inputErr("stop.id", "required")
	}
	if !s.Location.Valid() {
		return inputErr("stop.location", "coordinate out of range for %s", s.ID)
	}
	if s.ServiceSec < 0 {
		return inputErr("stop.serviceSec", "must be >= 0")
	}
	if s.Demand.Weight < 0 || s.Demand.Volume < 0 {
		return inputErr("stop.demand", "must be >= 0")
	}
	w := s.Window
	if !w.Earliest.IsZero() && !w.Latest.IsZero() && w.Latest.Before(w.Earliest) {
		return inputErr("stop.window", "latest before earliest for %s", s.ID)
	}
	return nil
}

func (o Order) Validate() error {
	if o.ID == "" {
		return inputErr("order.id", "required")
	}
	if o.Pickup.Kind != StopPickup {
		return inputErr("order.pickup.kind", "must be %q", StopPickup)
	}
	if o.Delivery.Kind != StopDelivery {
		return inputErr("order.delivery.kind", "must be %q", StopDelivery)
	}
	for _, s := range o.Stops() {
		if s.OrderID != o.ID {
			return inputErr("stop.orderId", "stop %s does not reference order %s", s.ID, o.ID)
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if o.Pickup.ID == o.Delivery.ID {
		return inputErr("order.stops", "pickup and delivery share id %s", o.Pickup.ID)
	}
	return nil
}

func (v Vehicle) Validate() error {
	if v.ID == "" {
		return inputErr("vehicle.id", "required")
	}
	if !v.Location.Valid() {
		return inputErr("vehicle.location", "coordinate out of range for %s", v.ID)
	}
	if v.Capacity.MaxWeight <= 0 {
		return inputErr("vehicle.capacity.maxWeight", "must be > 0")
	}
	if v.Capacity.MaxVolume < 0 {
		return inputErr("vehicle.capacity.maxVolume", "must be >= 0")
	}
	switch v.Class {
	case VehicleInternal, VehicleContracted:
	default:
		return inputErr("vehicle.class", "unknown class %q", v.Class)
	}
	return nil
}

func (e ConditionEvent) Validate() error {
	switch e.Kind {
	case ConditionTraffic, ConditionWeather:
	default:
		return inputErr("event.kind", "unknown kind %q", e.Kind)
	}
	if !e.Center.Valid() {
		return inputErr("event.center", "coordinate out of range")
	}
	if e.RadiusM <= 0 {
		return inputErr("event.radiusM", "must be > 0")
	}
	if e.Level < 0 || e.Level >= 1 {
		return inputErr("event.level", "must be in [0,1)")
	}
	return nil
}
