package oracle

import (
	"context"
	"time"

	"fleetopt/internal/geo"
)

// Haversine is an offline oracle: straight-line distance at a constant speed.
// Used in tests and when no routing service is configured.
type Haversine struct {
	SpeedKph float64
}

func (h Haversine) Route(ctx context.Context, from, to geo.Point) (Leg, error) {
	if err := ctx.Err(); err != nil {
		return Leg{}, &Error{Op: "haversine", Err: err}
	}
	speed := h.SpeedKph
	if speed <= 0 {
		speed = 50
	}
	d := geo.Haversine(from, to)
	secs := d / (speed / 3.6)
	return Leg{
		DistanceM: d,
		Duration:  time.Duration(secs * float64(time.Second)),
		Path:      []geo.Point{from, to},
	}, nil
}
