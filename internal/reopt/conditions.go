package reopt

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

// Conditions remembers active traffic and weather observations until they
// expire. An event with the same ID replaces the earlier one.
type Conditions struct {
	TTL time.Duration

	mu     sync.Mutex
	events map[string]model.ConditionEvent
	now    func() time.Time
}

func NewConditions(ttl time.Duration) *Conditions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Conditions{TTL: ttl, events: map[string]model.ConditionEvent{}, now: time.Now}
}

// Add stores e, filling in ID, ObservedAt and ExpiresAt when absent.
func (c *Conditions) Add(e model.ConditionEvent) model.ConditionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ObservedAt.IsZero() {
		e.ObservedAt = c.now()
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.ObservedAt.Add(c.TTL)
	}
	c.events[e.ID] = e
	return e
}

// Active prunes expired events and returns the rest ordered by observation time.
func (c *Conditions) Active() []model.ConditionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]model.ConditionEvent, 0, len(c.events))
	for id, e := range c.events {
		if !now.Before(e.ExpiresAt) {
			delete(c.events, id)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Multipliers for a single event at its level.
func Multipliers(e model.ConditionEvent) (distF, durF float64) {
	switch e.Kind {
	case model.ConditionTraffic:
		return 1, 1 / (1 - e.Level)
	case model.ConditionWeather:
		return 1 + 0.2*e.Level, 1 + 0.5*e.Level
	}
	return 1, 1
}

// Factors builds the leg adjustment for a set of events. A leg is affected
// when either endpoint lies inside an event's radius. Per kind the strongest
// affecting event wins; traffic and weather then compound.
func Factors(events []model.ConditionEvent) func(from, to geo.Point) (float64, float64) {
	return func(from, to geo.Point) (float64, float64) {
		strongest := map[model.ConditionKind]float64{}
		for _, e := range events {
			if !geo.Within(e.Center, e.RadiusM, from) && !geo.Within(e.Center, e.RadiusM, to) {
				continue
			}
			if lvl, ok := strongest[e.Kind]; !ok || e.Level > lvl {
				strongest[e.Kind] = e.Level
			}
		}
		distF, durF := 1.0, 1.0
		for kind, lvl := range strongest {
			d, t := Multipliers(model.ConditionEvent{Kind: kind, Level: lvl})
			distF *= d
			durF *= t
		}
		return distF, durF
	}
}

// Affects reports whether e covers the vehicle's position or any of its
// remaining stops.
func Affects(e model.ConditionEvent, v model.Vehicle) bool {
	if geo.Within(e.Center, e.RadiusM, v.Location) {
		return true
	}
	if v.Route == nil {
		return false
	}
	for _, s := range v.Route.Stops {
		if geo.Within(e.Center, e.RadiusM, s.Location) {
			return true
		}
	}
	return false
}
