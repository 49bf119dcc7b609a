// Package notify delivers assignment and route-change events to the
// notification collaborators: in-process and Redis subscribers, a RabbitMQ
// exchange and webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, evt model.AssignmentEvent) error
}

// PublisherFunc lets a plain function act as a Publisher.
type PublisherFunc func(ctx context.Context, evt model.AssignmentEvent) error

func (f PublisherFunc) Publish(ctx context.Context, evt model.AssignmentEvent) error { return f(ctx, evt) }

// Sink is a named Publisher; the name labels its metrics.
type Sink struct {
	Name string
	Publisher
}

// Fanout publishes every event to all sinks. A failing sink does not stop
// the others; their errors are joined.
type Fanout struct {
	Sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout { return &Fanout{Sinks: sinks} }

func (f *Fanout) Add(name string, p Publisher) { f.Sinks = append(f.Sinks, Sink{Name: name, Publisher: p}) }

func (f *Fanout) Publish(ctx context.Context, evt model.AssignmentEvent) error {
	evt = Stamp(evt)
	var errs []error
	for _, s := range f.Sinks {
		start := time.Now()
		err := s.Publish(ctx, evt)
		status := "ok"
		if err != nil {
			status = "error"
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			log.Printf("op=notify sink=%s type=%s order=%s err=%v", s.Name, evt.Type, evt.OrderID, err)
		}
		metrics.Notifications.WithLabelValues(s.Name, status).Inc()
		metrics.NotificationLatency.WithLabelValues(s.Name, status).Observe(float64(time.Since(start).Milliseconds()))
	}
	return errors.Join(errs...)
}

// Stamp fills the event id and timestamp when absent.
func Stamp(evt model.AssignmentEvent) model.AssignmentEvent {
	if evt.ID == "" {
		evt.ID = "evt_" + uuid.NewString()
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	return evt
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, model.AssignmentEvent) error { return nil })
