package webhooks

import (
	"context"
	"encoding/json"
	"errors"

	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

// Target is a webhook endpoint. An empty Events list subscribes to all types.
type Target struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

func (t Target) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Publisher queues events for delivery by the Worker.
type Publisher struct {
	Store   store.Store
	Targets []Target
}

func NewPublisher(s store.Store, targets ...Target) *Publisher {
	return &Publisher{Store: s, Targets: targets}
}

func (p *Publisher) Publish(ctx context.Context, evt model.AssignmentEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range p.Targets {
		if !t.wants(evt.Type) {
			continue
		}
		if _, err := p.Store.EnqueueWebhook(ctx, evt.Type, t.URL, t.Secret, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
