package notify

import (
	"context"
	"sync"

	"fleetopt/internal/model"
)

// AllTopic receives every event regardless of vehicle.
const AllTopic = "*"

// Broker fans events out to live subscribers keyed by vehicle id.
type Broker interface {
	Publisher
	Subscribe(topic string) chan model.AssignmentEvent
	Unsubscribe(topic string, ch chan model.AssignmentEvent)
}

// MemoryBroker is the in-process Broker. Slow subscribers miss events rather
// than block publishers.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.AssignmentEvent]struct{} // topic -> set of channels
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[chan model.AssignmentEvent]struct{}{}}
}

func (b *MemoryBroker) Subscribe(topic string) chan model.AssignmentEvent {
	ch := make(chan model.AssignmentEvent, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan model.AssignmentEvent]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MemoryBroker) Unsubscribe(topic string, ch chan model.AssignmentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *MemoryBroker) Publish(_ context.Context, evt model.AssignmentEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topicsFor(evt) {
		for ch := range b.subs[topic] {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	return nil
}

func topicsFor(evt model.AssignmentEvent) []string {
	if evt.VehicleID == "" {
		return []string{AllTopic}
	}
	return []string{evt.VehicleID, AllTopic}
}
