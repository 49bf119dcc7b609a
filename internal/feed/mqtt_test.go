package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
	"fleetopt/internal/reopt"
)

type fakeLocations struct {
	id  string
	p   geo.Point
	at  time.Time
	err error
}

func (f *fakeLocations) UpdateVehicleLocation(_ context.Context, id string, p geo.Point, at time.Time) error {
	f.id, f.p, f.at = id, p, at
	return f.err
}

type fakeTrigger struct {
	got []model.ConditionEvent
}

func (f *fakeTrigger) Trigger(_ context.Context, e model.ConditionEvent) (model.ConditionEvent, []reopt.Result, error) {
	f.got = append(f.got, e)
	return e, nil, nil
}

type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (f *fakeMQTTMessage) Duplicate() bool   { return false }
func (f *fakeMQTTMessage) Qos() byte         { return 1 }
func (f *fakeMQTTMessage) Retained() bool    { return false }
func (f *fakeMQTTMessage) Topic() string     { return f.topic }
func (f *fakeMQTTMessage) MessageID() uint16 { return 0 }
func (f *fakeMQTTMessage) Payload() []byte   { return f.payload }
func (f *fakeMQTTMessage) Ack()              {}

func message(t *testing.T, topic string, v any) *fakeMQTTMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeMQTTMessage{topic: topic, payload: b}
}

func TestLocationMessageUpdatesStore(t *testing.T) {
	locs := &fakeLocations{}
	s := &Subscriber{locations: locs, conditions: &fakeTrigger{}}

	s.route(nil, message(t, "fleet/vehicle/van-7/location", locationMessage{Latitude: -6.2088, Longitude: 106.8456, Timestamp: 1715003456}))

	if locs.id != "van-7" {
		t.Fatalf("expected van-7, got %q", locs.id)
	}
	if locs.p != (geo.Point{Lat: -6.2088, Lng: 106.8456}) {
		t.Errorf("unexpected point %+v", locs.p)
	}
	if !locs.at.Equal(time.Unix(1715003456, 0)) {
		t.Errorf("unexpected time %v", locs.at)
	}
}

func TestLocationMessageRejected(t *testing.T) {
	cases := map[string]*fakeMQTTMessage{
		"bad json":     {topic: "fleet/vehicle/van-7/location", payload: []byte("{")},
		"bad latitude": message(t, "fleet/vehicle/van-7/location", locationMessage{Latitude: 91, Longitude: 1, Timestamp: 1}),
		"no timestamp": message(t, "fleet/vehicle/van-7/location", locationMessage{Latitude: 1, Longitude: 1}),
		"bad topic":    message(t, "fleet/vehicle/location", locationMessage{Latitude: 1, Longitude: 1, Timestamp: 1}),
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			locs := &fakeLocations{}
			s := &Subscriber{locations: locs, conditions: &fakeTrigger{}}
			s.route(nil, msg)
			if locs.id != "" {
				t.Fatalf("store should not be called, got %q", locs.id)
			}
		})
	}
}

func TestLocationStoreErrorIsLogged(t *testing.T) {
	locs := &fakeLocations{err: errors.New("db down")}
	s := &Subscriber{locations: locs, conditions: &fakeTrigger{}}
	s.route(nil, message(t, "fleet/vehicle/van-7/location", locationMessage{Latitude: 1, Longitude: 1, Timestamp: 1}))
	if locs.id != "van-7" {
		t.Fatal("expected the store to be called")
	}
}

func TestConditionMessagesTrigger(t *testing.T) {
	trig := &fakeTrigger{}
	s := &Subscriber{locations: &fakeLocations{}, conditions: trig}

	s.route(nil, message(t, TopicTraffic, conditionMessage{ID: "jam-1", Latitude: 1, Longitude: 2, RadiusM: 800, Level: 0.5, Timestamp: 1715003456, TTLSec: 600}))
	s.route(nil, message(t, TopicWeather, conditionMessage{Latitude: 1, Longitude: 2, RadiusM: 5000, Level: 0.3}))

	if len(trig.got) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(trig.got))
	}
	traffic := trig.got[0]
	if traffic.Kind != model.ConditionTraffic || traffic.ID != "jam-1" || traffic.Level != 0.5 || traffic.RadiusM != 800 {
		t.Errorf("unexpected traffic event %+v", traffic)
	}
	if want := time.Unix(1715003456, 0).Add(10 * time.Minute); !traffic.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, traffic.ExpiresAt)
	}
	weather := trig.got[1]
	if weather.Kind != model.ConditionWeather || !weather.ObservedAt.IsZero() {
		t.Errorf("unexpected weather event %+v", weather)
	}
}

func TestVehicleFromTopic(t *testing.T) {
	if id, ok := vehicleFromTopic("fleet/vehicle/abc/location"); !ok || id != "abc" {
		t.Errorf("got %q %v", id, ok)
	}
	if _, ok := vehicleFromTopic("fleet/vehicle//location"); ok {
		t.Error("empty id accepted")
	}
}
