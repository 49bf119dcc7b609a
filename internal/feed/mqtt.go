// Package feed consumes the external event feed: traffic and weather
// condition updates and vehicle positions arriving over MQTT.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
	"fleetopt/internal/reopt"
)

const (
	TopicTraffic  = "fleet/conditions/traffic"
	TopicWeather  = "fleet/conditions/weather"
	TopicLocation = "fleet/vehicle/+/location"
)

func NewMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

type locationStore interface {
	UpdateVehicleLocation(ctx context.Context, id string, p geo.Point, at time.Time) error
}

type conditionTrigger interface {
	Trigger(ctx context.Context, e model.ConditionEvent) (model.ConditionEvent, []reopt.Result, error)
}

type locationMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

type conditionMessage struct {
	ID        string  `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusM   float64 `json:"radius_m"`
	Level     float64 `json:"level"`
	Timestamp int64   `json:"timestamp"`
	TTLSec    int64   `json:"ttl_sec"`
}

// Subscriber routes feed messages to the store and the reoptimization
// controller. Handlers run on the MQTT client's goroutines, so each one
// bounds its own work with Timeout.
type Subscriber struct {
	client     mqtt.Client
	locations  locationStore
	conditions conditionTrigger
	Timeout    time.Duration
}

func NewSubscriber(client mqtt.Client, locations locationStore, conditions conditionTrigger) *Subscriber {
	return &Subscriber{client: client, locations: locations, conditions: conditions, Timeout: 30 * time.Second}
}

func (s *Subscriber) Start() error {
	token := s.client.SubscribeMultiple(map[string]byte{
		TopicTraffic:  1,
		TopicWeather:  1,
		TopicLocation: 1,
	}, s.route)
	token.Wait()
	return token.Error()
}

func (s *Subscriber) Stop() {
	if token := s.client.Unsubscribe(TopicTraffic, TopicWeather, TopicLocation); token.Wait() && token.Error() != nil {
		log.Printf("op=feed.unsubscribe err=%v", token.Error())
	}
}

func (s *Subscriber) route(c mqtt.Client, msg mqtt.Message) {
	switch msg.Topic() {
	case TopicTraffic:
		s.handleCondition(model.ConditionTraffic, msg)
	case TopicWeather:
		s.handleCondition(model.ConditionWeather, msg)
	default:
		s.handleLocation(c, msg)
	}
}

func (s *Subscriber) context() (context.Context, context.CancelFunc) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (s *Subscriber) handleLocation(_ mqtt.Client, msg mqtt.Message) {
	vehicleID, ok := vehicleFromTopic(msg.Topic())
	if !ok {
		log.Printf("op=feed.location topic=%q err=unexpected topic", msg.Topic())
		return
	}
	var raw locationMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		log.Printf("op=feed.location vehicle=%s err=%v", vehicleID, err)
		return
	}
	p := geo.Point{Lat: raw.Latitude, Lng: raw.Longitude}
	if !p.Valid() || raw.Timestamp <= 0 {
		log.Printf("op=feed.location vehicle=%s err=invalid position or timestamp", vehicleID)
		return
	}

	ctx, cancel := s.context()
	defer cancel()
	if err := s.locations.UpdateVehicleLocation(ctx, vehicleID, p, time.Unix(raw.Timestamp, 0)); err != nil {
		log.Printf("op=feed.location vehicle=%s err=%v", vehicleID, err)
	}
}

func (s *Subscriber) handleCondition(kind model.ConditionKind, msg mqtt.Message) {
	var raw conditionMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		log.Printf("op=feed.condition kind=%s err=%v", kind, err)
		return
	}
	e := model.ConditionEvent{
		ID:      raw.ID,
		Kind:    kind,
		Center:  geo.Point{Lat: raw.Latitude, Lng: raw.Longitude},
		RadiusM: raw.RadiusM,
		Level:   raw.Level,
	}
	if raw.Timestamp > 0 {
		e.ObservedAt = time.Unix(raw.Timestamp, 0)
		if raw.TTLSec > 0 {
			e.ExpiresAt = e.ObservedAt.Add(time.Duration(raw.TTLSec) * time.Second)
		}
	}

	ctx, cancel := s.context()
	defer cancel()
	if _, results, err := s.conditions.Trigger(ctx, e); err != nil {
		log.Printf("op=feed.condition kind=%s err=%v", kind, err)
	} else {
		log.Printf("op=feed.condition kind=%s level=%.2f vehicles=%d", kind, e.Level, len(results))
	}
}

// vehicleFromTopic extracts the id from fleet/vehicle/<id>/location.
func vehicleFromTopic(topic string) (string, bool) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 4 || parts[0] != "fleet" || parts[1] != "vehicle" || parts[3] != "location" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
