package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetopt/internal/model"
	"fleetopt/internal/notify"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

type wsMessage struct {
	Type  string                 `json:"type"`
	Event *model.AssignmentEvent `json:"event,omitempty"`
}

// EventsWSHandler handles GET /v1/events/ws?vehicleId=. Without a vehicle it
// streams every assignment and route-change event.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	if s.Broker == nil {
		writeProblem(w, http.StatusServiceUnavailable, "No event broker", "", r.URL.Path)
		return
	}
	topic := r.URL.Query().Get("vehicleId")
	if topic == "" {
		topic = notify.AllTopic
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("op=ws.upgrade err=%v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(topic)
	var once sync.Once
	unsubscribe := func() { once.Do(func() { s.Broker.Unsubscribe(topic, ch) }) }
	defer unsubscribe()

	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	ping := func() error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
	}

	if err := write(wsMessage{Type: "subscribed"}); err != nil {
		return
	}

	// The reader only services pings and detects the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			if msg.Type == "ping" {
				if err := write(wsMessage{Type: "pong"}); err != nil {
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := ping(); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write(wsMessage{Type: "event", Event: &evt}); err != nil {
				return
			}
		}
	}
}
