// Package main tails assignment and route-change events from a running
// fleetopt server over its WebSocket stream.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"fleetopt/internal/model"
)

type wsMessage struct {
	Type  string                 `json:"type"`
	Event *model.AssignmentEvent `json:"event,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	host := flag.String("host", "localhost:"+port, "server host:port")
	vehicle := flag.String("vehicle", "", "only show events for this vehicle")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *host, Path: "/v1/events/ws"}
	if *vehicle != "" {
		u.RawQuery = url.Values{"vehicleId": {*vehicle}}.Encode()
	}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			if m.Event == nil {
				log.Printf("ws <- %s", m.Type)
				continue
			}
			b, _ := json.Marshal(m.Event)
			log.Printf("ws <- %s %s", m.Event.Type, b)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-done:
	}
}
