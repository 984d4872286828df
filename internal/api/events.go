package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshmonitor/internal/bus"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-origin enforcement happens at the reverse proxy; local
	// dashboards connect from arbitrary ports.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents upgrades to a websocket and forwards every bus topic to the
// client as {topic, payload} JSON frames until either side hangs up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events := make(chan event, 64)
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	var subs []bus.Subscription
	for _, topic := range bus.AllEventTopics {
		sub := s.bus.Subscribe(topic)
		subs = append(subs, sub)
		go func(topic string, sub bus.Subscription) {
			for {
				select {
				case msg, ok := <-sub:
					if !ok {
						return
					}
					select {
					case events <- event{Topic: topic, Payload: msg}:
					case <-done:
						return
					default:
						// Slow client: drop rather than stall the bus.
					}
				case <-done:
					return
				}
			}
		}(topic, sub)
	}
	defer func() {
		closeDone()
		for _, sub := range subs {
			s.bus.Unsubscribe(sub)
		}
	}()

	// Reader only drains control frames and detects the close.
	go func() {
		defer closeDone()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
