// Package fanout pushes switch changes and presence transitions to browser
// sessions over websockets.
//
// Sessions subscribe to scopes: "all", "controller:<id>" or
// "classroom:<name>", either with the scope query parameter at connect time
// or with subscribe messages:
//
//	{"type":"subscribe","id":"1","payload":{"scopes":["classroom:B204"]}}
//
// Events are sent as
//
//	{"type":"event","event_type":"switch.changed","payload":{...}}
//
// Delivery is best effort. A session whose buffer is full misses events and
// must resync through the controller snapshot endpoint.
package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/switchyard/core/events"
	"github.com/kilianp07/switchyard/core/logger"
	"github.com/kilianp07/switchyard/internal/eventbus"
)

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeEvent       = "event"
	TypeResponse    = "response"
	TypeError       = "error"

	EventSwitchChanged      = "switch.changed"
	EventControllerPresence = "controller.presence"

	ScopeAll = "all"
)

// Message is the envelope exchanged with clients.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ScopePayload is the payload of subscribe and unsubscribe messages.
type ScopePayload struct {
	Scopes []string `json:"scopes"`
}

// Config tunes the websocket sessions.
type Config struct {
	SendBuffer     int           `json:"send_buffer"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongTimeout    time.Duration `json:"pong_timeout"`
	MaxMessageSize int64         `json:"max_message_size"`
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
}

// ControllerScope returns the scope matching one controller.
func ControllerScope(id string) string { return "controller:" + id }

// ClassroomScope returns the scope matching every controller of a classroom.
func ClassroomScope(name string) string { return "classroom:" + name }

// ValidScope reports whether s is a recognised scope.
func ValidScope(s string) bool {
	if s == ScopeAll {
		return true
	}
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return false
	}
	return kind == "controller" || kind == "classroom"
}

// Hub tracks sessions and routes bus events to them.
type Hub struct {
	cfg      Config
	log      logger.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewHub creates a Hub. log may be nil.
func NewHub(cfg Config, log logger.Logger) *Hub {
	cfg.SetDefaults()
	h := &Hub{
		cfg:      cfg,
		log:      logger.OrNop(log),
		sessions: make(map[*Session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Run routes events from sub until ctx is done or sub is closed, then
// disconnects every session. It must be the only goroutine routing events.
func (h *Hub) Run(ctx context.Context, sub <-chan eventbus.Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			h.route(ev)
		}
	}
}

func (h *Hub) route(ev eventbus.Event) {
	switch e := ev.(type) {
	case events.ChangeEvent:
		h.broadcast(EventSwitchChanged, e, scopesFor(e.ControllerID, e.Classroom), func(s *Session) bool {
			return s.advance(e.ControllerID, e.Sequence)
		})
	case events.PresenceEvent:
		h.broadcast(EventControllerPresence, e, scopesFor(e.ControllerID, e.Classroom), nil)
	}
}

func scopesFor(controllerID, classroom string) []string {
	scopes := []string{ScopeAll, ControllerScope(controllerID)}
	if classroom != "" {
		scopes = append(scopes, ClassroomScope(classroom))
	}
	return scopes
}

// broadcast queues the event to every matching session. accept, when set,
// is consulted per session before queueing.
func (h *Hub) broadcast(eventType string, payload any, scopes []string, accept func(*Session) bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorf("marshal %s: %v", eventType, err)
		return
	}
	data, err := json.Marshal(Message{
		Type:      TypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	})
	if err != nil {
		h.log.Errorf("marshal envelope: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for s := range h.sessions {
		if !s.matches(scopes) {
			continue
		}
		if accept != nil && !accept(s) {
			droppedTotal.WithLabelValues("stale").Inc()
			continue
		}
		if s.trySend(data) {
			sent++
			continue
		}
		droppedTotal.WithLabelValues("buffer_full").Inc()
		h.log.Warnf("session %s buffer full, dropped %s", s.remote, eventType)
	}
	if sent > 0 {
		deliveredTotal.WithLabelValues(eventType).Add(float64(sent))
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) register(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	sessionsGauge.Inc()
	return true
}

// unregister removes the session. Only the caller that removes it closes
// its send channel.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
		close(s.send)
		sessionsGauge.Dec()
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.sessions {
		close(s.send)
		delete(h.sessions, s)
		sessionsGauge.Dec()
	}
}

// ServeHTTP upgrades the request to a websocket session. Initial scopes are
// taken from repeated scope query parameters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scopes := r.URL.Query()["scope"]
	for _, sc := range scopes {
		if !ValidScope(sc) {
			http.Error(w, "invalid scope "+sc, http.StatusBadRequest)
			return
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	s := newSession(h, conn, r.RemoteAddr, scopes)
	if !h.register(s) {
		_ = conn.Close()
		return
	}
	h.log.Debugf("session %s connected with scopes %v", s.remote, scopes)
	go s.writePump()
	go s.readPump()
}
