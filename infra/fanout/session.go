package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one connected websocket client.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu     sync.RWMutex
	scopes map[string]struct{}

	// lastSeq is touched only by the hub routing goroutine.
	lastSeq map[string]uint64
}

func newSession(h *Hub, conn *websocket.Conn, remote string, scopes []string) *Session {
	s := &Session{
		hub:     h,
		conn:    conn,
		remote:  remote,
		send:    make(chan []byte, h.cfg.SendBuffer),
		scopes:  make(map[string]struct{}, len(scopes)),
		lastSeq: make(map[string]uint64),
	}
	for _, sc := range scopes {
		s.scopes[sc] = struct{}{}
	}
	return s
}

func (s *Session) matches(scopes []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range scopes {
		if _, ok := s.scopes[sc]; ok {
			return true
		}
	}
	return false
}

// advance records seq as delivered for the controller and reports whether
// it is newer than anything delivered before.
func (s *Session) advance(controllerID string, seq uint64) bool {
	if last, ok := s.lastSeq[controllerID]; ok && seq <= last {
		return false
	}
	s.lastSeq[controllerID] = seq
	return true
}

// trySend queues data without blocking. Callers hold the hub read lock,
// so send is never closed underneath.
func (s *Session) trySend(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) readPump() {
	cfg := s.hub.cfg
	defer func() {
		s.hub.unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(cfg.MaxMessageSize)
	deadline := cfg.PingInterval + cfg.PongTimeout
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.log.Warnf("session %s read error: %v", s.remote, err)
			} else {
				s.hub.log.Debugf("session %s closed: %v", s.remote, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
		s.handle(data)
	}
}

func (s *Session) writePump() {
	cfg := s.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply("", TypeError, map[string]string{"message": "invalid JSON message"})
		return
	}
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var p ScopePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.reply(msg.ID, TypeError, map[string]string{"message": "invalid scope payload"})
			return
		}
		for _, sc := range p.Scopes {
			if !ValidScope(sc) {
				s.reply(msg.ID, TypeError, map[string]string{"message": "invalid scope " + sc})
				return
			}
		}
		s.mu.Lock()
		for _, sc := range p.Scopes {
			if msg.Type == TypeSubscribe {
				s.scopes[sc] = struct{}{}
			} else {
				delete(s.scopes, sc)
			}
		}
		s.mu.Unlock()
		key := "subscribed"
		if msg.Type == TypeUnsubscribe {
			key = "unsubscribed"
		}
		s.reply(msg.ID, TypeResponse, map[string][]string{key: p.Scopes})
	case TypePing:
		s.reply(msg.ID, TypePong, nil)
	default:
		s.reply(msg.ID, TypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

// reply queues a response. It takes the hub read lock so that it cannot
// race the send channel being closed.
func (s *Session) reply(id, typ string, payload any) {
	msg := Message{Type: typ, ID: id, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	if _, ok := s.hub.sessions[s]; ok {
		s.trySend(data)
	}
}
