package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"xray-chatbot/pkg"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Hub fans conversation events out to the websocket clients of each session.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*streamClient]struct{}
}

type streamClient struct {
	send chan pkg.Event
	once sync.Once
}

func (c *streamClient) close() { c.once.Do(func() { close(c.send) }) }

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*streamClient]struct{})}
}

// Sink returns a conversation sink publishing to the session's clients.
func (h *Hub) Sink(sessionID string) *HubSink {
	return &HubSink{hub: h, sessionID: sessionID}
}

// HubSink adapts a Hub to a single session.
type HubSink struct {
	hub       *Hub
	sessionID string
}

// Emit never blocks: clients that cannot keep up miss events.
func (s *HubSink) Emit(ev pkg.Event) { s.hub.Broadcast(s.sessionID, ev) }

// Broadcast delivers ev to every client of the session.
func (h *Hub) Broadcast(sessionID string, ev pkg.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[sessionID] {
		select {
		case c.send <- ev:
		default:
			log.Warn().Str("component", "stream").Str("session_id", sessionID).Msg("stream client too slow, event dropped")
		}
	}
}

// Subscribers returns the number of clients attached to the session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[sessionID])
}

func (h *Hub) subscribe(sessionID string) *streamClient {
	c := &streamClient{send: make(chan pkg.Event, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*streamClient]struct{})
	}
	h.clients[sessionID][c] = struct{}{}
	return c
}

func (h *Hub) unsubscribe(sessionID string, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, sessionID)
		}
	}
	c.close()
}

// CloseSession disconnects every client of the session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	set := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()
	for c := range set {
		c.close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades the connection and writes session events as JSON
// until either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, sess *session) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}
	id := sess.conv.ID()
	client := s.hub.subscribe(id)
	l := s.logger.With().Str("session_id", id).Logger()
	l.Debug().Msg("stream client connected")

	// Reader: only needed for control frames and to notice the close.
	go func() {
		defer func() {
			s.hub.unsubscribe(id, client)
			sess.touch(s.now())
		}()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		l.Debug().Msg("stream client disconnected")
	}()
	for {
		select {
		case ev, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				l.Debug().Err(err).Msg("stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
