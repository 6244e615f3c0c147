// Package http exposes chat sessions to the browser widget: a JSON and HTML
// fragment API, report downloads and a websocket event stream.
package http

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"xray-chatbot/internal/artifact"
	"xray-chatbot/internal/core"
	"xray-chatbot/internal/nlu"
	"xray-chatbot/pkg"
)

// Archive records conversation events outside the process.
type Archive interface {
	core.Sink
	End(sessionID string)
}

// Options configures a Server.
type Options struct {
	Deps    core.Dependencies
	Reports artifact.Store
	// Archive is optional.
	Archive        Archive
	RateLimit      rate.Limit
	RateBurst      int
	MaxUploadBytes int64
	// IdleTimeout ends sessions with no requests and no stream clients for
	// this long.  Zero keeps sessions until they are deleted.
	IdleTimeout time.Duration
}

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	opts   Options
	hub    *Hub
	router chi.Router
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	stop      chan struct{}
	closeOnce sync.Once
}

type session struct {
	conv    *core.Conversation
	limiter *rate.Limiter
	// lastSeen is the unix nano time of the last request for the session.
	lastSeen atomic.Int64
}

func (sess *session) touch(now time.Time) { sess.lastSeen.Store(now.UnixNano()) }

// NewServer constructs a Server and its routes.
func NewServer(opts Options) *Server {
	if opts.RateLimit == 0 {
		opts.RateLimit = rate.Inf
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	s := &Server{
		opts:     opts,
		hub:      NewHub(),
		logger:   log.With().Str("component", "http").Logger(),
		now:      time.Now,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
	s.router = s.routes()
	if opts.IdleTimeout > 0 {
		go s.sweepLoop(opts.IdleTimeout)
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/chat/{id}", s.withSession(s.handleChatPage))
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteSession)
			r.Get("/messages", s.withSession(s.handleListMessages))
			r.Post("/messages", s.withSession(s.handlePostMessage))
			r.Post("/doctors/search", s.withSession(s.handleSearchDoctors))
			r.Post("/xray", s.withSession(s.handleUploadXray))
			r.Get("/stream", s.withSession(s.handleStream))
		})
		r.Get("/reports/{id}", s.handleDownloadReport)
	})
	return r
}

// ServeHTTP dispatches to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the event hub feeding websocket clients.
func (s *Server) Hub() *Hub { return s.hub }

// StartSession creates a conversation and registers it.
func (s *Server) StartSession() pkg.SessionInfo {
	id := uuid.NewString()
	sinks := []core.Sink{s.hub.Sink(id)}
	if s.opts.Archive != nil {
		sinks = append(sinks, s.opts.Archive)
	}
	sess := &session{
		conv:    core.NewConversation(id, s.opts.Deps, sinks...),
		limiter: rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst),
	}
	sess.touch(s.now())
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.logger.Info().Str("session_id", id).Msg("session started")
	return pkg.SessionInfo{SessionID: id, StartURL: "/chat/" + id}
}

// EndSession forgets a conversation, releases what the relay keeps for its
// senders and disconnects its stream clients.  It reports whether the
// session existed.
func (s *Server) EndSession(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if fg, ok := s.opts.Deps.Relay.(nlu.Forgetter); ok {
		for _, sender := range sess.conv.Senders() {
			fg.Forget(sender)
		}
	}
	s.hub.CloseSession(id)
	if s.opts.Archive != nil {
		s.opts.Archive.End(id)
	}
	s.logger.Info().Str("session_id", id).Msg("session ended")
	return true
}

// Close stops the idle sweep and ends every session.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.EndSession(id)
	}
}

func (s *Server) sweepLoop(idle time.Duration) {
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepIdle()
		}
	}
}

// sweepIdle ends every session idle for longer than the timeout and returns
// how many it ended.  A session with a connected stream client is not idle.
func (s *Server) sweepIdle() int {
	cutoff := s.now().Add(-s.opts.IdleTimeout).UnixNano()
	s.mu.RLock()
	var idle []string
	for id, sess := range s.sessions {
		if sess.lastSeen.Load() < cutoff && s.hub.Subscribers(id) == 0 {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()
	ended := 0
	for _, id := range idle {
		if s.EndSession(id) {
			s.logger.Info().Str("session_id", id).Msg("idle session expired")
			ended++
		}
	}
	return ended
}

func (s *Server) lookup(id string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session)

// withSession resolves the {id} URL parameter to a live session.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.lookup(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		sess.touch(s.now())
		h(w, r, sess)
	}
}
