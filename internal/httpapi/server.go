// Package httpapi serves the read side of the clip store over HTTP and fans
// clip events out to SSE and WebSocket clients.
package httpapi

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/cliprater/internal/clipstore"
	"github.com/you/cliprater/internal/core"
)

// Store is the read surface the API needs.
type Store interface {
	GetClip(ctx context.Context, id string) (core.Clip, error)
	GetClipByMessageID(ctx context.Context, messageID string) (core.Clip, error)
	GetClipByInteractionID(ctx context.Context, interactionID string) (core.Clip, error)
	ListClips(ctx context.Context) ([]core.Clip, error)
	ListClipsByUser(ctx context.Context, submittedBy string) ([]core.Clip, error)
	GetAverageRating(ctx context.Context, messageID string) (float64, error)
	GetRatingsForClip(ctx context.Context, messageID string) ([]core.Rating, error)
	ListClipsSortedByAverageRating(ctx context.Context) ([]core.RatedClip, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	Build           BuildInfo
	Backend         string
	ConfigSnapshot  map[string]any
}

type subscriber struct {
	ch        chan core.ClipEvent
	filter    EventFilter
	transport string
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler
	store      Store
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	ready      atomic.Bool

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

func New(store Store, opts Options) *Server {
	srv := &Server{
		store:   store,
		opts:    opts,
		mux:     http.NewServeMux(),
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		clients: make(map[*subscriber]struct{}),
	}
	if opts.EnableMetrics {
		srv.metrics = newMetrics()
		srv.mux.Handle("GET /metrics", srv.metrics.Handler())
	}

	srv.mux.HandleFunc("GET /healthz", srv.handleHealthz)
	srv.mux.HandleFunc("GET /readyz", srv.handleReadyz)
	srv.mux.HandleFunc("GET /info", srv.handleInfo)
	srv.mux.HandleFunc("GET /clips", srv.handleListClips)
	srv.mux.HandleFunc("GET /clips/{messageId}", srv.handleGetClip)
	srv.mux.HandleFunc("GET /clips/{messageId}/ratings", srv.handleRatings)
	srv.mux.HandleFunc("GET /clips/{messageId}/average", srv.handleAverage)
	srv.mux.HandleFunc("GET /by-id/{id}", srv.handleGetByID)
	srv.mux.HandleFunc("GET /by-interaction/{interactionId}", srv.handleGetByInteraction)
	srv.mux.HandleFunc("GET /users/{userId}/clips", srv.handleUserClips)
	srv.mux.HandleFunc("GET /leaderboard", srv.handleLeaderboard)
	srv.mux.HandleFunc("GET /stream", srv.handleStream)
	srv.mux.HandleFunc("GET /ws", srv.handleWS)

	srv.handler = srv.middleware(srv.mux)
	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Mux exposes the route table so other packages can register handlers.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler is the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// SetReady flips /readyz once startup migration has finished.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// ClipEvent records a store write and broadcasts it to stream clients.
func (s *Server) ClipEvent(ev core.ClipEvent) {
	s.metrics.IncClipEvent(string(ev.Type))
	s.Broadcast(ev)
}

// StoreError counts a failed store call. Storage faults are logged; the other
// kinds are ordinary outcomes of user input.
func (s *Server) StoreError(op string, err error) {
	kind := clipstore.KindName(err)
	s.metrics.IncStoreError(op, kind)
	if errors.Is(err, clipstore.ErrStorage) || kind == "unknown" {
		slog.Error("store operation failed", "op", op, "kind", kind, "err", err)
	}
}

func (s *Server) subscribe(filter EventFilter, transport string) (*subscriber, bool) {
	sub := &subscriber{ch: make(chan core.ClipEvent, 64), filter: filter, transport: transport}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[sub] = struct{}{}
	return sub, true
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[sub]; ok {
		delete(s.clients, sub)
		close(sub.ch)
	}
}

// Broadcast delivers ev to every matching client without blocking; slow
// clients lose the event.
func (s *Server) Broadcast(ev core.ClipEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.clients {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.metrics.IncBroadcastDrops(sub.transport)
		}
	}
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.clients {
		delete(s.clients, sub)
		close(sub.ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
