package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/consensus"
	"github.com/akyriacou/synod/internal/natsbus"
	"github.com/akyriacou/synod/internal/registry"
	"github.com/akyriacou/synod/internal/scheduler"
	"github.com/akyriacou/synod/internal/store"
	"github.com/akyriacou/synod/internal/swarm"
)

// Server exposes the HTTP API and the websocket event stream.
type Server struct {
	store     *store.Store
	bus       *natsbus.Bus
	nats      *natsbus.Client
	node      *consensus.Node
	coord     *swarm.Coordinator
	registry  *registry.Registry
	sched     *scheduler.Scheduler
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(s *store.Store, bus *natsbus.Bus, node *consensus.Node, coord *swarm.Coordinator, reg *registry.Registry, sched *scheduler.Scheduler, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		bus:       bus,
		node:      node,
		coord:     coord,
		registry:  reg,
		sched:     sched,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Subscribe to NATS events and broadcast to WebSocket
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.cfg.Auth != "" && !s.checkAuth(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth accepts the configured token as a bearer token or as the
// Basic Auth password.
func (s *Server) checkAuth(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Auth)) == 1
	}
	if _, pass, ok := r.BasicAuth(); ok {
		return subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
	}
	// Websocket clients cannot set headers from browsers; allow token in query.
	if token := r.URL.Query().Get("token"); token != "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Auth)) == 1
	}
	return false
}

func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	// Forward all event topics to WebSocket as raw JSON
	_, err = client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
	if err != nil {
		slog.Error("event stream subscription failed", "error", err)
	}
}
