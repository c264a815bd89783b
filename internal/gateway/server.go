// Package gateway implements the WebSocket hub that fronts Claudia's
// control plane: browser and CLI clients connect, issue req/res RPCs, and
// subscribe to glob-keyed events broadcast over the bus (§4.1).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claudia-dev/claudia/internal/bus"
	"github.com/claudia-dev/claudia/internal/config"
	"github.com/claudia-dev/claudia/internal/protocol"
)

// Server is the gateway's WebSocket and HTTP entrypoint.
type Server struct {
	cfg    *config.Config
	events *bus.Bus
	router *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a Server over events, dispatching RPCs through router.
func NewServer(cfg *config.Config, events *bus.Bus, router *MethodRouter) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		router:  router,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPS)
	return s
}

// BuildMux constructs (and caches) the HTTP mux serving /ws and /health.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gateway.Token != "" && r.URL.Query().Get("token") != s.cfg.Gateway.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	client.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion})
}

// BroadcastEvent pushes event to every connected client whose
// subscriptions match, via the bus.
func (s *Server) BroadcastEvent(name string, payload interface{}) {
	s.events.Publish(bus.Event{Name: name, Payload: payload})
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, "*", "", func(event bus.Event) {
		if !c.isSubscribedTo(event.Name) {
			return
		}
		if event.ConnectionID != "" && event.ConnectionID != c.id {
			return
		}
		c.sendEvent(event.Name, event.Payload)
	})
	slog.Info("gateway: client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.events.Unsubscribe(c.id)
	s.rateLimiter.Forget(c.id)
	slog.Info("gateway: client disconnected", "id", c.id)
}

// StartTestServer binds an ephemeral port for use by integration tests and
// returns the address plus a start func the caller runs in a goroutine.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("gateway: listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
