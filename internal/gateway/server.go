// Package gateway implements the WebSocket control plane: the frame codec,
// per-connection actors, method dispatch, event fan-out with per-family
// sequence numbers, and the HTTP surface for health, metrics, and UI assets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/claw/internal/agent"
	"github.com/haasonsaas/claw/internal/channels"
	"github.com/haasonsaas/claw/internal/config"
	"github.com/haasonsaas/claw/internal/cron"
	"github.com/haasonsaas/claw/internal/observability"
	"github.com/haasonsaas/claw/internal/providers"
	"github.com/haasonsaas/claw/internal/ratelimit"
	"github.com/haasonsaas/claw/internal/sessions"
	"github.com/haasonsaas/claw/internal/skills"
	"github.com/haasonsaas/claw/pkg/models"
)

const healthInterval = 30 * time.Second

// Deps are the subsystems the gateway serves. Store, Runtime and Config are
// required; the rest degrade to empty responses when absent.
type Deps struct {
	Config     *config.Holder
	ConfigPath string
	Store      *sessions.Store
	Runtime    *agent.Runtime
	Hub        *channels.Hub
	Resolver   *providers.Resolver
	Cron       *cron.Scheduler
	Skills     *skills.Manager
	Metrics    *observability.Metrics
	Version    string
}

type pendingPairing struct {
	node string
	name string
}

// Server is the gateway process: one HTTP listener carrying /ws, /health,
// /metrics and the optional static UI.
type Server struct {
	deps      Deps
	log       *slog.Logger
	broadcast *Broadcaster
	agentSink agent.EventSink

	reqLimiter  *ratelimit.Limiter
	connLimiter *ratelimit.Limiter

	upgrader  websocket.Upgrader
	baseCtx   context.Context
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	conns   map[*conn]struct{}
	pairing map[string]pendingPairing
	nodes   map[string]string
}

// NewServer wires the gateway over its dependencies. The session store's
// update hook is claimed here to feed session.updated broadcasts.
func NewServer(base context.Context, deps Deps) *Server {
	if base == nil {
		base = context.Background()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.Default()
	}
	cfg := deps.Config.Current().Gateway

	rl := cfg.RateLimit
	reqRate, reqBurst := rl.RequestsPerSec, rl.RequestBurst
	if reqRate <= 0 {
		reqRate = 20
	}
	connRate, connBurst := rl.ConnectsPerSec, rl.ConnectBurst
	if connRate <= 0 {
		connRate = 1
	}
	ttl := rl.EntryTTL.Std()

	s := &Server{
		deps:        deps,
		log:         slog.With("component", "gateway"),
		broadcast:   NewBroadcaster(),
		reqLimiter:  ratelimit.NewLimiter(reqRate, reqBurst, ttl),
		connLimiter: ratelimit.NewLimiter(connRate, connBurst, ttl),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		baseCtx:   base,
		startTime: time.Now(),
		conns:     make(map[*conn]struct{}),
		pairing:   make(map[string]pendingPairing),
		nodes:     make(map[string]string),
	}
	s.agentSink = agent.NewCallbackSink(func(_ context.Context, e models.AgentEvent) {
		s.broadcast.Publish(models.EventFamilyAgent, e)
	})
	if deps.Store != nil {
		deps.Store.OnUpdate(func(m models.SessionMeta) {
			s.broadcast.Publish(models.EventFamilySession, m)
		})
	}
	if deps.Hub != nil {
		deps.Hub.OnDeliveryError(func(channel, session string, err error) {
			s.broadcast.Publish(models.EventFamilyChannels, map[string]any{
				"kind":    "delivery_error",
				"channel": channel,
				"session": session,
				"error":   err.Error(),
			})
		})
	}
	return s
}

// AgentSink returns the sink that turns run events into agent.event
// broadcasts. The channel hub taps this so every subscriber sees channel
// traffic too.
func (s *Server) AgentSink() agent.EventSink { return s.agentSink }

// Broadcast exposes the event bus for components outside the request path.
func (s *Server) Broadcast() *Broadcaster { return s.broadcast }

// NotifyConfigChanged publishes config.changed after a successful reload.
func (s *Server) NotifyConfigChanged() {
	s.broadcast.Publish(models.EventFamilyConfig, map[string]any{
		"changed_at": time.Now().UTC(),
	})
}

// NotifyRestartRequired publishes config.reload_required when a reload was
// deferred because it touches process-start-only fields.
func (s *Server) NotifyRestartRequired() {
	s.broadcast.Publish(models.EventFamilyReload, map[string]any{
		"at": time.Now().UTC(),
	})
}

func (s *Server) config() *config.Config { return s.deps.Config.Current() }

func (s *Server) metrics() *observability.Metrics { return s.deps.Metrics }

// Start binds the listener and begins serving. Returns after the listener
// is accepting; serving continues until Shutdown or base context cancel.
func (s *Server) Start() error {
	cfg := s.config().Gateway
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.serveWS)
	if cfg.UIPrefix != "" && cfg.UIDir != "" {
		prefix := "/" + strings.Trim(cfg.UIPrefix, "/") + "/"
		mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.UIDir))))
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "err", err)
		}
	}()
	go s.reqLimiter.RunSweeper(s.baseCtx, s.config().Gateway.RateLimit.SweeperInterval.Std())
	go s.connLimiter.RunSweeper(s.baseCtx, s.config().Gateway.RateLimit.SweeperInterval.Std())
	go s.healthLoop()

	s.log.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting and closes every connection.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown", "err", err)
		}
	}
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// healthLoop publishes the health and channels.status state-version
// families so subscribers can follow daemon state without polling.
func (s *Server) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.broadcast.Publish(models.EventFamilyHealth, s.healthSnapshot())
			if s.deps.Hub != nil {
				s.broadcast.Publish(models.EventFamilyChannels, s.deps.Hub.Statuses())
			}
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	remote := s.clientIP(r)
	cfg := s.config().Gateway
	if cfg.RateLimit.Enabled && !s.connLimiter.Allow(remote) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &conn{
		srv:    s,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		remote: remote,
		queue:  newOutQueue(cfg.SendQueueSize),
	}
	c.log = s.log.With("conn", c.id)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics().Connections.Inc()
	s.publishPresence(n)

	go c.run()
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	_, present := s.conns[c]
	delete(s.conns, c)
	n := len(s.conns)
	s.mu.Unlock()
	if present {
		s.metrics().Connections.Dec()
		s.publishPresence(n)
	}
}

func (s *Server) publishPresence(connections int) {
	s.broadcast.Publish(models.EventFamilyPresence, map[string]any{
		"connections": connections,
	})
}

// clientIP extracts the rate-limit key: X-Forwarded-For behind a trusted
// proxy, the socket peer otherwise.
func (s *Server) clientIP(r *http.Request) string {
	if s.config().Gateway.TrustedProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.healthSnapshot())
}

func (s *Server) healthSnapshot() map[string]any {
	s.mu.Lock()
	connections := len(s.conns)
	s.mu.Unlock()

	payload := map[string]any{
		"ok":          true,
		"version":     s.deps.Version,
		"uptime_s":    int64(time.Since(s.startTime).Seconds()),
		"connections": connections,
	}
	if s.deps.Resolver != nil {
		payload["providers"] = s.deps.Resolver.Status()
	} else {
		payload["providers"] = []providers.ProfileStatus{}
	}
	if s.deps.Hub != nil {
		payload["channels"] = s.deps.Hub.Statuses()
	} else {
		payload["channels"] = map[string]channels.Status{}
	}
	return payload
}

// node pairing registry

func (s *Server) addPairingRequest(node, name string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.pairing[id] = pendingPairing{node: node, name: name}
	s.mu.Unlock()
	return id
}

func (s *Server) approvePairing(id string) (node, name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pairing[id]
	if !ok {
		return "", "", false
	}
	delete(s.pairing, id)
	s.nodes[req.node] = req.name
	return req.node, req.name, true
}

func (s *Server) nodeApproved(node string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[node]
	return ok
}

// relayToNode sends a conn-local event to every connection authenticated as
// the given node. Returns how many connections received it.
func (s *Server) relayToNode(node string, payload any) int {
	s.mu.Lock()
	targets := make([]*conn, 0, 1)
	for c := range s.conns {
		c.mu.Lock()
		match := c.node == node
		c.mu.Unlock()
		if match {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.sendLocalEvent("node.invoke", payload)
	}
	return len(targets)
}
