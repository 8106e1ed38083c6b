package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
)

const (
	wsWriteWait = 1 * time.Second

	defaultJoinTimeout        = 10 * time.Second
	defaultMaxMessageBytes    = 64 * 1024
	defaultOutboundQueueBytes = 1 << 20
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Registry holds the live sessions. If nil, a private registry is created.
	Registry *relay.Registry

	Logger *slog.Logger

	// CheckOrigin is passed to the WebSocket upgrader. If nil every origin is
	// accepted; the httpserver origin middleware enforces ALLOWED_ORIGINS in
	// front of these routes.
	CheckOrigin func(r *http.Request) bool

	// JoinTimeout bounds how long a bare /ws connection may stay open before
	// sending its join envelope.
	JoinTimeout time.Duration

	// WebSocket keepalive. A zero value disables the corresponding behaviour.
	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	// Inbound hardening. MaxMessagesPerSecond <= 0 disables rate limiting.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// OutboundQueueBytes bounds the encoded frames buffered per connection.
	OutboundQueueBytes int

	// Clock drives the per-connection rate limiter. Defaults to the wall clock.
	Clock ratelimit.Clock
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /{username}     : username taken from the path
//   - GET /ws/{username}  : same, under the /ws prefix
//   - GET /ws             : username taken from a first join envelope
type Server struct {
	registry *relay.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
	clock    ratelimit.Clock

	joinTimeout          time.Duration
	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	outboundQueueBytes   int

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	reg := cfg.Registry
	if reg == nil {
		reg = relay.NewRegistry(relay.WithLogger(cfg.Logger))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	s := &Server{
		registry: reg,
		metrics:  reg.Metrics(),
		log:      logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		clock:    clock,

		joinTimeout:          cfg.JoinTimeout,
		idleTimeout:          cfg.WSIdleTimeout,
		pingInterval:         cfg.WSPingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		outboundQueueBytes:   cfg.OutboundQueueBytes,

		conns: make(map[*conn]struct{}),
	}
	if s.joinTimeout <= 0 {
		s.joinTimeout = defaultJoinTimeout
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.outboundQueueBytes <= 0 {
		s.outboundQueueBytes = defaultOutboundQueueBytes
	}
	return s
}

func (s *Server) Registry() *relay.Registry { return s.registry }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleJoin)
	mux.HandleFunc("GET /ws/{username}", s.handlePathUsername)
	mux.HandleFunc("GET /{username}", s.handlePathUsername)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ActiveConnections counts upgraded connections, including ones still waiting
// to join.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close refuses new connections and closes every live one with 1001 (going
// away). Each connection then runs its normal disconnect path, so peers see
// removeUser for it.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) handlePathUsername(w http.ResponseWriter, r *http.Request) {
	username, err := protocol.NormalizeUsername(r.PathValue("username"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.serve(w, r, username)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "")
}

// serve upgrades r and runs the connection to completion. An empty username
// means it must arrive in a join envelope.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, username string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Inc(metrics.WSUpgradeFailures)
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	s.metrics.Inc(metrics.WSConnections)

	c := newConn(s, ws, r)
	if !s.track(c) {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer s.untrack(c)
	c.run(username)
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
