package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Wahee-aljabir/meet/internal/metrics"
	"github.com/Wahee-aljabir/meet/internal/origin"
	"github.com/Wahee-aljabir/meet/internal/ratelimit"
	"github.com/Wahee-aljabir/meet/internal/registry"
)

const (
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueSize        = 64
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Origin checks the Origin header of WebSocket upgrades. Nil accepts every
	// origin; the HTTP API is covered by the httpserver middleware instead.
	Origin *origin.Policy

	// CreateLimiter throttles POST /api/create-meeting per client IP. Nil
	// disables the limit.
	CreateLimiter *ratelimit.KeyedLimiter

	// WSIdleTimeout closes connections that neither send messages nor answer
	// pings for this long.
	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// SendQueueSize bounds outbound messages buffered per connection.
	SendQueueSize int

	// NewConnID defaults to random UUIDs.
	NewConnID func() string
	Clock     ratelimit.Clock
}

// Server implements the meeting HTTP API and the signaling WebSocket.
//
// Endpoints:
//   - POST /api/create-meeting : allocate a room code
//   - GET  /api/validate-code  : check (and refresh) a room code
//   - GET  /ws                 : signaling WebSocket
type Server struct {
	registry *registry.Registry
	hub      *Hub
	log      *slog.Logger
	metrics  *metrics.Metrics

	createLimiter *ratelimit.KeyedLimiter
	upgrader      websocket.Upgrader

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	sendQueueSize        int
	newConnID            func() string
	clock                ratelimit.Clock

	mu     sync.Mutex
	closed bool
	// sessions counts WebSocket handlers until their disconnect cleanup has
	// finished. Add only happens under mu while closed is false.
	sessions sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Registry == nil {
		panic("signaling: nil registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WSIdleTimeout <= 0 {
		cfg.WSIdleTimeout = DefaultWSIdleTimeout
	}
	if cfg.WSPingInterval <= 0 {
		cfg.WSPingInterval = DefaultWSPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.NewConnID == nil {
		cfg.NewConnID = uuid.NewString
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	policy := cfg.Origin
	return &Server{
		registry:      cfg.Registry,
		hub:           NewHub(logger, cfg.Metrics),
		log:           logger,
		metrics:       cfg.Metrics,
		createLimiter: cfg.CreateLimiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if policy == nil {
					return true
				}
				_, present, ok := policy.Check(r)
				return !present || ok
			},
		},
		idleTimeout:          cfg.WSIdleTimeout,
		pingInterval:         cfg.WSPingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		sendQueueSize:        cfg.SendQueueSize,
		newConnID:            cfg.NewConnID,
		clock:                cfg.Clock,
	}
}

// Hub exposes the connection table, e.g. to hand CloseRoom to the sweeper.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/create-meeting", s.handleCreateMeeting)
	mux.HandleFunc("GET /api/validate-code", s.handleValidateCode)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns a standalone handler with the signaling routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close stops accepting WebSocket upgrades and asks every open connection to
// close. It does not wait for them; see Wait.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
}

// Wait blocks until every WebSocket session has finished its disconnect
// cleanup, including the registry leave, or ctx is done. Call it after Close.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) trackSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.trackSession() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	c := newConn(s.newConnID(), ws, s.sendQueueSize)
	if err := s.hub.add(c); err != nil {
		s.log.Error("rejecting websocket", "connection_id", c.id, "err", err)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}

	perSecond := int64(s.maxMessagesPerSecond)
	sess := &wsSession{
		srv:             s,
		c:               c,
		log:             s.log.With("connection_id", c.id),
		ctx:             r.Context(),
		idleTimeout:     s.idleTimeout,
		pingInterval:    s.pingInterval,
		maxMessageBytes: s.maxMessageBytes,
		limiter:         ratelimit.NewTokenBucket(s.clock, perSecond, perSecond),
	}
	sess.run()
}
