package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/relay"
)

// Config wires the WebSocket endpoint to the relay engine.
type Config struct {
	Engine *relay.Engine

	// Origins gates the upgrade. Nil admits same-host origins only.
	Origins *origin.Policy
	// Admission limits connection attempts per remote IP. Nil is unlimited.
	Admission *ratelimit.KeyedLimiter

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	IdleTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	SendQueueFrames int
	SendQueueBytes  int
}

// ConfigFrom fills the transport settings from the process config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Origins:         origin.NewPolicy(cfg.AllowedOrigins),
		IdleTimeout:     cfg.WSIdleTimeout,
		PingInterval:    cfg.WSPingInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendQueueFrames: cfg.SendQueueFrames,
		SendQueueBytes:  cfg.SendQueueBytes,
	}
}

func (c Config) withDefaults() Config {
	if c.Origins == nil {
		c.Origins = origin.NewPolicy(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultWSIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if c.SendQueueFrames <= 0 {
		c.SendQueueFrames = config.DefaultSendQueueFrames
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = config.DefaultSendQueueBytes
	}
	return c
}

// Server is the chat WebSocket endpoint:
//
//	GET /ws/chat/{user_id}   (also with a trailing slash)
//
// The credential travels in the `token` query parameter.
type Server struct {
	cfg      Config
	engine   *relay.Engine
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	live    map[*wsTransport]struct{}
	closing bool
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		engine: cfg.Engine,
		log:    cfg.Logger,
		live:   make(map[*wsTransport]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/chat/{user_id}", s.handleChat)
	mux.HandleFunc("GET /ws/chat/{user_id}/{$}", s.handleChat)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Origins.CheckRequest(r) {
		return true
	}
	s.cfg.Metrics.Inc(metrics.ConnRejectedOrigin)
	s.log.Warn("ws_rejected", "reason", "origin", "origin", r.Header.Get("Origin"), "host", r.Host)
	return false
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "relay engine not configured", http.StatusInternalServerError)
		return
	}
	if ip := remoteIP(r); !s.cfg.Admission.Allow(ip) {
		s.cfg.Metrics.Inc(metrics.ConnRejectedRateLimit)
		s.log.Warn("ws_rejected", "reason", "connect_rate", "remote_ip", ip)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	// Credential problems are reported as WebSocket close codes, so the
	// upgrade happens before authentication.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	t := newWSTransport(conn, s.cfg.SendQueueFrames, s.cfg.SendQueueBytes)
	if !s.track(t) {
		t.Close(relay.CloseShutdown)
		return
	}
	defer s.untrack(t)

	c := relay.NewConn(t)
	defer func() {
		s.engine.Disconnect(c)
		t.Close(relay.CloseNormal)
	}()

	go t.writePump()

	credential, _ := auth.CredentialFromQuery(r.URL.Query())
	if err := s.engine.Admit(r.Context(), c, credential, r.PathValue("user_id")); err != nil {
		if !relay.IsRejection(err) && !errors.Is(err, relay.ErrConnClosed) {
			s.log.Error("ws_admit_failed", "conn_id", c.ID(), "err", err)
		}
		return
	}

	go t.pingLoop(s.cfg.PingInterval)
	s.readLoop(r.Context(), c, t)
}

func (s *Server) readLoop(ctx context.Context, c *relay.Conn, t *wsTransport) {
	conn := t.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				s.cfg.Metrics.Inc(metrics.ConnIdleTimeout)
				s.log.Info("ws_idle_timeout", "conn_id", c.ID())
				t.Close(relay.CloseIdleTimeout)
			case errors.Is(err, websocket.ErrReadLimit):
				s.cfg.Metrics.Inc(metrics.FrameMalformed)
				s.log.Info("ws_message_too_large", "conn_id", c.ID(), "limit", s.cfg.MaxMessageBytes)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				s.log.Debug("ws_read_failed", "conn_id", c.ID(), "err", err)
			}
			return
		}
		extend()

		if msgType != websocket.TextMessage {
			err = s.engine.HandleBinary(c)
		} else {
			err = s.engine.HandleFrame(ctx, c, data)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) track(t *wsTransport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.live[t] = struct{}{}
	return true
}

func (s *Server) untrack(t *wsTransport) {
	s.mu.Lock()
	delete(s.live, t)
	s.mu.Unlock()
}

// Live returns the number of open WebSocket connections, admitted or not.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close refuses new connections and closes every open one with 1001.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	live := make([]*wsTransport, 0, len(s.live))
	for t := range s.live {
		live = append(live, t)
	}
	s.mu.Unlock()

	for _, t := range live {
		t.Close(relay.CloseShutdown)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
