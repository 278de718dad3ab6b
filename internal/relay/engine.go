package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/store"
)

// Engine runs the per-connection state machine and room fan-out. It is safe
// for concurrent use by any number of connection goroutines.
type Engine struct {
	cfg     Config
	auth    auth.Authenticator
	store   store.MessageStore
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	registry *Registry
	rooms    *room.Directory[*Conn]

	// admitMu makes the connection cap checks and Register atomic.
	admitMu sync.Mutex
}

// NewEngine wires the engine to its collaborators. A nil store discards
// messages; a nil logger discards logs; a nil metrics disables counting.
func NewEngine(cfg Config, a auth.Authenticator, s store.MessageStore, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if s == nil {
		s = &store.Discard{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		auth:     a,
		store:    s,
		log:      logger,
		metrics:  m,
		clock:    ratelimit.RealClock{},
		registry: NewRegistry(),
		rooms:    room.NewDirectory[*Conn](),
	}
	if err := m.GaugeFunc("active_connections", "Registered chat connections.", func() float64 {
		return float64(e.registry.Len())
	}); err != nil {
		logger.Warn("metrics_gauge_register_failed", "gauge", "active_connections", "err", err)
	}
	if err := m.GaugeFunc("active_rooms", "Rooms with at least one connected member.", func() float64 {
		return float64(e.rooms.Rooms())
	}); err != nil {
		logger.Warn("metrics_gauge_register_failed", "gauge", "active_rooms", "err", err)
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

// Connections returns the number of joined connections.
func (e *Engine) Connections() int { return e.registry.Len() }

// Rooms returns the number of non-empty rooms.
func (e *Engine) Rooms() int { return e.rooms.Rooms() }

// MembersOf returns a snapshot of the connections joined to key.
func (e *Engine) MembersOf(key room.Key) []*Conn { return e.rooms.MembersOf(key) }

// Admit authenticates c and joins it to the room it shares with the
// counterpart named by counterpartRaw. On any failure the transport is closed
// with the matching reason and nothing is left registered.
func (e *Engine) Admit(ctx context.Context, c *Conn, credential, counterpartRaw string) error {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AuthTimeout)
	self, err := e.auth.Resolve(actx, credential)
	cancel()
	if err != nil {
		e.metrics.Inc(metrics.ConnRejectedAuth)
		if auth.IsUnauthorized(err) {
			e.log.Info("ws_rejected", "conn_id", c.id, "reason", "unauthorized", "err", err)
		} else {
			// Resolver outages still surface to the client as a credential
			// rejection.
			e.log.Warn("ws_rejected", "conn_id", c.id, "reason", "auth_error", "err", err)
		}
		return e.reject(c, CloseUnauthorized, fmt.Errorf("%w: %v", ErrUnauthorized, err))
	}

	counterpart, err := e.cfg.IdentityKind.Parse(counterpartRaw)
	if err != nil {
		e.metrics.Inc(metrics.ConnRejectedIdentity)
		e.log.Info("ws_rejected", "conn_id", c.id, "reason", "invalid_counterpart", "identity", self.String(), "err", err)
		return e.reject(c, CloseInvalidCounterpart, fmt.Errorf("counterpart: %w", err))
	}
	key, err := room.KeyFor(self, counterpart)
	if err != nil {
		e.metrics.Inc(metrics.ConnRejectedIdentity)
		return e.reject(c, CloseInvalidCounterpart, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.identity = self
	c.counterpart = counterpart
	c.state = StateAdmitted

	e.admitMu.Lock()
	if reason := e.overCapacity(self); reason != "" {
		e.admitMu.Unlock()
		c.state = StateClosed
		c.mu.Unlock()
		e.metrics.Inc(metrics.ConnRejectedTooMany)
		e.log.Warn("ws_rejected", "conn_id", c.id, "reason", reason, "identity", self.String())
		c.transport.Close(CloseTooManyConnections)
		return ErrTooManyConnections
	}
	if err := e.registry.Register(c, self); err != nil {
		e.admitMu.Unlock()
		c.mu.Unlock()
		return err
	}
	e.admitMu.Unlock()

	e.rooms.Join(key, c)
	c.room = key
	c.limiter = ratelimit.NewTokenBucket(e.clock, int64(e.cfg.MaxMessagesPerSecond), int64(e.cfg.MaxMessagesPerSecond))
	c.state = StateJoined
	c.mu.Unlock()

	e.metrics.Inc(metrics.ConnAccepted)
	e.log.Info("ws_connected", "conn_id", c.id, "identity", self.String(), "room", string(key))
	return nil
}

// overCapacity names the connection cap admitting self would exceed, or
// returns "". Callers hold admitMu.
func (e *Engine) overCapacity(self identity.Identity) string {
	if e.cfg.MaxConnections > 0 && e.registry.Len() >= e.cfg.MaxConnections {
		return "too_many_connections"
	}
	if n := e.cfg.MaxConnectionsPerIdentity; n > 0 && e.registry.CountIdentity(self) >= n {
		return "too_many_identity_connections"
	}
	return ""
}

func (e *Engine) reject(c *Conn, reason CloseReason, err error) error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.transport.Close(reason)
	return err
}

// HandleFrame processes one inbound text frame from c. Malformed and unknown
// frames are counted and skipped. A non-nil error means c has been closed
// and the caller should stop reading.
func (e *Engine) HandleFrame(ctx context.Context, c *Conn, data []byte) error {
	self, counterpart, key, limiter, ok := c.joined()
	if !ok {
		return ErrConnClosed
	}
	if err := e.allow(c, self, limiter); err != nil {
		return err
	}

	f, err := DecodeFrame(data)
	if err != nil {
		e.metrics.Inc(metrics.FrameMalformed)
		e.log.Debug("frame_malformed", "conn_id", c.id, "err", err)
		return nil
	}

	switch f.Type {
	case TypeChat:
		e.metrics.Inc(metrics.FrameChat)
		e.handleChat(ctx, c, self, counterpart, key, f.Message)
	case TypeWebRTC:
		e.metrics.Inc(metrics.FrameWebRTC)
		e.handleSignal(c, self, key, f.Signal)
	default:
		e.metrics.Inc(metrics.FrameUnknownType)
		e.log.Debug("frame_unknown_type", "conn_id", c.id, "type", f.Type)
	}
	return nil
}

// HandleBinary accounts for a non-text message from c. Binary frames carry no
// relay semantics and are dropped, but still count against the rate limit.
func (e *Engine) HandleBinary(c *Conn) error {
	self, _, _, limiter, ok := c.joined()
	if !ok {
		return ErrConnClosed
	}
	if err := e.allow(c, self, limiter); err != nil {
		return err
	}
	e.metrics.Inc(metrics.FrameMalformed)
	e.log.Debug("frame_malformed", "conn_id", c.id, "err", "binary message")
	return nil
}

func (e *Engine) allow(c *Conn, self identity.Identity, limiter *ratelimit.TokenBucket) error {
	if limiter.Allow(1) {
		return nil
	}
	e.metrics.Inc(metrics.FrameRateLimited)
	e.log.Warn("ws_rate_limited", "conn_id", c.id, "identity", self.String())
	c.transport.Close(CloseRateLimited)
	e.Disconnect(c)
	return ErrRateLimited
}

func (e *Engine) handleChat(ctx context.Context, c *Conn, self, counterpart identity.Identity, key room.Key, content string) {
	saved, err := e.store.Save(ctx, self, counterpart, content)
	if err != nil {
		e.metrics.Inc(metrics.PersistFailed)
		e.log.Warn("chat_persist_failed", "conn_id", c.id, "identity", self.String(), "room", string(key), "err", err)
		if e.cfg.PersistencePolicy == config.PersistenceStrict {
			e.metrics.Inc(metrics.ChatDroppedPersistence)
			frame, encErr := EncodeError(ErrorCodePersistenceFailed, "message could not be saved")
			if encErr == nil {
				e.deliver(c, frame)
			}
			return
		}
	} else {
		e.metrics.Inc(metrics.PersistOK)
	}

	var meta *store.Message
	if e.cfg.IncludeChatMetadata && err == nil {
		meta = &saved
	}
	frame, err := EncodeChat(content, meta)
	if err != nil {
		e.log.Error("frame_encode_failed", "conn_id", c.id, "type", TypeChat, "err", err)
		return
	}
	e.fanout(c, key, frame, true)
}

func (e *Engine) handleSignal(c *Conn, self identity.Identity, key room.Key, signal []byte) {
	kind := ClassifySignal(signal)
	e.metrics.Inc(metrics.SignalKind(string(kind)))

	frame, err := EncodeWebRTC(signal, self)
	if err != nil {
		e.metrics.Inc(metrics.FrameMalformed)
		e.log.Debug("frame_malformed", "conn_id", c.id, "type", TypeWebRTC, "err", err)
		return
	}
	e.fanout(c, key, frame, false)
}

// fanout sends frame to a snapshot of key's members. Each recipient's failure
// is handled on its own and never stops delivery to the rest.
func (e *Engine) fanout(from *Conn, key room.Key, frame []byte, includeSender bool) int {
	delivered := 0
	for _, m := range e.rooms.MembersOf(key) {
		if m == from && !includeSender {
			continue
		}
		if e.deliver(m, frame) {
			delivered++
		}
	}
	e.metrics.Add(metrics.FanoutDelivered, uint64(delivered))
	return delivered
}

func (e *Engine) deliver(to *Conn, frame []byte) bool {
	if err := to.transport.Send(frame); err != nil {
		err = fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
		e.metrics.Inc(metrics.DeliveryFailed)
		e.log.Warn("delivery_failed", "conn_id", to.id, "identity", to.Identity().String(), "err", err)
		to.transport.Close(CloseDeliveryFailed)
		e.Disconnect(to)
		return false
	}
	return true
}

// Disconnect leaves c's room and unregisters it. It is safe from any state
// and reports whether this call performed the cleanup.
func (e *Engine) Disconnect(c *Conn) bool {
	c.mu.Lock()
	prev := c.state
	key := c.room
	c.state = StateClosed
	c.mu.Unlock()
	if prev == StateClosed {
		return false
	}

	if key != "" {
		e.rooms.Leave(key, c)
	}
	e.registry.Unregister(c)
	if prev == StateJoined {
		e.metrics.Inc(metrics.ConnClosed)
		e.log.Info("ws_disconnected", "conn_id", c.id, "identity", c.Identity().String(), "room", string(key))
	}
	return true
}

// CloseAll closes and disconnects every registered connection.
func (e *Engine) CloseAll(reason CloseReason) int {
	n := 0
	for _, c := range e.registry.Snapshot() {
		c.transport.Close(reason)
		if e.Disconnect(c) {
			n++
		}
	}
	return n
}

// IsRejection reports whether err is an admission rejection rather than an
// internal failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidIdentity) ||
		errors.Is(err, ErrTooManyConnections)
}
