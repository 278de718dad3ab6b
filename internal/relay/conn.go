package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/room"
)

// State is a connection's position in its lifecycle. Transitions only move
// forward; Closed is terminal.
type State int

const (
	StateConnecting State = iota
	StateAdmitted
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAdmitted:
		return "admitted"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WebSocket close codes (RFC 6455 section 7.4.1).
const (
	CodeNormal          = 1000
	CodeGoingAway       = 1001
	CodePolicyViolation = 1008
	CodeInternalError   = 1011
	CodeTryAgainLater   = 1013
)

// CloseReason is what the peer is told when the relay closes its connection.
type CloseReason struct {
	Code int
	Text string
}

var (
	CloseNormal             = CloseReason{CodeNormal, "normal closure"}
	CloseIdleTimeout        = CloseReason{CodeNormal, "idle timeout"}
	CloseShutdown           = CloseReason{CodeGoingAway, "server shutting down"}
	CloseUnauthorized       = CloseReason{CodePolicyViolation, "unauthorized"}
	CloseInvalidCounterpart = CloseReason{CodePolicyViolation, "invalid counterpart"}
	CloseRateLimited        = CloseReason{CodePolicyViolation, "rate limit exceeded"}
	CloseDeliveryFailed     = CloseReason{CodeInternalError, "delivery failed"}
	CloseTooManyConnections = CloseReason{CodeTryAgainLater, "too many connections"}
)

// Transport is the relay's handle on one client connection.
type Transport interface {
	// Send queues frame for delivery. It must not block; a full or closed
	// queue is reported as an error.
	Send(frame []byte) error
	// Close tells the peer why the connection is ending and releases the
	// transport. It is safe to call more than once.
	Close(reason CloseReason)
}

// Conn is the relay's state for one client connection. Identity, counterpart
// and room are fixed once the connection is admitted.
type Conn struct {
	id        string
	transport Transport

	mu          sync.Mutex
	state       State
	identity    identity.Identity
	counterpart identity.Identity
	room        room.Key
	limiter     *ratelimit.TokenBucket
}

// NewConn wraps a freshly opened transport. The connection starts in
// StateConnecting.
func NewConn(t Transport) *Conn {
	return &Conn{id: uuid.NewString(), transport: t}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Identity() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) Counterpart() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counterpart
}

func (c *Conn) Room() room.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// joined returns the fields frame handling needs, or ok=false if the
// connection is not in a room.
func (c *Conn) joined() (self, counterpart identity.Identity, key room.Key, limiter *ratelimit.TokenBucket, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		return identity.Identity{}, identity.Identity{}, "", nil, false
	}
	return c.identity, c.counterpart, c.room, c.limiter, true
}
