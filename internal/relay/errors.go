package relay

import (
	"errors"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

var (
	// ErrUnauthorized wraps every admission-time credential failure.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidIdentity is returned when the counterpart route parameter does
	// not parse as an identity.
	ErrInvalidIdentity = identity.ErrInvalid
	// ErrDeliveryFailure marks a per-recipient send failure. It never reaches
	// the sender's frame path.
	ErrDeliveryFailure    = errors.New("delivery failure")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrAlreadyRegistered  = errors.New("connection already registered")
	ErrNotFound           = errors.New("connection not found")
	ErrTooManyConnections = errors.New("too many connections")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrConnClosed         = errors.New("connection closed")
)
