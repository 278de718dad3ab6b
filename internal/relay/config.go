package relay

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

// Config holds the engine settings. Zero fields take DefaultConfig values.
type Config struct {
	IdentityKind identity.Kind
	AuthTimeout  time.Duration

	// MaxConnections caps registered connections (0 = unlimited).
	MaxConnections int
	// MaxConnectionsPerIdentity caps registered connections sharing one
	// identity (0 = unlimited).
	MaxConnectionsPerIdentity int
	// MaxMessagesPerSecond is the per-connection inbound frame budget; the
	// burst equals one second's worth.
	MaxMessagesPerSecond int

	PersistencePolicy   config.PersistencePolicy
	IncludeChatMetadata bool
}

func DefaultConfig() Config {
	return Config{
		IdentityKind:         config.DefaultIdentityKind,
		AuthTimeout:          config.DefaultAuthTimeout,
		MaxMessagesPerSecond: config.DefaultMaxMessagesPerSecond,
		PersistencePolicy:    config.DefaultPersistencePolicy,
	}
}

// ConfigFrom extracts the engine settings from the process config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		IdentityKind:         cfg.IdentityKind,
		AuthTimeout:          cfg.AuthTimeout,
		MaxConnections:       cfg.MaxConnections,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		PersistencePolicy:    cfg.PersistencePolicy,
		IncludeChatMetadata:  cfg.IncludeChatMetadata,

		MaxConnectionsPerIdentity: cfg.MaxConnectionsPerIdentity,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdentityKind == "" {
		c.IdentityKind = d.IdentityKind
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	if c.MaxConnectionsPerIdentity < 0 {
		c.MaxConnectionsPerIdentity = 0
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = d.MaxMessagesPerSecond
	}
	if c.PersistencePolicy == "" {
		c.PersistencePolicy = d.PersistencePolicy
	}
	return c
}
