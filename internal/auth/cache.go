package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/metrics"
)

// DefaultCacheTTL bounds cached resolutions when the caller passes ttl <= 0.
const DefaultCacheTTL = 5 * time.Minute

type untilResolver interface {
	ResolveUntil(ctx context.Context, credential string) (identity.Identity, time.Time, error)
}

type cacheEntry struct {
	id       identity.Identity
	notAfter time.Time
}

// Cached memoizes successful resolutions of another Authenticator. Entries
// are keyed by a SHA-256 digest so raw credentials are never retained, and
// never outlive the credential's own expiry when the inner authenticator
// reports one. Failures are not cached.
type Cached struct {
	inner   Authenticator
	entries *expirable.LRU[[sha256.Size]byte, cacheEntry]
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCached(inner Authenticator, size int, ttl time.Duration, m *metrics.Metrics) (*Cached, error) {
	if inner == nil {
		return nil, errors.New("auth: nil authenticator")
	}
	if size <= 0 {
		return nil, errors.New("auth: cache size must be > 0")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		inner:   inner,
		entries: expirable.NewLRU[[sha256.Size]byte, cacheEntry](size, nil, ttl),
		metrics: m,
		now:     time.Now,
	}, nil
}

// SetMetrics attaches hit/miss counters.
func (c *Cached) SetMetrics(m *metrics.Metrics) { c.metrics = m }

func (c *Cached) Resolve(ctx context.Context, credential string) (identity.Identity, error) {
	if credential == "" {
		return identity.Identity{}, ErrMissingCredentials
	}
	key := sha256.Sum256([]byte(credential))
	if e, ok := c.entries.Get(key); ok {
		if e.notAfter.IsZero() || c.now().Before(e.notAfter) {
			c.metrics.Inc(metrics.AuthCacheHit)
			return e.id, nil
		}
		c.entries.Remove(key)
	}
	c.metrics.Inc(metrics.AuthCacheMiss)

	var (
		id       identity.Identity
		notAfter time.Time
		err      error
	)
	if r, ok := c.inner.(untilResolver); ok {
		id, notAfter, err = r.ResolveUntil(ctx, credential)
	} else {
		id, err = c.inner.Resolve(ctx, credential)
	}
	if err != nil {
		return identity.Identity{}, err
	}
	c.entries.Add(key, cacheEntry{id: id, notAfter: notAfter})
	return id, nil
}

// Len returns the number of cached resolutions.
func (c *Cached) Len() int { return c.entries.Len() }
