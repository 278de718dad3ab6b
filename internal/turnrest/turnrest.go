// Package turnrest issues coturn-compatible TURN REST credentials bound to
// relay identities.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

// Generator signs TURN REST usernames with a shared secret.
type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time

	subjectSource func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// SubjectSource supplies subjects for GenerateRandom. Defaults to random
	// UUIDs.
	SubjectSource func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SubjectSource == nil {
		cfg.SubjectSource = randomSubject
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		subjectSource:  cfg.SubjectSource,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate signs credentials for an opaque subject. The subject must be
// non-empty and must not contain ':'.
func (g *Generator) Generate(subject string) (Credentials, error) {
	if subject == "" {
		return Credentials{}, errors.New("subject is required")
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, errors.New("subject must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, subject)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// ForIdentity signs credentials whose username names id. String identities
// may contain ':', which is percent-encoded so the username keeps exactly
// three fields.
func (g *Generator) ForIdentity(id identity.Identity) (Credentials, error) {
	if id.IsZero() {
		return Credentials{}, identity.ErrInvalid
	}
	return g.Generate(SubjectFor(id))
}

// SubjectFor returns the username subject used for id.
func SubjectFor(id identity.Identity) string {
	return strings.ReplaceAll(id.String(), ":", "%3A")
}

func (g *Generator) GenerateRandom() (Credentials, error) {
	subject, err := g.subjectSource()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(subject)
}

func randomSubject() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
