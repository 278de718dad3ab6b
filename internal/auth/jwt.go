package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

// ErrUnsupportedJWT is returned for well-formed tokens signed with anything
// other than HS256. It still counts as an invalid credential.
var ErrUnsupportedJWT = fmt.Errorf("%w: unsupported jwt algorithm", ErrInvalidCredentials)

// DefaultIdentityClaim is the identity claim name most access-token issuers
// use.
const DefaultIdentityClaim = "user_id"

const (
	sigLen       = sha256.Size
	sigB64Len    = 43 // base64url-no-pad length of 32 bytes
	maxHeaderB64 = 4 * 1024
	maxClaimsB64 = 16 * 1024
	maxTokenLen  = maxHeaderB64 + 1 + maxClaimsB64 + 1 + sigB64Len
)

// JWTAuthenticator validates HS256 access tokens and extracts the identity
// claim.
type JWTAuthenticator struct {
	secret []byte
	claim  string
	kind   identity.Kind
	now    func() time.Time
}

func NewJWTAuthenticator(secret, claim string, kind identity.Kind) *JWTAuthenticator {
	if claim == "" {
		claim = DefaultIdentityClaim
	}
	if kind == "" {
		kind = identity.KindInt
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		claim:  claim,
		kind:   kind,
		now:    time.Now,
	}
}

func (a *JWTAuthenticator) Resolve(ctx context.Context, token string) (identity.Identity, error) {
	id, _, err := a.ResolveUntil(ctx, token)
	return id, err
}

// ResolveUntil is Resolve plus the token's expiry, which bounds how long the
// result may be cached.
func (a *JWTAuthenticator) ResolveUntil(ctx context.Context, token string) (identity.Identity, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, time.Time{}, err
	}
	if token == "" {
		return identity.Identity{}, time.Time{}, ErrMissingCredentials
	}
	claims, err := a.verify(token)
	if err != nil {
		return identity.Identity{}, time.Time{}, err
	}

	now := a.now().Unix()
	exp, err := requiredUnix(claims, "exp")
	if err != nil || now >= exp {
		return identity.Identity{}, time.Time{}, ErrInvalidCredentials
	}
	if _, present := claims["iat"]; present {
		if _, err := requiredUnix(claims, "iat"); err != nil {
			return identity.Identity{}, time.Time{}, ErrInvalidCredentials
		}
	}
	if _, present := claims["nbf"]; present {
		nbf, err := requiredUnix(claims, "nbf")
		if err != nil || now < nbf {
			return identity.Identity{}, time.Time{}, ErrInvalidCredentials
		}
	}
	if raw, present := claims["token_type"]; present {
		if typ, ok := raw.(string); !ok || typ != "access" {
			return identity.Identity{}, time.Time{}, ErrInvalidCredentials
		}
	}

	rawID, ok := claims[a.claim]
	if !ok {
		return identity.Identity{}, time.Time{}, fmt.Errorf("%w: missing %s claim", ErrInvalidCredentials, a.claim)
	}
	id, err := a.kind.FromJSON(rawID)
	if err != nil {
		return identity.Identity{}, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return id, time.Unix(exp, 0), nil
}

// verify checks structure and signature and returns the decoded claims.
func (a *JWTAuthenticator) verify(token string) (map[string]any, error) {
	parts, ok := splitToken(token)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	var header struct {
		Alg *string          `json:"alg"`
		Typ *json.RawMessage `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil || header.Alg == nil {
		return nil, ErrInvalidCredentials
	}
	if *header.Alg != "HS256" {
		return nil, ErrUnsupportedJWT
	}
	if header.Typ != nil {
		var typ string
		if err := json.Unmarshal(*header.Typ, &typ); err != nil {
			return nil, ErrInvalidCredentials
		}
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) != sigLen {
		return nil, ErrInvalidCredentials
	}
	if !hmac.Equal(sig, signHS256(a.secret, parts[0]+"."+parts[1])) {
		return nil, ErrInvalidCredentials
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	dec := json.NewDecoder(bytes.NewReader(claimsJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil || claims == nil {
		return nil, ErrInvalidCredentials
	}
	// Exactly one JSON object; trailing data is rejected.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

func signHS256(secret []byte, signingInput string) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// SignHS256 mints a compact HS256 JWT over claims. It is used by relayctl and
// tests; the relay itself only verifies tokens.
func SignHS256(secret string, claims map[string]any) (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	input := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)
	return input + "." + enc.EncodeToString(signHS256([]byte(secret), input)), nil
}

// AccessClaims returns simplejwt-shaped access token claims for id.
func AccessClaims(claim string, id identity.Identity, now time.Time, ttl time.Duration) map[string]any {
	if claim == "" {
		claim = DefaultIdentityClaim
	}
	return map[string]any{
		"token_type": "access",
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
		claim:        id,
	}
}

func splitToken(token string) ([3]string, bool) {
	var parts [3]string
	if token == "" || len(token) > maxTokenLen || strings.Count(token, ".") != 2 {
		return parts, false
	}
	copy(parts[:], strings.SplitN(token, ".", 3))
	limits := [3]int{maxHeaderB64, maxClaimsB64, sigB64Len}
	for i, p := range parts {
		if !canonicalB64URL(p, limits[i]) {
			return parts, false
		}
	}
	return parts, len(parts[2]) == sigB64Len
}

// canonicalB64URL reports whether s is unpadded base64url whose unused
// trailing bits are zero, so each byte string has exactly one encoding.
func canonicalB64URL(s string, maxLen int) bool {
	if s == "" || len(s) > maxLen || len(s)%4 == 1 {
		return false
	}
	var last byte
	for i := 0; i < len(s); i++ {
		v, ok := b64URLValue(s[i])
		if !ok {
			return false
		}
		last = v
	}
	switch len(s) % 4 {
	case 2:
		return last&0x0f == 0
	case 3:
		return last&0x03 == 0
	default:
		return true
	}
}

func b64URLValue(c byte) (byte, bool) {
	switch {
	case c >= 'A' && c <= 'Z':
		return c - 'A', true
	case c >= 'a' && c <= 'z':
		return c - 'a' + 26, true
	case c >= '0' && c <= '9':
		return c - '0' + 52, true
	case c == '-':
		return 62, true
	case c == '_':
		return 63, true
	}
	return 0, false
}

func requiredUnix(claims map[string]any, key string) (int64, error) {
	raw, ok := claims[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s: expected number, got %T", key, raw)
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	// simplejwt always writes integers, but some issuers emit fractional
	// seconds.
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
