// Package origin decides which browser origins may open chat sockets.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Origin is a normalized browser origin: lower-case scheme and host, default
// ports removed, IPv6 literals bracketed.
type Origin struct {
	Scheme string
	// Host is hostname[:port].
	Host string
}

var null = Origin{Scheme: "null"}

// Parse validates and normalizes a browser Origin header value. The opaque
// origin "null" is accepted and reported by IsNull.
func Parse(raw string) (Origin, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Origin{}, false
	}
	if trimmed == "null" {
		return null, true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Origin{}, false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return Origin{}, false
	}
	if u.Path != "" && u.Path != "/" {
		return Origin{}, false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, false
	}
	host, ok := normalizeHost(u.Host, scheme)
	if !ok {
		return Origin{}, false
	}
	return Origin{Scheme: scheme, Host: host}, true
}

func (o Origin) IsNull() bool { return o == null }

func (o Origin) String() string {
	if o.IsNull() {
		return "null"
	}
	return o.Scheme + "://" + o.Host
}

// Policy is an origin allow-list. With no entries it admits same-host origins
// only; the entry "*" admits everything.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy builds a policy from configured origins. Entries that do not parse
// are ignored; config validation rejects them earlier.
func NewPolicy(allowedOrigins []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, entry := range allowedOrigins {
		entry = strings.TrimSpace(entry)
		if entry == "*" {
			p.any = true
			continue
		}
		if o, ok := Parse(entry); ok {
			p.allowed[o.String()] = struct{}{}
		}
	}
	return p
}

// Allows reports whether a request carrying originHeader may reach
// requestHost. Requests without an Origin header come from non-browser clients
// and are always allowed.
func (p *Policy) Allows(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	o, ok := Parse(originHeader)
	if !ok {
		return false
	}
	if p != nil && p.any {
		return true
	}
	if p != nil && len(p.allowed) > 0 {
		_, ok := p.allowed[o.String()]
		return ok
	}
	if o.IsNull() {
		return false
	}

	// Same host:port. Scheme is not compared because the relay may sit behind
	// a TLS-terminating proxy and see plain HTTP.
	reqHost, ok := normalizeHost(strings.ToLower(strings.TrimSpace(requestHost)), o.Scheme)
	return ok && reqHost == o.Host
}

// CheckRequest is Allows applied to r; it fits websocket.Upgrader.CheckOrigin.
func (p *Policy) CheckRequest(r *http.Request) bool {
	return p.Allows(r.Header.Get("Origin"), r.Host)
}

func normalizeHost(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 hostnames are returned without
// brackets; the port is not validated.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		h, p, _ := strings.Cut(raw, ":")
		if h == "" || p == "" {
			return "", "", false
		}
		return h, p, true
	default:
		return "", "", false
	}
}
