// Package identity defines the user identifier the relay assigns to every
// admitted connection.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is returned for absent or malformed identities.
var ErrInvalid = errors.New("invalid identity")

// Kind selects how raw identity strings are parsed and ordered.
type Kind string

const (
	KindInt    Kind = "int"
	KindString Kind = "string"
)

const maxStringLen = 128

// Identity is an immutable user identifier. The zero value is "no identity".
//
// Identity values are comparable and safe to use as map keys.
type Identity struct {
	raw     string
	num     int64
	numeric bool
}

// ParseKind validates a configured identity kind.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(KindInt), "integer":
		return KindInt, nil
	case string(KindString), "str":
		return KindString, nil
	default:
		return "", fmt.Errorf("invalid identity kind %q (expected %s or %s)", raw, KindInt, KindString)
	}
}

// Parse parses raw according to kind.
func (k Kind) Parse(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	switch k {
	case KindString:
		if len(raw) > maxStringLen {
			return Identity{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalid, maxStringLen)
		}
		for i := 0; i < len(raw); i++ {
			if !isStringIdentityChar(raw[i]) {
				return Identity{}, fmt.Errorf("%w: unexpected character %q", ErrInvalid, raw[i])
			}
		}
		return Identity{raw: raw}, nil
	default:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return Identity{}, fmt.Errorf("%w: %q is not a positive integer", ErrInvalid, raw)
		}
		return FromInt(n), nil
	}
}

// FromInt returns the integer identity n. n must be positive for the result
// to be valid.
func FromInt(n int64) Identity {
	if n <= 0 {
		return Identity{}
	}
	return Identity{raw: strconv.FormatInt(n, 10), num: n, numeric: true}
}

// FromString restores an identity from its String form without knowing its
// kind: positive integers become integer identities.
func FromString(raw string) (Identity, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		return FromInt(n), nil
	}
	return KindString.Parse(raw)
}

// FromJSON converts a decoded JWT claim (json.Number or string) into an
// identity of the given kind.
func (k Kind) FromJSON(v any) (Identity, error) {
	switch x := v.(type) {
	case json.Number:
		return k.Parse(x.String())
	case string:
		return k.Parse(x)
	case float64:
		if x != float64(int64(x)) {
			return Identity{}, fmt.Errorf("%w: non-integral number", ErrInvalid)
		}
		return k.Parse(strconv.FormatInt(int64(x), 10))
	default:
		return Identity{}, fmt.Errorf("%w: unsupported claim type %T", ErrInvalid, v)
	}
}

func isStringIdentityChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == ':', c == '@':
		return true
	default:
		return false
	}
}

// IsZero reports whether id is unset.
func (id Identity) IsZero() bool { return id.raw == "" }

func (id Identity) String() string { return id.raw }

// Int returns the numeric value of an integer identity.
func (id Identity) Int() (int64, bool) { return id.num, id.numeric }

// Compare orders identities numerically when both are integers and
// byte-wise otherwise.
func Compare(a, b Identity) int {
	if a.numeric && b.numeric {
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a.raw, b.raw)
}

// MarshalJSON encodes integer identities as JSON numbers and string
// identities as JSON strings.
func (id Identity) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	if id.numeric {
		return []byte(id.raw), nil
	}
	return json.Marshal(id.raw)
}

// UnmarshalJSON accepts either a JSON number or a JSON string. Strings that
// look like positive integers decode as integer identities.
func (id *Identity) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = Identity{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := FromString(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	parsed, err := KindInt.Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
