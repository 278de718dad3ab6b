// Package room tracks two-party room membership.
package room

import (
	"fmt"
	"sync"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

// ErrInvalidIdentity is returned by KeyFor when either party is unset.
var ErrInvalidIdentity = identity.ErrInvalid

// Key is the canonical name of the room shared by two identities, formatted
// as "<lower>_<higher>".
type Key string

// KeyFor returns the room key for a and b. KeyFor(a, b) == KeyFor(b, a).
func KeyFor(a, b identity.Identity) (Key, error) {
	if a.IsZero() || b.IsZero() {
		return "", fmt.Errorf("%w: room requires two identities", ErrInvalidIdentity)
	}
	if identity.Compare(a, b) > 0 {
		a, b = b, a
	}
	return Key(a.String() + "_" + b.String()), nil
}

// Directory maps room keys to member sets. Empty rooms are removed as soon as
// their last member leaves.
type Directory[M comparable] struct {
	mu    sync.RWMutex
	rooms map[Key]map[M]struct{}
}

func NewDirectory[M comparable]() *Directory[M] {
	return &Directory[M]{rooms: make(map[Key]map[M]struct{})}
}

// Join adds member to key, creating the room if needed. Joining twice is a
// no-op.
func (d *Directory[M]) Join(key Key, member M) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.rooms[key]
	if !ok {
		members = make(map[M]struct{}, 2)
		d.rooms[key] = members
	}
	members[member] = struct{}{}
}

// Leave removes member from key. It reports whether member was present.
func (d *Directory[M]) Leave(key Key, member M) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.rooms[key]
	if !ok {
		return false
	}
	if _, ok := members[member]; !ok {
		return false
	}
	delete(members, member)
	if len(members) == 0 {
		delete(d.rooms, key)
	}
	return true
}

// MembersOf returns a snapshot of the members of key. Callers may iterate it
// while other goroutines join or leave.
func (d *Directory[M]) MembersOf(key Key) []M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members := d.rooms[key]
	out := make([]M, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out
}

// Rooms returns the number of non-empty rooms.
func (d *Directory[M]) Rooms() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
