// Package store persists chat messages. Relay correctness never depends on
// a store succeeding.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

// ErrPersistence wraps every failure returned by a MessageStore.
var ErrPersistence = errors.New("persistence failure")

// Message is the persisted form of a chat frame.
type Message struct {
	ID         int64             `json:"id"`
	SenderID   identity.Identity `json:"sender_id"`
	ReceiverID identity.Identity `json:"receiver_id"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
}

// MessageStore persists chat messages.
type MessageStore interface {
	Save(ctx context.Context, sender, receiver identity.Identity, content string) (Message, error)
}

func persistErr(op string, err error) error {
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func validate(sender, receiver identity.Identity) error {
	if sender.IsZero() || receiver.IsZero() {
		return fmt.Errorf("%w: sender and receiver are required", ErrPersistence)
	}
	return nil
}

func sameConversation(m Message, a, b identity.Identity) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// Discard assigns IDs and timestamps without retaining anything.
type Discard struct {
	seq atomicSeq
	now func() time.Time
}

func (d *Discard) Save(ctx context.Context, sender, receiver identity.Identity, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, persistErr("save", err)
	}
	if err := validate(sender, receiver); err != nil {
		return Message{}, err
	}
	now := time.Now
	if d.now != nil {
		now = d.now
	}
	return Message{
		ID:         d.seq.next(),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Timestamp:  now().UTC(),
	}, nil
}

// WithTimeout bounds every Save on s by d. A Save that outlives d is
// abandoned and reported as a persistence failure; the underlying store may
// still complete it in the background.
func WithTimeout(s MessageStore, d time.Duration) MessageStore {
	if d <= 0 {
		return s
	}
	return &timeoutStore{inner: s, timeout: d}
}

type timeoutStore struct {
	inner   MessageStore
	timeout time.Duration
}

type saveResult struct {
	msg Message
	err error
}

func (t *timeoutStore) Save(ctx context.Context, sender, receiver identity.Identity, content string) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan saveResult, 1)
	go func() {
		msg, err := t.inner.Save(ctx, sender, receiver, content)
		done <- saveResult{msg: msg, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return Message{}, persistErr("save", res.err)
		}
		return res.msg, nil
	case <-ctx.Done():
		return Message{}, persistErr("save", ctx.Err())
	}
}

