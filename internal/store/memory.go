package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

type atomicSeq struct{ n atomic.Int64 }

func (s *atomicSeq) next() int64 { return s.n.Add(1) }

// DefaultMemoryMaxMessages caps MemoryStore when maxMessages <= 0.
const DefaultMemoryMaxMessages = 10_000

// MemoryStore keeps the most recent messages in process memory.
type MemoryStore struct {
	max int
	now func() time.Time

	mu     sync.Mutex
	lastID int64
	msgs   []Message
}

func NewMemoryStore(maxMessages int) *MemoryStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMemoryMaxMessages
	}
	return &MemoryStore{max: maxMessages, now: time.Now}
}

func (s *MemoryStore) Save(ctx context.Context, sender, receiver identity.Identity, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, persistErr("save", err)
	}
	if err := validate(sender, receiver); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	msg := Message{
		ID:         s.lastID,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Timestamp:  s.now().UTC(),
	}
	if len(s.msgs) >= s.max {
		copy(s.msgs, s.msgs[1:])
		s.msgs = s.msgs[:len(s.msgs)-1]
	}
	s.msgs = append(s.msgs, msg)
	return msg, nil
}

// Len returns the number of retained messages.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
