package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

// record is the on-disk form of a Message.
type record struct {
	ID       int64  `msgpack:"id"`
	Sender   string `msgpack:"s"`
	Receiver string `msgpack:"r"`
	Content  string `msgpack:"c"`
	UnixNano int64  `msgpack:"t"`
}

func (r record) message() (Message, error) {
	sender, err := identity.FromString(r.Sender)
	if err != nil {
		return Message{}, err
	}
	receiver, err := identity.FromString(r.Receiver)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         r.ID,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    r.Content,
		Timestamp:  time.Unix(0, r.UnixNano).UTC(),
	}, nil
}

// FileStore appends msgpack-encoded messages to a single log file. IDs
// continue from the highest ID found when the file is opened; a torn record
// at the tail (from a crash mid-write) is truncated away.
type FileStore struct {
	path  string
	fsync bool
	now   func() time.Time

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	enc    *msgpack.Encoder
	lastID int64
	// end is the offset just past the last complete record.
	end int64
}

func OpenFileStore(path string, fsync bool) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store: file path is required")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, persistErr("open", err)
	}

	lastID, goodEnd, err := scanLog(f, nil)
	if err != nil {
		_ = f.Close()
		return nil, persistErr("scan", err)
	}
	if err := f.Truncate(goodEnd); err != nil {
		_ = f.Close()
		return nil, persistErr("truncate", err)
	}
	if _, err := f.Seek(goodEnd, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, persistErr("seek", err)
	}

	w := bufio.NewWriter(f)
	return &FileStore{
		path:   path,
		fsync:  fsync,
		now:    time.Now,
		f:      f,
		w:      w,
		enc:    msgpack.NewEncoder(w),
		lastID: lastID,
		end:    goodEnd,
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// scanLog decodes every record from the start of f, calling visit for each.
// It returns the highest ID and the offset just past the last complete
// record.
func scanLog(f *os.File, visit func(record)) (lastID int64, goodEnd int64, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	cr := &countingReader{r: f}
	br := bufio.NewReader(cr)
	dec := msgpack.NewDecoder(br)
	for {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			// EOF, a short read or garbage: everything after goodEnd is a
			// torn tail.
			return lastID, goodEnd, nil
		}
		goodEnd = cr.n - int64(br.Buffered())
		if rec.ID > lastID {
			lastID = rec.ID
		}
		if visit != nil {
			visit(rec)
		}
	}
}

func (s *FileStore) Save(ctx context.Context, sender, receiver identity.Identity, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, persistErr("save", err)
	}
	if err := validate(sender, receiver); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return Message{}, persistErr("save", os.ErrClosed)
	}

	msg := Message{
		ID:         s.lastID + 1,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Timestamp:  s.now().UTC(),
	}
	rec := record{
		ID:       msg.ID,
		Sender:   sender.String(),
		Receiver: receiver.String(),
		Content:  content,
		UnixNano: msg.Timestamp.UnixNano(),
	}
	if err := s.append(&rec); err != nil {
		s.rollback()
		return Message{}, err
	}
	s.lastID = msg.ID
	return msg, nil
}

func (s *FileStore) append(rec *record) error {
	if err := s.enc.Encode(rec); err != nil {
		return persistErr("encode", err)
	}
	if err := s.w.Flush(); err != nil {
		return persistErr("write", err)
	}
	if s.fsync {
		if err := s.f.Sync(); err != nil {
			return persistErr("sync", err)
		}
	}
	end, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return persistErr("seek", err)
	}
	s.end = end
	return nil
}

// rollback drops whatever part of a failed record reached the file and
// clears the writer's sticky error so the next Save starts clean.
func (s *FileStore) rollback() {
	s.w.Reset(s.f)
	if err := s.f.Truncate(s.end); err != nil {
		return
	}
	_, _ = s.f.Seek(s.end, io.SeekStart)
}

// ReadConversation lists the messages exchanged between a and b in the log
// at path, oldest first. The log is opened read-only, so a relay may keep
// appending to it; a record still being written is skipped as a torn tail.
func ReadConversation(path string, a, b identity.Identity) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, persistErr("open", err)
	}
	defer f.Close()

	var (
		out      []Message
		visitErr error
	)
	_, _, err = scanLog(f, func(rec record) {
		if visitErr != nil {
			return
		}
		m, err := rec.message()
		if err != nil {
			visitErr = err
			return
		}
		if sameConversation(m, a, b) {
			out = append(out, m)
		}
	})
	if err == nil {
		err = visitErr
	}
	if err != nil {
		return nil, persistErr("conversation", err)
	}
	return out, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	if flushErr != nil {
		return fmt.Errorf("flush %s: %w", s.path, flushErr)
	}
	return closeErr
}
