package store

import (
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/config"
)

// Open builds the store selected by cfg.Store, bounded by cfg.StoreTimeout.
// The returned closer releases backend resources and is never nil.
func Open(cfg config.Config) (MessageStore, io.Closer, error) {
	var (
		s      MessageStore
		closer io.Closer = nopCloser{}
	)
	switch cfg.Store {
	case config.StoreNone:
		s = &Discard{}
	case config.StoreMemory:
		s = NewMemoryStore(cfg.MemoryStoreMaxMessages)
	case config.StoreFile:
		fs, err := OpenFileStore(cfg.StorePath, cfg.StoreFsync)
		if err != nil {
			return nil, nil, err
		}
		s, closer = fs, fs
	default:
		return nil, nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
	return WithTimeout(s, cfg.StoreTimeout), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
