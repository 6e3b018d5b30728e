package mtproto

import (
	"context"
	"errors"
	"sync"

	"github.com/gotd/td/session"

	"groupcast/internal/domain"
)

// memStorage holds the session of a login handshake until it is persisted.
type memStorage struct {
	mu   sync.Mutex
	data []byte
}

func (s *memStorage) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	s.data = append(s.data[:0], data...)
	s.mu.Unlock()
	return nil
}

func (s *memStorage) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// credStorage reads and writes the session blob of a linked account.
type credStorage struct {
	creds     domain.CredentialStore
	accountID int64
}

func (s credStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := s.creds.Session(ctx, s.accountID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && len(data) == 0) {
		return nil, session.ErrNotFound
	}
	return data, err
}

func (s credStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.creds.SetSession(ctx, s.accountID, data)
}

var (
	_ session.Storage = (*memStorage)(nil)
	_ session.Storage = credStorage{}
)
