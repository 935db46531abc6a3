package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/crawlcore/crawlcore/internal/interfaces"
)

// FilesystemBlobStore is the reference BlobStore: assets live as flat
// files under root, keyed by asset ID. Quota bookkeeping is an in-process
// mutex-guarded ledger (same single-mutex-as-atomicity idiom the queue
// store uses in place of a real transactional UPDATE ... WHERE used <
// cap); a production deployment replaces both with the real object store
// and its own quota accounting.
type FilesystemBlobStore struct {
	root   string
	logger arbor.ILogger

	mu       sync.Mutex
	reserved map[string]int64 // userID -> bytes currently reserved or committed
	capBytes int64
}

func NewFilesystemBlobStore(root string, capBytes int64, logger arbor.ILogger) (*FilesystemBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store root: %w", err)
	}
	return &FilesystemBlobStore{root: root, logger: logger, reserved: make(map[string]int64), capBytes: capBytes}, nil
}

var _ interfaces.BlobStore = (*FilesystemBlobStore)(nil)

func (s *FilesystemBlobStore) path(key string) string {
	return filepath.Join(s.root, key)
}

func (s *FilesystemBlobStore) Put(ctx context.Context, key string, r io.Reader, maxBytes int64) (int64, error) {
	f, err := os.Create(s.path(key))
	if err != nil {
		return 0, fmt.Errorf("create blob file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, maxBytes))
	if err != nil {
		os.Remove(s.path(key))
		return 0, fmt.Errorf("write blob: %w", err)
	}
	return n, nil
}

func (s *FilesystemBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (s *FilesystemBlobStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// ReserveQuota reserves estimatedBytes against userID's cap up front (the
// capture may stream more or fewer bytes than predicted); commit adjusts
// the ledger to the actual size, rollback releases the reservation
// entirely on failure.
func (s *FilesystemBlobStore) ReserveQuota(ctx context.Context, userID string, estimatedBytes int64) (func(int64), func(), error) {
	s.mu.Lock()
	used := s.reserved[userID]
	if used+estimatedBytes > s.capBytes {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("storage quota exceeded for user %s", userID)
	}
	s.reserved[userID] = used + estimatedBytes
	s.mu.Unlock()

	commit := func(actualBytes int64) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reserved[userID] += actualBytes - estimatedBytes
		if s.reserved[userID] < 0 {
			s.reserved[userID] = 0
		}
	}
	rollback := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reserved[userID] -= estimatedBytes
		if s.reserved[userID] < 0 {
			s.reserved[userID] = 0
		}
	}
	return commit, rollback, nil
}
