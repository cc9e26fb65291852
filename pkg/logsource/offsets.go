package logsource

import (
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketOffsets = []byte("read_offsets") // Path -> Offset

// boltOffsetStore implements OffsetStore using BoltDB.
type boltOffsetStore struct {
	db *bolt.DB
	mu sync.RWMutex
}

// NewBoltOffsetStore creates a BoltDB-based offset store.
//
// Parameters:
//   - db: BoltDB database instance
//
// Returns:
//   - Configured OffsetStore
//   - Error if bucket initialization fails
func NewBoltOffsetStore(db *bolt.DB) (OffsetStore, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(bucketOffsets)
		return createErr
	}); err != nil {
		return nil, fmt.Errorf("failed to create offsets bucket: %w", err)
	}

	return &boltOffsetStore{db: db}, nil
}

// GetOffset implements OffsetStore.GetOffset.
func (s *boltOffsetStore) GetOffset(path string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var offset int64

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOffsets).Get([]byte(path))
		if data == nil {
			// No offset stored, start from the beginning.
			offset = 0
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("corrupt offset entry for %s", path)
		}

		offset = int64(binary.BigEndian.Uint64(data)) // nolint:gosec
		return nil
	})

	if err != nil {
		return 0, err
	}

	return offset, nil
}

// SetOffset implements OffsetStore.SetOffset.
func (s *boltOffsetStore) SetOffset(path string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		var data [8]byte
		binary.BigEndian.PutUint64(data[:], uint64(offset)) // nolint:gosec

		if putErr := tx.Bucket(bucketOffsets).Put([]byte(path), data[:]); putErr != nil {
			return fmt.Errorf("failed to store offset: %w", putErr)
		}

		return nil
	})
}

// memoryOffsetStore implements OffsetStore using an in-memory map.
type memoryOffsetStore struct {
	offsets map[string]int64
	mu      sync.RWMutex
}

// NewMemoryOffsetStore creates an in-memory offset store.
//
// Useful for testing or when persistence is not needed.
func NewMemoryOffsetStore() OffsetStore {
	return &memoryOffsetStore{
		offsets: make(map[string]int64),
	}
}

// GetOffset implements OffsetStore.GetOffset.
func (s *memoryOffsetStore) GetOffset(path string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.offsets[path], nil
}

// SetOffset implements OffsetStore.SetOffset.
func (s *memoryOffsetStore) SetOffset(path string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offsets[path] = offset
	return nil
}
