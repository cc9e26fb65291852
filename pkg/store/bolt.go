package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/0xmhha/usage-sentinel/pkg/ingest"
	"github.com/0xmhha/usage-sentinel/pkg/logger"
)

// Bucket names.
var (
	bucketEvents = []byte("events") // session id -> nested bucket (seq -> Event)
	bucketTotals = []byte("totals") // session id -> big-endian int64
)

// boltStore implements the Store interface using BoltDB.
type boltStore struct {
	db     *bolt.DB
	logger logger.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a new BoltDB-backed store.
//
// Parameters:
//   - cfg: Store configuration
//   - log: Logger instance
//
// Returns:
//   - Configured Store
//   - Error if the database cannot be opened
func New(cfg Config, log logger.Logger) (Store, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	dbPath := expandHome(cfg.DBPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize buckets.
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, createErr := tx.CreateBucketIfNotExists(bucketEvents); createErr != nil {
			return fmt.Errorf("failed to create events bucket: %w", createErr)
		}
		if _, createErr := tx.CreateBucketIfNotExists(bucketTotals); createErr != nil {
			return fmt.Errorf("failed to create totals bucket: %w", createErr)
		}
		return nil
	}); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("failed to close database after initialization error",
				"error", closeErr)
		}
		return nil, err
	}

	log.Info("usage store initialized", "db_path", dbPath)

	return &boltStore{
		db:     db,
		logger: log,
	}, nil
}

// WriteBatch implements Store.WriteBatch.
func (s *boltStore) WriteBatch(ctx context.Context, sessionID string, events []ingest.Event) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketEvents)
		session, err := sessions.CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return fmt.Errorf("failed to create session bucket: %w", err)
		}

		var batchTokens int64
		for _, ev := range events {
			seq, seqErr := session.NextSequence()
			if seqErr != nil {
				return fmt.Errorf("failed to allocate sequence: %w", seqErr)
			}

			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)

			data, marshalErr := json.Marshal(ev)
			if marshalErr != nil {
				return fmt.Errorf("failed to marshal event: %w", marshalErr)
			}
			if putErr := session.Put(key, data); putErr != nil {
				return fmt.Errorf("failed to store event: %w", putErr)
			}

			batchTokens += ev.Tokens
		}

		totals := tx.Bucket(bucketTotals)
		total := decodeTotal(totals.Get([]byte(sessionID))) + batchTokens

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(total))
		return totals.Put([]byte(sessionID), buf)
	})
}

// Events implements Store.Events.
func (s *boltStore) Events(sessionID string) ([]ingest.Event, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	events := []ingest.Event{}
	err := s.db.View(func(tx *bolt.Tx) error {
		session := tx.Bucket(bucketEvents).Bucket([]byte(sessionID))
		if session == nil {
			return nil
		}

		return session.ForEach(func(_, v []byte) error {
			var ev ingest.Event
			if unmarshalErr := json.Unmarshal(v, &ev); unmarshalErr != nil {
				return fmt.Errorf("failed to unmarshal event: %w", unmarshalErr)
			}
			events = append(events, ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// TotalTokens implements Store.TotalTokens.
func (s *boltStore) TotalTokens(sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, ErrEmptySessionID
	}
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		total = decodeTotal(tx.Bucket(bucketTotals).Get([]byte(sessionID)))
		return nil
	})
	return total, err
}

// SessionIDs implements Store.SessionIDs.
func (s *boltStore) SessionIDs() ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Close implements Store.Close.
func (s *boltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return s.db.Close()
}

func (s *boltStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func decodeTotal(data []byte) int64 {
	if len(data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
