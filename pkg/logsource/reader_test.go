package logsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
)

func newTestReader(t *testing.T) Reader {
	t.Helper()

	r, err := NewReader(ReaderConfig{
		Offsets:    NewMemoryOffsetStore(),
		Parser:     NewParser(logger.Noop()),
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}, logger.Noop())
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	return r
}

func TestNewReader_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewReader(ReaderConfig{Parser: NewParser(logger.Noop())}, logger.Noop()); err == nil {
		t.Error("NewReader() without offset store did not error")
	}
	if _, err := NewReader(ReaderConfig{Offsets: NewMemoryOffsetStore()}, logger.Noop()); err == nil {
		t.Error("NewReader() without parser did not error")
	}
}

func TestRead_Incremental(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(validLine+"\n"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	r := newTestReader(t)
	ctx := context.Background()

	records, err := r.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}

	// Nothing new: second read returns no records.
	records, err = r.Read(ctx, path)
	if err != nil {
		t.Fatalf("second Read() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("second Read() returned %d records, want 0", len(records))
	}

	// Appended data is picked up.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("failed to open file: %v", err)
	}
	if _, err := f.WriteString(validLine + "\n" + validLine + "\n"); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	records, err = r.Read(ctx, path)
	if err != nil {
		t.Fatalf("third Read() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("third Read() returned %d records, want 2", len(records))
	}
}

func TestRead_TruncatedFileResetsOffset(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(validLine+"\n"+validLine+"\n"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	r := newTestReader(t)
	ctx := context.Background()

	if _, err := r.Read(ctx, path); err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	// Truncate to a single line; the stored offset now exceeds the size.
	if err := os.WriteFile(path, []byte(validLine+"\n"), 0600); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}

	records, err := r.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read() after truncate error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Read() after truncate returned %d records, want 1", len(records))
	}
}

func TestRead_Closed(t *testing.T) {
	t.Parallel()

	r := newTestReader(t)
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := r.Read(context.Background(), "whatever"); !errors.Is(err, ErrReaderClosed) {
		t.Errorf("Read() after close error = %v, want ErrReaderClosed", err)
	}
}

func TestReadFrom_InvalidOffset(t *testing.T) {
	t.Parallel()

	r := newTestReader(t)
	if _, _, err := r.ReadFrom(context.Background(), "whatever", -1); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("ReadFrom(-1) error = %v, want ErrInvalidOffset", err)
	}
}

func TestBoltOffsetStore(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "offsets.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("failed to close db: %v", closeErr)
		}
	}()

	store, err := NewBoltOffsetStore(db)
	if err != nil {
		t.Fatalf("NewBoltOffsetStore() error = %v", err)
	}

	// Unknown path starts at zero.
	offset, err := store.GetOffset("/a/b.jsonl")
	if err != nil {
		t.Fatalf("GetOffset() error = %v", err)
	}
	if offset != 0 {
		t.Errorf("GetOffset() = %d, want 0", offset)
	}

	if err := store.SetOffset("/a/b.jsonl", 4096); err != nil {
		t.Fatalf("SetOffset() error = %v", err)
	}

	offset, err = store.GetOffset("/a/b.jsonl")
	if err != nil {
		t.Fatalf("GetOffset() error = %v", err)
	}
	if offset != 4096 {
		t.Errorf("GetOffset() = %d, want 4096", offset)
	}
}
