package logsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
)

// reader implements the Reader interface.
type reader struct {
	offsets OffsetStore
	parser  Parser
	logger  logger.Logger
	config  ReaderConfig

	mu     sync.RWMutex
	closed bool
}

// NewReader creates a new incremental log reader.
//
// Parameters:
//   - cfg: Reader configuration (Offsets and Parser are required)
//   - log: Logger instance
//
// Returns:
//   - Configured Reader
//   - Error if configuration is invalid
func NewReader(cfg ReaderConfig, log logger.Logger) (Reader, error) {
	if cfg.Offsets == nil {
		return nil, fmt.Errorf("offset store is required")
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("parser is required")
	}

	// Set defaults.
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = maxFileSize
	}

	return &reader{
		offsets: cfg.Offsets,
		parser:  cfg.Parser,
		logger:  log,
		config:  cfg,
	}, nil
}

// Read implements Reader.Read.
func (r *reader) Read(ctx context.Context, path string) ([]Record, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrReaderClosed
	}
	r.mu.RUnlock()

	offset, err := r.offsets.GetOffset(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get offset: %w", err)
	}

	records, newOffset, err := r.readWithRetry(ctx, path, offset)
	if err != nil {
		return nil, err
	}

	if err := r.offsets.SetOffset(path, newOffset); err != nil {
		// Reading succeeded; a stale offset only means re-reading
		// some records next time.
		r.logger.Error("failed to update offset",
			"path", path,
			"offset", newOffset,
			"error", err)
	}

	r.logger.Debug("read complete",
		"path", path,
		"records", len(records),
		"new_offset", newOffset)

	return records, nil
}

// ReadFrom implements Reader.ReadFrom.
func (r *reader) ReadFrom(ctx context.Context, path string, offset int64) ([]Record, int64, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, 0, ErrReaderClosed
	}
	r.mu.RUnlock()

	if offset < 0 {
		return nil, 0, ErrInvalidOffset
	}

	return r.readWithRetry(ctx, path, offset)
}

// Reset implements Reader.Reset.
func (r *reader) Reset(path string) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrReaderClosed
	}
	r.mu.RUnlock()

	if err := r.offsets.SetOffset(path, 0); err != nil {
		return fmt.Errorf("failed to reset offset: %w", err)
	}

	r.logger.Info("offset reset", "path", path)
	return nil
}

// Close implements Reader.Close.
func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	return nil
}

// readWithRetry reads a file with exponential backoff on transient errors.
func (r *reader) readWithRetry(ctx context.Context, path string, offset int64) ([]Record, int64, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoffMultiplier := 1 << (attempt - 1) // nolint:gosec // attempt bounded by MaxRetries
			delay := r.config.RetryDelay * time.Duration(backoffMultiplier)

			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		records, newOffset, err := r.readFile(ctx, path, offset)
		if err == nil {
			return records, newOffset, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return nil, 0, err
		}

		r.logger.Warn("read attempt failed",
			"path", path,
			"attempt", attempt,
			"error", err)
	}

	return nil, 0, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// readFile reads a file from the specified offset.
func (r *reader) readFile(ctx context.Context, path string, offset int64) ([]Record, int64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrFileNotFound
		}
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}

	fileSize := info.Size()
	if fileSize > r.config.MaxFileSize {
		return nil, 0, ErrFileTooLarge
	}

	// A shrunken file means rotation or truncation; start over.
	if offset > fileSize {
		r.logger.Warn("file was truncated, resetting offset",
			"path", path,
			"old_offset", offset,
			"file_size", fileSize)
		offset = 0
	}

	if offset == fileSize {
		return []Record{}, offset, nil
	}

	records, newOffset, err := r.parser.ParseFile(path, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse file: %w", err)
	}

	return records, newOffset, nil
}

// isRetryable reports whether a read error is worth retrying.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrFileNotFound):
		return true // File might be created shortly.
	case errors.Is(err, ErrFileTooLarge),
		errors.Is(err, ErrInvalidOffset),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
