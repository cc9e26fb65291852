package logsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
)

// fsNotifier implements the Notifier interface using fsnotify.
type fsNotifier struct {
	fsw    *fsnotify.Watcher
	logger logger.Logger
	config NotifierConfig

	events chan Event
	errors chan error

	mu       sync.RWMutex
	running  bool
	closed   bool
	stopChan chan struct{}

	// Debouncing state.
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex

	// Circuit breaker state.
	failureCount int
	lastFailure  time.Time
}

// NewNotifier creates a new fsnotify-backed change notifier.
//
// Parameters:
//   - cfg: Notifier configuration
//   - log: Logger instance
//
// Returns:
//   - Configured Notifier
//   - Error if the underlying watcher cannot be created
func NewNotifier(cfg NotifierConfig, log logger.Logger) (Notifier, error) {
	// Set defaults.
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if cfg.CircuitBreakerThreshold == 0 {
		cfg.CircuitBreakerThreshold = 5
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	n := &fsNotifier{
		fsw:            fsw,
		logger:         log,
		config:         cfg,
		events:         make(chan Event, 100),
		errors:         make(chan error, 10),
		stopChan:       make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}

	log.Info("log source notifier created",
		"debounce_interval", cfg.DebounceInterval)

	return n, nil
}

// Start implements Notifier.Start.
func (n *fsNotifier) Start(ctx context.Context, paths []string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNotifierClosed
	}
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.running = true
	n.mu.Unlock()

	// Expand and validate paths.
	expandedPaths := make([]string, 0, len(paths))
	for _, path := range paths {
		expanded := expandHome(path)

		if _, err := os.Stat(expanded); err != nil {
			if os.IsNotExist(err) {
				n.logger.Warn("watch path does not exist, skipping",
					"path", expanded)
				continue
			}
			return fmt.Errorf("failed to stat path %s: %w", expanded, err)
		}

		expandedPaths = append(expandedPaths, expanded)
	}

	if len(expandedPaths) == 0 {
		return ErrNoWatchPaths
	}

	for _, path := range expandedPaths {
		if err := n.addPathRecursive(path); err != nil {
			return fmt.Errorf("failed to add path %s: %w", path, err)
		}
	}

	n.logger.Info("notifier started",
		"paths", expandedPaths,
		"path_count", len(expandedPaths))

	go n.processEvents(ctx)

	return nil
}

// Stop implements Notifier.Stop.
func (n *fsNotifier) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNotifierClosed
	}
	if !n.running {
		return ErrNotStarted
	}

	close(n.stopChan)
	n.running = false

	n.logger.Info("notifier stopped")
	return nil
}

// Events implements Notifier.Events.
func (n *fsNotifier) Events() <-chan Event {
	return n.events
}

// Errors implements Notifier.Errors.
func (n *fsNotifier) Errors() <-chan error {
	return n.errors
}

// Close implements Notifier.Close.
func (n *fsNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	n.closed = true

	if n.running {
		close(n.stopChan)
		n.running = false
	}

	close(n.events)
	close(n.errors)

	// Cancel debounce timers so nothing fires after close.
	n.debounceMu.Lock()
	for _, timer := range n.debounceTimers {
		timer.Stop()
	}
	n.debounceTimers = nil
	n.debounceMu.Unlock()

	if err := n.fsw.Close(); err != nil {
		n.logger.Error("failed to close fsnotify watcher", "error", err)
		return fmt.Errorf("failed to close notifier: %w", err)
	}

	n.logger.Info("notifier closed")
	return nil
}

// processEvents handles events from fsnotify.
func (n *fsNotifier) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("event processing stopped", "reason", "context cancelled")
			return

		case <-n.stopChan:
			n.logger.Info("event processing stopped", "reason", "stop signal")
			return

		case event, ok := <-n.fsw.Events:
			if !ok {
				n.logger.Warn("fsnotify events channel closed")
				return
			}

			n.handleEvent(event)

		case err, ok := <-n.fsw.Errors:
			if !ok {
				n.logger.Warn("fsnotify errors channel closed")
				return
			}

			n.handleError(err)
		}
	}
}

// handleEvent processes a single fsnotify event with debouncing.
func (n *fsNotifier) handleEvent(event fsnotify.Event) {
	// New session directories must be watched as they appear.
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if addErr := n.fsw.Add(event.Name); addErr != nil {
				n.logger.Warn("failed to watch new directory",
					"path", event.Name,
					"error", addErr)
			}
			return
		}
	}

	// Only session log files matter.
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		op = OpCreate
	case event.Op&fsnotify.Write == fsnotify.Write:
		op = OpWrite
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		op = OpRemove
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		op = OpRename
	default:
		return
	}

	n.debounceEvent(Event{
		Path:      event.Name,
		Op:        op,
		Timestamp: time.Now(),
	})
}

// debounceEvent coalesces rapid events on the same path.
func (n *fsNotifier) debounceEvent(event Event) {
	n.debounceMu.Lock()
	defer n.debounceMu.Unlock()

	if timer, exists := n.debounceTimers[event.Path]; exists {
		timer.Stop()
	}

	n.debounceTimers[event.Path] = time.AfterFunc(n.config.DebounceInterval, func() {
		n.mu.RLock()
		closed := n.closed
		n.mu.RUnlock()

		if !closed {
			n.events <- event
		}

		n.debounceMu.Lock()
		delete(n.debounceTimers, event.Path)
		n.debounceMu.Unlock()
	})
}

// handleError processes fsnotify errors with a circuit breaker.
func (n *fsNotifier) handleError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.failureCount++
	n.lastFailure = time.Now()

	n.logger.Error("fsnotify error",
		"error", err,
		"failure_count", n.failureCount)

	if n.failureCount >= n.config.CircuitBreakerThreshold {
		n.logger.Error("watch circuit breaker opened",
			"threshold", n.config.CircuitBreakerThreshold)

		select {
		case n.errors <- ErrCircuitBreakerOpen:
		default:
			n.logger.Warn("error channel full, dropping error")
		}

		return
	}

	select {
	case n.errors <- err:
	default:
		n.logger.Warn("error channel full, dropping error")
	}
}

// addPathRecursive adds a path and all subdirectories to the watcher.
func (n *fsNotifier) addPathRecursive(path string) error {
	if err := n.fsw.Add(path); err != nil {
		return fmt.Errorf("failed to add path: %w", err)
	}

	n.logger.Debug("added watch path", "path", path)

	return filepath.Walk(path, func(subPath string, info os.FileInfo, err error) error {
		if err != nil {
			n.logger.Warn("error walking path",
				"path", subPath,
				"error", err)
			return nil // Skip but continue walking.
		}

		if !info.IsDir() || subPath == path {
			return nil
		}

		if addErr := n.fsw.Add(subPath); addErr != nil {
			n.logger.Warn("failed to add subdirectory",
				"path", subPath,
				"error", addErr)
			return nil
		}

		n.logger.Debug("added watch subdirectory", "path", subPath)
		return nil
	})
}

// expandHome expands ~ in file paths to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return homeDir
	}

	return filepath.Join(homeDir, path[2:])
}
