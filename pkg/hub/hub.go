package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
	"github.com/0xmhha/usage-sentinel/pkg/metrics"
)

// observer is one connected client.
type observer struct {
	id     string
	conn   Conn
	sendCh chan []byte
	done   chan struct{}

	// Guarded by the hub mutex.
	lastActivity time.Time
	failures     int
	subs         map[Scope]map[string]bool
}

// hub implements the Hub interface.
type hub struct {
	config  Config
	logger  logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	exempt  map[string]bool

	mu        sync.RWMutex
	observers map[string]*observer
	// indices maps scope -> key -> observer id -> observer, so a
	// broadcast touches only the subscribers of its key (plus the
	// wildcard entry).
	indices  map[Scope]map[string]map[string]*observer
	running  bool
	closed   bool
	stopChan chan struct{}
}

// New creates a new broadcast hub.
//
// Parameters:
//   - cfg: Hub configuration
//   - m: Metrics collectors
//   - log: Logger instance
//
// Returns:
//   - Configured Hub
func New(cfg Config, m *metrics.Metrics, log logger.Logger) Hub {
	// Set defaults.
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 32
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.MaxSendFailures == 0 {
		cfg.MaxSendFailures = 3
	}
	if cfg.ExemptTypes == nil {
		cfg.ExemptTypes = []string{TypeConnected, TypePing, TypePong, TypeSync}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	exempt := make(map[string]bool, len(cfg.ExemptTypes))
	for _, t := range cfg.ExemptTypes {
		exempt[t] = true
	}

	return &hub{
		config:    cfg,
		logger:    log,
		metrics:   m,
		now:       cfg.Now,
		exempt:    exempt,
		observers: make(map[string]*observer),
		indices: map[Scope]map[string]map[string]*observer{
			ScopeSession: make(map[string]map[string]*observer),
			ScopeCommand: make(map[string]map[string]*observer),
			ScopePlan:    make(map[string]map[string]*observer),
		},
		stopChan: make(chan struct{}),
	}
}

// Register implements Hub.Register.
func (h *hub) Register(conn Conn) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}

	o := &observer{
		id:           uuid.NewString(),
		conn:         conn,
		sendCh:       make(chan []byte, h.config.SendBuffer),
		done:         make(chan struct{}),
		lastActivity: h.now(),
		subs: map[Scope]map[string]bool{
			ScopeSession: make(map[string]bool),
			ScopeCommand: make(map[string]bool),
			ScopePlan:    make(map[string]bool),
		},
	}
	h.observers[o.id] = o
	h.mu.Unlock()

	go h.writeLoop(o)

	h.metrics.ObserversConnected.Inc()
	h.logger.Info("observer connected", "observer", o.id)

	h.enqueue(o, Message{
		Type:      TypeConnected,
		Timestamp: h.now(),
		Payload:   map[string]string{"observerId": o.id},
	})
	return o.id, nil
}

// Unregister implements Hub.Unregister.
func (h *hub) Unregister(observerID string) {
	h.mu.Lock()
	o, exists := h.observers[observerID]
	if !exists {
		h.mu.Unlock()
		return
	}

	delete(h.observers, observerID)

	// Purge from every subscription index atomically with the
	// registry removal.
	for scope, keys := range o.subs {
		for key := range keys {
			h.dropFromIndex(scope, key, observerID)
		}
	}
	h.mu.Unlock()

	close(o.done)
	if err := o.conn.Close(); err != nil {
		h.logger.Debug("observer close error", "observer", observerID, "error", err)
	}

	h.metrics.ObserversConnected.Dec()
	h.logger.Info("observer disconnected", "observer", observerID)
}

// Subscribe implements Hub.Subscribe.
func (h *hub) Subscribe(observerID string, scope Scope, key string) error {
	if !validScope(scope) {
		return ErrInvalidScope
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	o, exists := h.observers[observerID]
	if !exists {
		return ErrObserverNotFound
	}

	o.subs[scope][key] = true

	index := h.indices[scope]
	if index[key] == nil {
		index[key] = make(map[string]*observer)
	}
	index[key][observerID] = o
	return nil
}

// Unsubscribe implements Hub.Unsubscribe.
func (h *hub) Unsubscribe(observerID string, scope Scope, key string) error {
	if !validScope(scope) {
		return ErrInvalidScope
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	o, exists := h.observers[observerID]
	if !exists {
		return ErrObserverNotFound
	}

	delete(o.subs[scope], key)
	h.dropFromIndex(scope, key, observerID)
	return nil
}

// HandleInbound implements Hub.HandleInbound.
func (h *hub) HandleInbound(observerID string, data []byte) {
	h.mu.Lock()
	o, exists := h.observers[observerID]
	if exists {
		o.lastActivity = h.now()
	}
	h.mu.Unlock()
	if !exists {
		return
	}

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("malformed observer message",
			"observer", observerID,
			"error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		if err := h.Subscribe(observerID, msg.Scope, msg.ID); err != nil {
			h.logger.Warn("subscribe failed",
				"observer", observerID,
				"scope", msg.Scope,
				"error", err)
		}
	case "unsubscribe":
		if err := h.Unsubscribe(observerID, msg.Scope, msg.ID); err != nil {
			h.logger.Warn("unsubscribe failed",
				"observer", observerID,
				"scope", msg.Scope,
				"error", err)
		}
	case TypePing:
		h.enqueue(o, Message{Type: TypePong, Timestamp: h.now()})
	case TypePong:
		// Liveness already updated above.
	default:
		h.logger.Debug("ignoring unknown observer message",
			"observer", observerID,
			"type", msg.Type)
	}
}

// Broadcast implements Hub.Broadcast.
func (h *hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	for _, o := range h.targets(msg) {
		h.enqueueRaw(o, data)
	}
}

// targets resolves the observers a message should reach.
func (h *hub) targets(msg Message) []*observer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	scope, key := messageScope(msg)
	if h.exempt[msg.Type] || scope == "" {
		all := make([]*observer, 0, len(h.observers))
		for _, o := range h.observers {
			all = append(all, o)
		}
		return all
	}

	index := h.indices[scope]
	seen := make(map[string]bool)
	var out []*observer
	for _, k := range []string{key, Wildcard} {
		for id, o := range index[k] {
			if !seen[id] {
				seen[id] = true
				out = append(out, o)
			}
		}
	}
	return out
}

// ObserverCount implements Hub.ObserverCount.
func (h *hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Start implements Hub.Start.
func (h *hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.running = true
	h.mu.Unlock()

	go h.heartbeatLoop(ctx)

	h.logger.Info("broadcast hub started",
		"heartbeat_interval", h.config.HeartbeatInterval,
		"heartbeat_timeout", h.config.HeartbeatTimeout)
	return nil
}

// Stop implements Hub.Stop.
func (h *hub) Stop() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.closed = true
	if h.running {
		close(h.stopChan)
		h.running = false
	}
	ids := make([]string, 0, len(h.observers))
	for id := range h.observers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Unregister(id)
	}

	h.logger.Info("broadcast hub stopped")
	return nil
}

// heartbeatLoop pings observers and reaps the unresponsive.
func (h *hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.ReapStale()
			h.Broadcast(Message{Type: TypePing, Timestamp: h.now()})
		}
	}
}

// ReapStale disconnects observers past the heartbeat timeout.
// Exposed so callers with an injected clock can drive liveness
// deterministically.
func (h *hub) ReapStale() {
	now := h.now()

	h.mu.RLock()
	var stale []string
	for id, o := range h.observers {
		if now.Sub(o.lastActivity) > h.config.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.logger.Warn("observer timed out", "observer", id)
		h.Unregister(id)
	}
}

// writeLoop serializes sends for one observer.
func (h *hub) writeLoop(o *observer) {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), h.config.SendTimeout)
			err := o.conn.Send(ctx, data)
			cancel()

			if err == nil {
				h.mu.Lock()
				o.failures = 0
				h.mu.Unlock()
				continue
			}

			h.mu.Lock()
			o.failures++
			failures := o.failures
			h.mu.Unlock()

			h.logger.Warn("observer send failed",
				"observer", o.id,
				"failures", failures,
				"error", err)

			if failures >= h.config.MaxSendFailures {
				// Unregister closes o.done, ending this loop.
				h.Unregister(o.id)
				return
			}
		}
	}
}

// enqueue marshals and queues a message for one observer.
func (h *hub) enqueue(o *observer, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	h.enqueueRaw(o, data)
}

// enqueueRaw queues serialized data without blocking; a full queue
// drops the message.
func (h *hub) enqueueRaw(o *observer, data []byte) {
	select {
	case o.sendCh <- data:
	default:
		h.metrics.MessagesDropped.Inc()
		h.logger.Debug("observer queue full, message dropped", "observer", o.id)
	}
}

// dropFromIndex removes an observer from one index key. Caller holds
// the lock.
func (h *hub) dropFromIndex(scope Scope, key, observerID string) {
	index := h.indices[scope]
	if subs, ok := index[key]; ok {
		delete(subs, observerID)
		if len(subs) == 0 {
			delete(index, key)
		}
	}
}

// messageScope derives the scope and key from a message's fields.
func messageScope(msg Message) (Scope, string) {
	switch {
	case msg.SessionID != "":
		return ScopeSession, msg.SessionID
	case msg.CommandID != "":
		return ScopeCommand, msg.CommandID
	case msg.PlanID != "":
		return ScopePlan, msg.PlanID
	default:
		return "", ""
	}
}

func validScope(scope Scope) bool {
	switch scope {
	case ScopeSession, ScopeCommand, ScopePlan:
		return true
	}
	return false
}
