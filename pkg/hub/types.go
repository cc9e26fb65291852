// Package hub fans broadcast messages out to connected observers.
//
// Observers register a connection and manage three independent
// subscription sets: session-scoped, command-stream-scoped, and
// plan-session-scoped. Each set supports the wildcard "all". A
// broadcast is delivered to every observer whose relevant set holds
// the message's scoping id or the wildcard; a small set of exempt
// message types (handshake, heartbeat, global sync notices) bypasses
// filtering and goes to everyone.
//
// Delivery is best-effort and at-most-once. Each observer has a
// bounded send queue; a full queue drops the message for that
// observer, and repeated send failures disconnect it. This is a
// deliberate tradeoff for a live dashboard feed, not an audit trail.
//
// Subscribers are indexed per topic key, so broadcast cost scales
// with the matching observers rather than all observers.
package hub

import (
	"context"
	"time"
)

// Scope selects one of an observer's three subscription sets.
type Scope string

// Subscription scopes.
const (
	ScopeSession Scope = "session"
	ScopeCommand Scope = "command"
	ScopePlan    Scope = "plan"
)

// Wildcard subscribes an observer to every key within a scope.
const Wildcard = "all"

// Message types pushed by the hub itself.
const (
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeSync      = "sync"
)

// Message types originated by the monitoring core.
const (
	TypeSessionUpdate = "session_update"
	TypeWindowUpdate  = "window_update"
	TypeBurnRate      = "burn_rate"
	TypeAlert         = "alert"
	TypeCommandOutput = "command_output"
	TypePlanUpdate    = "plan_update"
)

// Message is a single broadcast payload.
//
// Exactly one of SessionID, CommandID, or PlanID scopes a message;
// messages with none (or with an exempt Type) go to all observers.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
	CommandID string    `json:"commandId,omitempty"`
	PlanID    string    `json:"planId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// inbound is a control message from an observer.
type inbound struct {
	Type  string `json:"type"`
	Scope Scope  `json:"scope,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Conn is a single observer's transport.
//
// Send must be safe for use from one goroutine at a time; the hub
// serializes sends per observer.
type Conn interface {
	// Send writes one serialized message.
	Send(ctx context.Context, data []byte) error

	// Close tears the transport down.
	Close() error
}

// Hub is the observer registry and broadcast fan-out.
type Hub interface {
	// Register adds an observer and returns its id. The observer
	// starts with empty subscription sets and receives a connected
	// handshake message.
	Register(conn Conn) (string, error)

	// Unregister disconnects an observer and purges it from every
	// subscription index. Unknown ids are a no-op.
	Unregister(observerID string)

	// Subscribe adds a key (or the wildcard) to one of the
	// observer's subscription sets.
	Subscribe(observerID string, scope Scope, key string) error

	// Unsubscribe removes a key from a subscription set.
	Unsubscribe(observerID string, scope Scope, key string) error

	// HandleInbound processes a raw control message from an
	// observer: subscribe, unsubscribe, ping, pong. Any inbound
	// traffic counts as liveness.
	HandleInbound(observerID string, data []byte)

	// Broadcast delivers a message to every observer whose relevant
	// subscription set matches, or to all observers for exempt or
	// unscoped messages.
	Broadcast(msg Message)

	// ObserverCount returns the number of connected observers.
	ObserverCount() int

	// Start begins the heartbeat loop.
	Start(ctx context.Context) error

	// Stop disconnects every observer and stops the heartbeat loop.
	Stop() error
}

// Config contains hub configuration.
type Config struct {
	// HeartbeatInterval is how often observers are pinged.
	// Default: 30s.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout disconnects an observer with no inbound
	// activity. Default: 60s.
	HeartbeatTimeout time.Duration

	// SendBuffer is each observer's queued-message bound.
	// Default: 32.
	SendBuffer int

	// SendTimeout bounds a single send. Default: 5s.
	SendTimeout time.Duration

	// MaxSendFailures disconnects an observer after this many
	// consecutive send failures. Default: 3.
	MaxSendFailures int

	// ExemptTypes bypass scoped filtering. Defaults to the
	// handshake, heartbeat, and sync types.
	ExemptTypes []string

	// Now supplies the clock. Defaults to time.Now; injectable for
	// tests.
	Now func() time.Time
}
