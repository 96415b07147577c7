// Package wake defines the session wake protocol.
//
// Workers publish wake messages when something a session cares about
// happens off-turn: a trigger fired, an action was decided, a run changed
// state. The bus only nudges; the owning client's message log stays the
// ordering authority, so clients must tolerate duplicate and out-of-order
// nudges.
package wake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proliferate-ai/proliferate/runtime/session"
)

type (
	// Message is one wake bus envelope.
	Message struct {
		// ID identifies the message for dedup-tolerant clients.
		ID string `json:"id"`
		// Type classifies the nudge.
		Type MessageType `json:"type"`
		// SessionID is the session to wake.
		SessionID string `json:"session_id"`
		// Source names the component that published the message.
		Source string `json:"source"`
		// Payload is the type-specific body.
		Payload json.RawMessage `json:"payload,omitempty"`
		// SentAt records publish time.
		SentAt time.Time `json:"sent_at"`
	}

	// MessageType classifies wake bus messages.
	MessageType string

	// Publisher publishes messages onto the bus.
	Publisher interface {
		Publish(ctx context.Context, m Message) error
	}

	// Client wakes sessions owned by one surface.
	Client interface {
		// Source names the surface this client serves.
		Source() session.ClientType
		// Wake delivers the nudge. Errors mean "retry later": the bus is
		// at-least-once and redelivers until acked.
		Wake(ctx context.Context, s session.Session, m Message) error
	}

	// ClientRegistry holds the wakeable clients by surface.
	ClientRegistry struct {
		mu      sync.RWMutex
		clients map[session.ClientType]Client
	}
)

const (
	// TypeWake is a plain nudge with no specific body.
	TypeWake MessageType = "wake"
	// TypeUserMessage tells the session a user message arrived.
	TypeUserMessage MessageType = "user-message"
	// TypeActionDecided tells the session an action invocation resolved.
	TypeActionDecided MessageType = "action-decided"
	// TypeRunUpdate tells the session its automation run changed state.
	TypeRunUpdate MessageType = "run-update"
)

// ErrNoClient indicates no client serves the session's surface.
var ErrNoClient = errors.New("no wakeable client for session surface")

// NewMessage builds a Message with a fresh id and timestamp.
func NewMessage(t MessageType, sessionID, source string, payload json.RawMessage, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		Source:    source,
		Payload:   payload,
		SentAt:    now,
	}
}

// NewClientRegistry returns an empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[session.ClientType]Client)}
}

// Register adds a client. Duplicate surfaces are a wiring bug.
func (r *ClientRegistry) Register(c Client) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	src := c.Source()
	if src == "" {
		return fmt.Errorf("client source is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[src]; ok {
		return fmt.Errorf("wake client for %q already registered", src)
	}
	r.clients[src] = c
	return nil
}

// Lookup returns the client serving a surface.
func (r *ClientRegistry) Lookup(src session.ClientType) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[src]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, src)
	}
	return c, nil
}

// Sources returns the registered surfaces sorted.
func (r *ClientRegistry) Sources() []session.ClientType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.ClientType, 0, len(r.clients))
	for src := range r.clients {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
