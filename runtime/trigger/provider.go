package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/proliferate-ai/proliferate/runtime/schema"
)

type (
	// Provider is the capability record for one event source. Providers are
	// plain data plus optional functions; routing code inspects which
	// capabilities are present instead of switching on provider names.
	//
	// Contract:
	// - ConfigSchema is required. Trigger configuration that fails its
	//   SafeParse skips the occurrence with reason config_invalid.
	// - Events is required for webhook providers, Poll for polling
	//   providers. Scheduled providers synthesize occurrences and need
	//   neither.
	// - Nil Filter accepts every event. Nil DedupKey falls back to the
	//   event's external id, then to a payload digest.
	Provider struct {
		// ID is the registry key ("nango-linear", "github-app", "posthog").
		ID string
		// Kind declares how this provider's occurrences arrive.
		Kind Type
		// Label is the human-readable provider name served to clients.
		Label string
		// ConfigSchema validates trigger configuration for this provider.
		ConfigSchema *schema.Schema
		// Verify authenticates a delivery for providers that carry their
		// own signature scheme on direct intake routes. Nil when the
		// ingress route verifies (or deliberately defers).
		Verify func(ctx context.Context, d Delivery, config map[string]any) error
		// Events extracts occurrences from a delivery. One delivery may
		// carry several occurrences.
		Events func(ctx context.Context, d Delivery) ([]SourceEvent, error)
		// Filter decides whether an occurrence matches the trigger
		// configuration. Returns false with a human-readable reason when
		// the occurrence must be skipped.
		Filter func(ev SourceEvent, config map[string]any) (bool, string)
		// DedupKey derives the idempotency key for an occurrence.
		DedupKey func(ev SourceEvent) string
		// Context builds the run context handed to the spawned automation.
		Context func(ev SourceEvent, config map[string]any) map[string]any
		// Poll fetches occurrences from the source for polling providers.
		Poll func(ctx context.Context, req PollRequest) ([]SourceEvent, error)
	}

	// Delivery is the raw material a provider interprets: the payload and
	// whitelisted headers of one accepted webhook, detached from storage
	// concerns.
	Delivery struct {
		// Provider is the intake route that accepted the delivery.
		Provider string
		// SourceID is the routing identity captured at intake.
		SourceID string
		// Payload is the raw request body.
		Payload []byte
		// Headers is the whitelisted header subset, keys lowercased.
		Headers map[string]string
		// ReceivedAt records when the ingress accepted the delivery.
		ReceivedAt time.Time
	}

	// SourceEvent is one occurrence extracted from a delivery or poll.
	SourceEvent struct {
		// Name is the provider-scoped event name ("issue.created").
		Name string
		// ExternalID is the provider-native identity of the occurrence,
		// when one exists. Preferred for dedup key derivation.
		ExternalID string
		// OccurredAt is the provider-reported occurrence time, when known.
		OccurredAt time.Time
		// Payload is the extracted occurrence body.
		Payload map[string]any
	}

	// PollRequest carries everything a polling provider needs for one poll.
	PollRequest struct {
		// Trigger is the polling trigger being serviced.
		Trigger Trigger
		// Config is the validated trigger configuration.
		Config map[string]any
		// Since bounds the poll window. Zero means provider default.
		Since time.Time
	}

	// Registry holds the provider capability records. Registration happens
	// at process start; lookups are concurrent.
	Registry struct {
		mu        sync.RWMutex
		providers map[string]*Provider
	}
)

var (
	// ErrProviderNotFound indicates no provider is registered under the id.
	ErrProviderNotFound = errors.New("trigger provider not found")
	// ErrProviderExists indicates a duplicate provider registration.
	ErrProviderExists = errors.New("trigger provider already registered")
)

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register adds a provider record. Records are validated once here so
// routing code can rely on the capability contract without re-checking.
func (r *Registry) Register(p *Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	if p.ID == "" {
		return fmt.Errorf("provider id is empty")
	}
	if p.ConfigSchema == nil {
		return fmt.Errorf("provider %q: config schema is required", p.ID)
	}
	switch p.Kind {
	case TypeWebhook:
		if p.Events == nil {
			return fmt.Errorf("provider %q: webhook providers require an Events func", p.ID)
		}
	case TypePolling:
		if p.Poll == nil {
			return fmt.Errorf("provider %q: polling providers require a Poll func", p.ID)
		}
	case TypeScheduled:
	default:
		return fmt.Errorf("provider %q: unknown kind %q", p.ID, p.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrProviderExists, p.ID)
	}
	r.providers[p.ID] = p
	return nil
}

// MustRegister is Register for static wiring in main. It panics on error;
// a misdeclared provider is a programming bug caught at process start.
func (r *Registry) MustRegister(p *Provider) {
	if err := r.Register(p); err != nil {
		panic(fmt.Sprintf("trigger: %v", err))
	}
}

// Lookup returns the provider registered under id.
func (r *Registry) Lookup(id string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, nil
}

// List returns all registered providers sorted by id.
func (r *Registry) List() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EventDedupKey derives the dedup key for an occurrence, preferring the
// provider's own derivation, then the external id, then a payload digest.
func (p *Provider) EventDedupKey(ev SourceEvent) string {
	if p.DedupKey != nil {
		if key := p.DedupKey(ev); key != "" {
			return key
		}
	}
	if ev.ExternalID != "" {
		return fmt.Sprintf("%s:%s", ev.Name, ev.ExternalID)
	}
	return PayloadDedupKey(ev.Name, ev.Payload)
}
