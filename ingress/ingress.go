// Package ingress implements the webhook intake HTTP service.
//
// Intake is fast-ack: authenticate the delivery, persist it to the webhook
// inbox, enqueue the row id for the worker, respond. No trigger resolution
// or provider pipeline runs here; a delivery is acknowledged only after it
// is durably stored and queued. The service also serves the action decision
// routes, the provider catalog and the trigger event listing, which share
// the muxer but none of the intake path.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/providers/automation"
	"github.com/proliferate-ai/proliferate/providers/custom"
	"github.com/proliferate-ai/proliferate/providers/githubapp"
	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/providers/posthog"
	"github.com/proliferate-ai/proliferate/runtime/action"
	"github.com/proliferate-ai/proliferate/runtime/auth"
	"github.com/proliferate-ai/proliferate/runtime/inbox"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

type (
	// Enqueuer places accepted inbox rows on the webhooks queue.
	Enqueuer interface {
		EnqueueInboxRow(ctx context.Context, inboxID string) (queuepulse.Job, error)
	}

	// Decider is the slice of the action engine behind the decision routes.
	Decider interface {
		Approve(ctx context.Context, sessionID, id string, actor auth.Identity, opts action.ApproveOptions) (action.Invocation, error)
		Deny(ctx context.Context, sessionID, id string, actor auth.Identity) (action.Invocation, error)
	}

	// EventLister reads a trigger's recorded occurrences. trigger.Store
	// satisfies this.
	EventLister interface {
		EventsSince(ctx context.Context, triggerID string, cutoff time.Time, limit int) ([]trigger.Event, error)
	}

	// Options configures the ingress service.
	Options struct {
		// Inbox persists accepted deliveries. Required.
		Inbox inbox.Store
		// Queue hands accepted rows to the worker. Required.
		Queue Enqueuer
		// Providers is the trigger provider registry. Required.
		Providers *trigger.Registry
		// Actions decides the approval routes. Required.
		Actions Decider
		// Verifier authenticates action deciders. Required.
		Verifier auth.Verifier
		// Triggers serves the trigger event listing when set.
		Triggers EventLister
		// ServiceToken is the shared service-to-service credential. Bearer
		// tokens matching it authenticate as the service identity without a
		// platform round-trip. Empty admits no local service identity.
		ServiceToken string
		// NangoSecret signs Nango deliveries. Empty fails every delivery
		// on the route: verification is never skipped.
		NangoSecret string
		// GitHubSecret signs GitHub App deliveries. Empty fails every
		// delivery on the route.
		GitHubSecret string
		// Health serves GET /health when set.
		Health http.Handler
		// RatePerSecond refills each intake route's token bucket.
		// Defaults to 50.
		RatePerSecond float64
		// RateBurst is each bucket's capacity. Defaults to 100.
		RateBurst int
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Service is the webhook intake HTTP service.
	Service struct {
		inbox     inbox.Store
		queue     Enqueuer
		providers *trigger.Registry
		actions   Decider
		verifier  auth.Verifier
		triggers  EventLister
		health    http.Handler
		log       telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time

		serviceToken string
		nangoSecret  []byte
		githubSecret []byte

		rateLimit rate.Limit
		rateBurst int
		mu        sync.Mutex
		limiters  map[string]*rate.Limiter
	}
)

// maxBodyBytes bounds how much of a request body intake reads. The headroom
// past inbox.MaxPayloadBytes lets signature verification see the full body;
// rows past the inbox cap are stored truncated and skipped.
const maxBodyBytes = 4 << 20

const (
	defaultRatePerSecond = 50
	defaultRateBurst     = 100
)

// Trigger event listing bounds.
const (
	defaultEventWindow = 24 * time.Hour
	defaultEventLimit  = 50
	maxEventLimit      = 200
)

const (
	nangoSignatureHeader  = "x-nango-hmac-sha256"
	githubSignatureHeader = "x-hub-signature-256"
	githubDeliveryHeader  = "x-github-delivery"
)

// New validates options and builds the ingress service.
func New(opts Options) (*Service, error) {
	if opts.Inbox == nil {
		return nil, errors.New("inbox store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("webhooks queue is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("provider registry is required")
	}
	if opts.Actions == nil {
		return nil, errors.New("action decider is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("auth verifier is required")
	}
	limit := opts.RatePerSecond
	if limit <= 0 {
		limit = defaultRatePerSecond
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		inbox:        opts.Inbox,
		queue:        opts.Queue,
		providers:    opts.Providers,
		actions:      opts.Actions,
		verifier:     opts.Verifier,
		triggers:     opts.Triggers,
		health:       opts.Health,
		log:          logger,
		metrics:      metrics,
		now:          now,
		serviceToken: opts.ServiceToken,
		nangoSecret:  []byte(opts.NangoSecret),
		githubSecret: []byte(opts.GitHubSecret),
		rateLimit:    rate.Limit(limit),
		rateBurst:    burst,
		limiters:     make(map[string]*rate.Limiter),
	}, nil
}

// Mount registers every ingress route on the muxer.
func (s *Service) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/webhooks/nango", s.handleNango)
	mux.Handle("POST", "/webhooks/github-app", s.handleGitHub)
	mux.Handle("POST", "/webhooks/custom/{triggerID}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePathIntake(w, r, custom.ID, mux.Vars(r)["triggerID"])
	})
	mux.Handle("POST", "/webhooks/posthog/{automationID}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePathIntake(w, r, posthog.ID, mux.Vars(r)["automationID"])
	})
	mux.Handle("POST", "/webhooks/automation/{automationID}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePathIntake(w, r, automation.ID, mux.Vars(r)["automationID"])
	})
	mux.Handle("POST", "/webhooks/direct/{providerID}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDirect(w, r, mux.Vars(r)["providerID"])
	})
	mux.Handle("POST", "/actions/{sessionID}/invocations/{invocationID}/approve", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		s.handleDecision(w, r, vars["sessionID"], vars["invocationID"], true)
	})
	mux.Handle("POST", "/actions/{sessionID}/invocations/{invocationID}/deny", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		s.handleDecision(w, r, vars["sessionID"], vars["invocationID"], false)
	})
	mux.Handle("GET", "/providers", s.handleProviders)
	mux.Handle("GET", "/providers/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.handleProvider(w, r, mux.Vars(r)["id"])
	})
	if s.triggers != nil {
		mux.Handle("GET", "/triggers/{triggerID}/events", func(w http.ResponseWriter, r *http.Request) {
			s.handleTriggerEvents(w, r, mux.Vars(r)["triggerID"])
		})
	}
	if s.health != nil {
		mux.Handle("GET", "/health", s.health.ServeHTTP)
	}
}

// handleNango accepts the shared Nango forward route. The signature is a hex
// HMAC-SHA256 over the raw body; nothing is persisted on a mismatch. The
// connection id is captured from the envelope when it parses so the row
// carries its routing identity.
func (s *Service) handleNango(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, nango.Route) {
		return
	}
	body, ok := s.readBody(w, r, nango.Route)
	if !ok {
		return
	}
	if !verifySignature(s.nangoSecret, body, r.Header.Get(nangoSignatureHeader)) {
		s.reject(w, r, nango.Route, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
		return
	}
	var sourceID string
	if hook, err := nango.ParseWebhook(body); err == nil {
		sourceID = hook.ConnectionID
	}
	s.accept(w, r, nango.Route, sourceID, "", body)
}

// handleGitHub accepts GitHub App deliveries. The x-hub-signature-256 header
// carries "sha256=<hex>" over the raw body. The delivery GUID suppresses
// upstream redeliveries; the worker extracts the installation from the
// payload.
func (s *Service) handleGitHub(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, githubapp.ID) {
		return
	}
	body, ok := s.readBody(w, r, githubapp.ID)
	if !ok {
		return
	}
	sig, ok := strings.CutPrefix(r.Header.Get(githubSignatureHeader), "sha256=")
	if !ok || !verifySignature(s.githubSecret, body, sig) {
		s.reject(w, r, githubapp.ID, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
		return
	}
	s.accept(w, r, githubapp.ID, "", r.Header.Get(githubDeliveryHeader), body)
}

// handlePathIntake accepts routes whose identity rides in the path: custom
// trigger tokens, PostHog destinations and chained automation fires. The
// path segment is the source id; providers interpret the body later.
func (s *Service) handlePathIntake(w http.ResponseWriter, r *http.Request, provider, sourceID string) {
	if !s.allow(w, provider) {
		return
	}
	body, ok := s.readBody(w, r, provider)
	if !ok {
		return
	}
	s.accept(w, r, provider, sourceID, "", body)
}

// handleDirect accepts deliveries addressed to a registered provider. The
// body must carry a connection identity so the worker can route; deliveries
// without one are rejected before anything is persisted.
func (s *Service) handleDirect(w http.ResponseWriter, r *http.Request, providerID string) {
	if !s.allow(w, providerID) {
		return
	}
	if _, err := s.providers.Lookup(providerID); err != nil {
		s.reject(w, r, providerID, http.StatusNotFound, "not_found", fmt.Sprintf("unknown provider %q", providerID))
		return
	}
	body, ok := s.readBody(w, r, providerID)
	if !ok {
		return
	}
	sourceID := directSourceID(body)
	if sourceID == "" {
		s.reject(w, r, providerID, http.StatusBadRequest, "invalid_request",
			"body must carry integrationId, integration_id or connectionId")
		return
	}
	s.accept(w, r, providerID, sourceID, "", body)
}

// accept stores the delivery and queues it for the worker. The 202 is
// written only after both succeed; rows the inbox skips at intake (oversized
// payloads) are acked without queueing since they will never process.
// Redeliveries that reuse a provider-assigned delivery id collapse on the
// stored row and are acked without a new insert.
func (s *Service) accept(w http.ResponseWriter, r *http.Request, provider, sourceID, deliveryID string, body []byte) {
	ctx := r.Context()
	row, err := inbox.New(provider, sourceID, deliveryID, body, headerMap(r.Header), s.now())
	if err != nil {
		s.reject(w, r, provider, http.StatusInternalServerError, "internal", "delivery could not be recorded")
		return
	}
	if err := s.inbox.Insert(ctx, row); err != nil {
		if errors.Is(err, inbox.ErrDuplicateDelivery) {
			s.log.Debug(ctx, "duplicate delivery suppressed", "provider", provider, "delivery_id", deliveryID)
			s.metrics.IncCounter(telemetry.MetricWebhooksReceived, 1, "provider", provider)
			s.writeJSON(w, http.StatusAccepted, ackResponse{OK: true, Duplicate: true})
			return
		}
		s.log.Error(ctx, "inbox insert failed", "provider", provider, "err", err.Error())
		s.reject(w, r, provider, http.StatusInternalServerError, "internal", "delivery could not be stored")
		return
	}
	if row.Status == inbox.StatusPending {
		if _, err := s.queue.EnqueueInboxRow(ctx, row.ID); err != nil {
			s.log.Error(ctx, "inbox enqueue failed", "provider", provider, "inbox_id", row.ID, "err", err.Error())
			s.reject(w, r, provider, http.StatusInternalServerError, "internal", "delivery could not be queued")
			return
		}
	}
	s.metrics.IncCounter(telemetry.MetricWebhooksReceived, 1, "provider", provider)
	s.writeJSON(w, http.StatusAccepted, ackResponse{OK: true, ID: row.ID})
}

// authenticate resolves the request's bearer token to an identity. The
// shared service token is recognized locally; everything else goes through
// platform introspection. Writes the error response on failure.
func (s *Service) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
		return auth.Identity{}, false
	}
	if auth.ServiceTokenValid(token, s.serviceToken) {
		return auth.Identity{Service: true}, true
	}
	actor, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			s.writeError(w, http.StatusUnauthorized, "unauthenticated", "token rejected")
			return auth.Identity{}, false
		}
		s.log.Error(r.Context(), "identity verification failed", "err", err.Error())
		s.writeError(w, http.StatusBadGateway, "upstream_unavailable", "identity verification unavailable")
		return auth.Identity{}, false
	}
	return actor, true
}

// handleDecision serves the approve and deny routes. The decider identity
// comes from the bearer token; the engine owns the decision semantics and
// this handler only maps its errors onto statuses.
func (s *Service) handleDecision(w http.ResponseWriter, r *http.Request, sessionID, invocationID string, approve bool) {
	ctx := r.Context()
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed decision body")
		return
	}

	var (
		inv action.Invocation
		err error
	)
	if approve {
		inv, err = s.actions.Approve(ctx, sessionID, invocationID, actor, action.ApproveOptions{
			Mode:  req.Mode,
			Grant: req.grantRequest(),
		})
	} else {
		inv, err = s.actions.Deny(ctx, sessionID, invocationID, actor)
	}
	if err != nil {
		s.writeDecisionError(ctx, w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newInvocationResponse(inv))
}

// handleProviders serves the provider catalog.
func (s *Service) handleProviders(w http.ResponseWriter, r *http.Request) {
	list := s.providers.List()
	out := make([]providerResponse, 0, len(list))
	for _, p := range list {
		out = append(out, newProviderResponse(p))
	}
	s.writeJSON(w, http.StatusOK, providersResponse{Providers: out})
}

// handleProvider serves one provider record.
func (s *Service) handleProvider(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.providers.Lookup(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown provider %q", id))
		return
	}
	s.writeJSON(w, http.StatusOK, newProviderResponse(p))
}

// handleTriggerEvents serves a trigger's recent occurrences, newest first.
// Internal surface: the platform proxies it for the trigger timeline and
// applies org scoping there, so only service identities may call it.
func (s *Service) handleTriggerEvents(w http.ResponseWriter, r *http.Request, triggerID string) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !actor.Service {
		s.writeError(w, http.StatusForbidden, "forbidden", "service token required")
		return
	}

	cutoff := s.now().UTC().Add(-defaultEventWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
		cutoff = t
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.triggers.EventsSince(r.Context(), triggerID, cutoff, limit)
	if err != nil {
		s.log.Error(r.Context(), "list trigger events", "trigger_id", triggerID, "err", err.Error())
		s.writeError(w, http.StatusInternalServerError, "internal", "events could not be listed")
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, newEventResponse(ev))
	}
	s.writeJSON(w, http.StatusOK, eventsResponse{Events: out})
}

// allow applies the route's token bucket and writes the 429 on overflow.
func (s *Service) allow(w http.ResponseWriter, key string) bool {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.rateLimit, s.rateBurst)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	if l.Allow() {
		return true
	}
	s.metrics.IncCounter(telemetry.MetricWebhooksRejected, 1, "provider", key, "reason", "rate_limited")
	s.writeError(w, http.StatusTooManyRequests, "rate_limited", "intake rate exceeded")
	return false
}

// readBody reads the request body up to the intake cap.
func (s *Service) readBody(w http.ResponseWriter, r *http.Request, provider string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.reject(w, r, provider, http.StatusBadRequest, "invalid_request", "request body could not be read")
		return nil, false
	}
	return body, true
}

// reject writes an error response and counts the rejection.
func (s *Service) reject(w http.ResponseWriter, r *http.Request, provider string, status int, code, message string) {
	if status != http.StatusInternalServerError {
		s.log.Debug(r.Context(), "delivery rejected", "provider", provider, "status", status, "code", code)
	}
	s.metrics.IncCounter(telemetry.MetricWebhooksRejected, 1, "provider", provider, "reason", code)
	s.writeError(w, status, code, message)
}

func (s *Service) writeDecisionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "forbidden", "only admins and owners decide actions")
	case errors.Is(err, action.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "invocation not found")
	case errors.Is(err, action.ErrExpired):
		s.writeError(w, http.StatusGone, "expired", "invocation decision window has passed")
	case errors.Is(err, action.ErrConflict):
		s.writeError(w, http.StatusConflict, "conflict", "invocation already decided")
	case errors.Is(err, action.ErrAdapterFailure):
		s.writeError(w, http.StatusBadGateway, "adapter_failure", "action execution failed")
	default:
		s.log.Error(ctx, "action decision failed", "err", err.Error())
		s.writeError(w, http.StatusInternalServerError, "internal", "decision could not be recorded")
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Service) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

type (
	ackResponse struct {
		OK        bool   `json:"ok"`
		ID        string `json:"id,omitempty"`
		Duplicate bool   `json:"duplicate,omitempty"`
	}

	errorBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	errorResponse struct {
		Error errorBody `json:"error"`
	}

	decisionRequest struct {
		Mode  string `json:"mode"`
		Grant *struct {
			Scope    string `json:"scope"`
			MaxCalls int    `json:"maxCalls"`
		} `json:"grant"`
	}

	invocationResponse struct {
		ID         string          `json:"id"`
		SessionID  string          `json:"session_id"`
		AdapterID  string          `json:"adapter_id"`
		Name       string          `json:"name"`
		Status     string          `json:"status"`
		Risk       string          `json:"risk"`
		DecidedBy  string          `json:"decided_by,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
		Error      string          `json:"error,omitempty"`
		CreatedAt  time.Time       `json:"created_at"`
		DecidedAt  *time.Time      `json:"decided_at,omitempty"`
		ExecutedAt *time.Time      `json:"executed_at,omitempty"`
	}

	providerResponse struct {
		ID           string          `json:"id"`
		Kind         string          `json:"kind"`
		Label        string          `json:"label,omitempty"`
		ConfigSchema json.RawMessage `json:"config_schema"`
	}

	providersResponse struct {
		Providers []providerResponse `json:"providers"`
	}

	eventResponse struct {
		ID          string          `json:"id"`
		TriggerID   string          `json:"trigger_id"`
		Name        string          `json:"name,omitempty"`
		Status      string          `json:"status"`
		DedupKey    string          `json:"dedup_key"`
		SkipReason  string          `json:"skip_reason,omitempty"`
		Error       string          `json:"error,omitempty"`
		SessionID   string          `json:"session_id,omitempty"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		CreatedAt   time.Time       `json:"created_at"`
		ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	}

	eventsResponse struct {
		Events []eventResponse `json:"events"`
	}
)

func (d decisionRequest) grantRequest() *action.GrantRequest {
	if d.Grant == nil {
		return nil
	}
	return &action.GrantRequest{Scope: d.Grant.Scope, MaxCalls: d.Grant.MaxCalls}
}

func newInvocationResponse(inv action.Invocation) invocationResponse {
	return invocationResponse{
		ID:         inv.ID,
		SessionID:  inv.SessionID,
		AdapterID:  inv.AdapterID,
		Name:       inv.Name,
		Status:     string(inv.Status),
		Risk:       string(inv.Risk),
		DecidedBy:  inv.DecidedBy,
		Result:     inv.Result,
		Error:      inv.Error,
		CreatedAt:  inv.CreatedAt,
		DecidedAt:  inv.DecidedAt,
		ExecutedAt: inv.ExecutedAt,
	}
}

func newProviderResponse(p *trigger.Provider) providerResponse {
	return providerResponse{
		ID:           p.ID,
		Kind:         string(p.Kind),
		Label:        p.Label,
		ConfigSchema: p.ConfigSchema.Raw(),
	}
}

func newEventResponse(ev trigger.Event) eventResponse {
	return eventResponse{
		ID:          ev.ID,
		TriggerID:   ev.TriggerID,
		Name:        ev.Name,
		Status:      string(ev.Status),
		DedupKey:    ev.DedupKey,
		SkipReason:  ev.SkipReason,
		Error:       ev.Error,
		SessionID:   ev.SessionID,
		Payload:     ev.Payload,
		CreatedAt:   ev.CreatedAt,
		ProcessedAt: ev.ProcessedAt,
	}
}

// verifySignature reports whether the hex HMAC-SHA256 of body under secret
// matches the presented signature. Empty secrets and empty signatures never
// match, so an unconfigured route fails closed.
func verifySignature(secret, body []byte, presented string) bool {
	if len(secret) == 0 || presented == "" {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(presented)))
}

// directSourceID extracts the connection identity a direct delivery must
// carry. The three spellings cover the integrators seen in the wild.
func directSourceID(body []byte) string {
	var doc struct {
		IntegrationID      string `json:"integrationId"`
		IntegrationIDSnake string `json:"integration_id"`
		ConnectionID       string `json:"connectionId"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	for _, id := range []string{doc.IntegrationID, doc.IntegrationIDSnake, doc.ConnectionID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// decodeBody decodes an optional JSON body. An empty body decodes to the
// zero value.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// headerMap flattens request headers to single values for inbox storage.
// The inbox applies its own whitelist.
func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
