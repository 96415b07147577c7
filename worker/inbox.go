package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	automationprovider "github.com/proliferate-ai/proliferate/providers/automation"
	"github.com/proliferate-ai/proliferate/providers/custom"
	"github.com/proliferate-ai/proliferate/providers/githubapp"
	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/providers/posthog"
	"github.com/proliferate-ai/proliferate/runtime/automation"
	"github.com/proliferate-ai/proliferate/runtime/inbox"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

type (
	// InboxProcessorOptions configure an InboxProcessor.
	InboxProcessorOptions struct {
		// Inbox is the webhook inbox store. Required.
		Inbox inbox.Store
		// Triggers is the trigger store. Required.
		Triggers trigger.Store
		// Automations is the automation store. Required.
		Automations automation.Store
		// Providers is the capability record registry. Required.
		Providers *trigger.Registry
		// Gate is the billing admission gate. Required.
		Gate automation.Gate
		// Launcher spawns runs. Required.
		Launcher RunLauncher
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// InboxProcessor drains webhook inbox rows into trigger events and runs.
	// Its Handle method is the consumer handler for the webhooks queue.
	InboxProcessor struct {
		inbox    inbox.Store
		triggers trigger.Store
		registry *trigger.Registry
		spawn    *spawner
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// routed pairs a trigger with the provider record interpreting its
	// deliveries.
	routed struct {
		trg trigger.Trigger
		p   *trigger.Provider
	}
)

// errUnregisteredProvider settles a row as skipped: the provider that would
// interpret it is gone from the registry, which no retry changes.
var errUnregisteredProvider = errors.New("provider not registered")

// NewInboxProcessor validates options and builds an InboxProcessor.
func NewInboxProcessor(opts InboxProcessorOptions) (*InboxProcessor, error) {
	if opts.Inbox == nil {
		return nil, errors.New("inbox store is required")
	}
	if opts.Triggers == nil {
		return nil, errors.New("trigger store is required")
	}
	if opts.Automations == nil {
		return nil, errors.New("automation store is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("provider registry is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("billing gate is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("run launcher is required")
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
	return &InboxProcessor{
		inbox:    opts.Inbox,
		triggers: opts.Triggers,
		registry: opts.Providers,
		spawn: &spawner{
			triggers:    opts.Triggers,
			automations: opts.Automations,
			gate:        opts.Gate,
			launcher:    opts.Launcher,
			log:         logger,
			metrics:     metrics,
			now:         now,
		},
		log:     logger,
		metrics: metrics,
		now:     now,
	}, nil
}

// Handle processes one inbox row job.
//
// Contract:
//   - A row that is not pending was claimed by another worker or already
//     settled; the job acks without effect.
//   - Unroutable deliveries (unknown connection, disabled trigger, ignored
//     envelope kinds) complete the row with an explanatory note and no
//     events. Deliveries whose interpreter left the registry skip the row.
//   - Returning an error marks the row failed-or-pending and lets the queue
//     retry; the row's attempt count and the job's attempt count move
//     together because every delivery claims the row exactly once.
func (ip *InboxProcessor) Handle(ctx context.Context, job queuepulse.Job) error {
	var ref queuepulse.InboxJob
	if err := json.Unmarshal(job.Payload, &ref); err != nil || ref.InboxID == "" {
		// An unreadable reference can never succeed; drop it.
		ip.log.Error(ctx, "inbox job payload malformed, dropping",
			"job_id", job.ID, "err", err)
		return nil
	}

	now := ip.now().UTC()
	row, err := ip.inbox.MarkProcessing(ctx, ref.InboxID, now)
	if err != nil {
		switch {
		case errors.Is(err, inbox.ErrAlreadyClaimed):
			ip.log.Debug(ctx, "inbox row already claimed", "inbox_id", ref.InboxID)
			return nil
		case errors.Is(err, inbox.ErrNotFound):
			ip.log.Warn(ctx, "inbox row vanished before processing", "inbox_id", ref.InboxID)
			return nil
		}
		return fmt.Errorf("claim inbox row %s: %w", ref.InboxID, err)
	}

	matches, note, err := ip.route(ctx, row)
	if err != nil {
		if errors.Is(err, errUnregisteredProvider) {
			if merr := ip.inbox.MarkSkipped(ctx, row.ID, errUnregisteredProvider.Error(), ip.now().UTC()); merr != nil {
				ip.log.Error(ctx, "skip inbox row", "inbox_id", row.ID, "err", merr)
			}
			ip.metrics.IncCounter(telemetry.MetricInboxProcessed, 1,
				"provider", row.Provider, "outcome", "skipped")
			return nil
		}
		return ip.fail(ctx, row, err)
	}
	if len(matches) == 0 {
		if merr := ip.inbox.MarkCompleted(ctx, row.ID, note, ip.now().UTC()); merr != nil {
			ip.log.Error(ctx, "complete inbox row", "inbox_id", row.ID, "err", merr)
		}
		ip.metrics.IncCounter(telemetry.MetricInboxProcessed, 1,
			"provider", row.Provider, "outcome", "unroutable")
		ip.log.Debug(ctx, "inbox row unroutable",
			"inbox_id", row.ID, "provider", row.Provider, "note", note)
		return nil
	}

	delivery := trigger.Delivery{
		Provider:   row.Provider,
		SourceID:   row.SourceID,
		Payload:    row.Payload,
		Headers:    row.Headers,
		ReceivedAt: row.CreatedAt,
	}
	var stats settleStats
	var firstErr error
	for _, m := range matches {
		events, err := m.p.Events(ctx, delivery)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("extract %s events: %w", m.p.ID, err)
			}
			continue
		}
		st, err := ip.spawn.settle(ctx, m.trg, m.p, events)
		stats.merge(st)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return ip.fail(ctx, row, firstErr)
	}

	if err := ip.inbox.MarkCompleted(ctx, row.ID, stats.String(), ip.now().UTC()); err != nil {
		// The effects are settled; only the bookkeeping is stale. A retry
		// would find the row claimed, so log instead of erroring.
		ip.log.Error(ctx, "complete inbox row", "inbox_id", row.ID, "err", err)
		return nil
	}
	ip.metrics.IncCounter(telemetry.MetricInboxProcessed, 1,
		"provider", row.Provider, "outcome", "completed")
	ip.log.Info(ctx, "inbox row processed",
		"inbox_id", row.ID, "provider", row.Provider,
		"spawned", stats.spawned, "duplicates", stats.duplicates, "skipped", stats.skipped)
	return nil
}

// fail records the failure on the row and surfaces it to the queue. The row
// returns to pending while attempts remain, mirroring the job's own budget.
func (ip *InboxProcessor) fail(ctx context.Context, row inbox.Row, cause error) error {
	stored, err := ip.inbox.MarkFailed(ctx, row.ID, cause.Error(), ip.now().UTC())
	if err != nil {
		ip.log.Error(ctx, "record inbox failure", "inbox_id", row.ID, "err", err)
	} else if stored.Status == inbox.StatusFailed {
		ip.metrics.IncCounter(telemetry.MetricInboxProcessed, 1,
			"provider", row.Provider, "outcome", "failed")
	}
	return cause
}

// route resolves the triggers a row's delivery addresses, paired with their
// provider records. An empty match list with a note settles the row as
// completed: the delivery was received and understood, there is just nothing
// to do for it.
func (ip *InboxProcessor) route(ctx context.Context, row inbox.Row) ([]routed, string, error) {
	switch row.Provider {
	case nango.Route:
		return ip.routeNango(ctx, row)
	case githubapp.ID:
		return ip.routeGitHub(ctx, row)
	case custom.ID:
		return ip.routeCustom(ctx, row)
	case posthog.ID, automationprovider.ID:
		return ip.routeByAutomation(ctx, row)
	}
	return ip.routeDirect(ctx, row)
}

// routeNango unwraps the forward envelope and resolves triggers by the
// product connection. The per-product provider record rides each trigger.
func (ip *InboxProcessor) routeNango(ctx context.Context, row inbox.Row) ([]routed, string, error) {
	hook, err := nango.ParseWebhook(row.Payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode nango envelope: %w", err)
	}
	if !hook.Forward() {
		return nil, fmt.Sprintf("ignored %s envelope", hook.Type), nil
	}
	if hook.ConnectionID == "" {
		return nil, "envelope carries no connection id", nil
	}
	providerID := nango.RegistryID(hook.ProviderConfigKey)
	trgs, err := ip.triggers.ByConnection(ctx, providerID, hook.ConnectionID)
	if err != nil {
		return nil, "", fmt.Errorf("list %s triggers for connection: %w", providerID, err)
	}
	if len(trgs) == 0 {
		return nil, fmt.Sprintf("no triggers for connection %s", hook.ConnectionID), nil
	}
	matches := make([]routed, 0, len(trgs))
	for _, trg := range trgs {
		p, err := ip.registry.Lookup(trg.Provider)
		if err != nil {
			ip.log.Warn(ctx, "trigger has no registered interpreter",
				"trigger_id", trg.ID, "provider", trg.Provider)
			continue
		}
		matches = append(matches, routed{trg: trg, p: p})
	}
	if len(matches) == 0 {
		return nil, "", errUnregisteredProvider
	}
	return matches, "", nil
}

// routeGitHub resolves triggers by the App installation named in the body.
func (ip *InboxProcessor) routeGitHub(ctx context.Context, row inbox.Row) ([]routed, string, error) {
	if !json.Valid(row.Payload) {
		return nil, "", errors.New("github payload is not valid JSON")
	}
	installation, err := githubapp.InstallationID(row.Payload)
	if err != nil {
		// Valid JSON without an installation: hooks sent outside an App
		// install. Nothing routes them.
		return nil, err.Error(), nil
	}
	p, err := ip.registry.Lookup(githubapp.ID)
	if err != nil {
		return nil, "", errUnregisteredProvider
	}
	trgs, err := ip.triggers.ByConnection(ctx, githubapp.ID, installation)
	if err != nil {
		return nil, "", fmt.Errorf("list github triggers for installation: %w", err)
	}
	if len(trgs) == 0 {
		return nil, fmt.Sprintf("no triggers for installation %s", installation), nil
	}
	return pairAll(trgs, p), "", nil
}

// routeCustom resolves the single trigger addressed by the intake path.
func (ip *InboxProcessor) routeCustom(ctx context.Context, row inbox.Row) ([]routed, string, error) {
	trg, err := ip.triggers.Get(ctx, row.SourceID)
	if err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			return nil, fmt.Sprintf("unknown trigger %s", row.SourceID), nil
		}
		return nil, "", fmt.Errorf("load trigger %s: %w", row.SourceID, err)
	}
	if !trg.Enabled {
		return nil, "trigger disabled", nil
	}
	if trg.Provider != custom.ID {
		return nil, fmt.Sprintf("trigger %s is not a custom intake", trg.ID), nil
	}
	p, err := ip.registry.Lookup(custom.ID)
	if err != nil {
		return nil, "", errUnregisteredProvider
	}
	return []routed{{trg: trg, p: p}}, "", nil
}

// routeByAutomation resolves webhook triggers owned by the automation the
// intake path addressed, restricted to the row's provider family.
func (ip *InboxProcessor) routeByAutomation(ctx context.Context, row inbox.Row) ([]routed, string, error) {
	p, err := ip.registry.Lookup(row.Provider)
	if err != nil {
		return nil, "", errUnregisteredProvider
	}
	trgs, err := ip.triggers.ByAutomation(ctx, row.SourceID)
	if err != nil {
		return nil, "", fmt.Errorf("list triggers for automation %s: %w", row.SourceID, err)
	}
	matches := make([]routed, 0, len(trgs))
	for _, trg := range trgs {
		if trg.Provider != row.Provider || !trg.Enabled || trg.Type != trigger.TypeWebhook {
			continue
		}
		matches = append(matches, routed{trg: trg, p: p})
	}
	if len(matches) == 0 {
		return nil, fmt.Sprintf("no %s triggers for automation %s", row.Provider, row.SourceID), nil
	}
	return matches, "", nil
}

// routeDirect resolves generic intakes: the row's provider is a registry id
// and the source id is that provider's connection identity.
func (ip *InboxProcessor) routeDirect(ctx context.Context, row inbox.Row) ([]routed, string, error) {
	p, err := ip.registry.Lookup(row.Provider)
	if err != nil {
		return nil, "", errUnregisteredProvider
	}
	trgs, err := ip.triggers.ByConnection(ctx, row.Provider, row.SourceID)
	if err != nil {
		return nil, "", fmt.Errorf("list %s triggers for connection: %w", row.Provider, err)
	}
	if len(trgs) == 0 {
		return nil, fmt.Sprintf("no triggers for connection %s", row.SourceID), nil
	}
	return pairAll(trgs, p), "", nil
}

func pairAll(trgs []trigger.Trigger, p *trigger.Provider) []routed {
	matches := make([]routed, 0, len(trgs))
	for _, trg := range trgs {
		matches = append(matches, routed{trg: trg, p: p})
	}
	return matches
}
