package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	schedulerpulse "github.com/proliferate-ai/proliferate/features/scheduler/pulse"
	"github.com/proliferate-ai/proliferate/providers/schedule"
	"github.com/proliferate-ai/proliferate/runtime/automation"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

type (
	// Deregistrar removes the scheduler registration of a trigger that
	// should no longer fire. *schedulerpulse.Scheduler satisfies it.
	Deregistrar interface {
		Deregister(ctx context.Context, triggerID string) error
	}

	// FireProcessorOptions configure a FireProcessor.
	FireProcessorOptions struct {
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
		// Scheduler prunes registrations of dead triggers. Required.
		Scheduler Deregistrar
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Metrics is optional; defaults to noop.
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// FireProcessor turns scheduler fire jobs into trigger events and runs.
	// Its Handle method is the consumer handler for the triggers queue.
	FireProcessor struct {
		triggers  trigger.Store
		registry  *trigger.Registry
		scheduler Deregistrar
		spawn     *spawner
		log       telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time
	}
)

// NewFireProcessor validates options and builds a FireProcessor.
func NewFireProcessor(opts FireProcessorOptions) (*FireProcessor, error) {
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
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
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
	return &FireProcessor{
		triggers:  opts.Triggers,
		registry:  opts.Providers,
		scheduler: opts.Scheduler,
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

// Handle processes one fire job.
//
// Contract:
//   - A deleted, disabled, or no-longer-repeatable trigger deregisters
//     itself and acks; registrations self-heal without an admin sweep.
//   - Scheduled triggers settle exactly one occurrence per slot, keyed so
//     refires and worker restarts collapse onto one event.
//   - Polling triggers fetch occurrences from the source; each polled item
//     settles under the provider's own dedup key, so overlapping poll
//     windows stay idempotent.
//   - On the job's last attempt a failure is recorded as a skipped event on
//     the slot key; the fire stays observable instead of retrying silently.
func (fp *FireProcessor) Handle(ctx context.Context, job queuepulse.Job) error {
	var fire schedulerpulse.FireJob
	if err := json.Unmarshal(job.Payload, &fire); err != nil || fire.TriggerID == "" {
		// An unreadable fire can never succeed; drop it.
		fp.log.Error(ctx, "fire job payload malformed, dropping",
			"job_id", job.ID, "err", err)
		return nil
	}
	slot := time.Unix(fire.Slot, 0).UTC()

	trg, err := fp.triggers.Get(ctx, fire.TriggerID)
	if err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			fp.deregister(ctx, fire.TriggerID, "trigger deleted")
			return nil
		}
		return fmt.Errorf("load trigger %s: %w", fire.TriggerID, err)
	}
	if !trg.Enabled || !trg.Repeatable() {
		fp.deregister(ctx, trg.ID, "trigger no longer fires")
		return nil
	}

	p, err := fp.registry.Lookup(trg.Provider)
	if err != nil {
		// This build lacks the interpreter. The slot is lost; later slots
		// fire again once a build carries the provider.
		fp.log.Error(ctx, "fired trigger has no registered interpreter",
			"trigger_id", trg.ID, "provider", trg.Provider)
		return nil
	}

	slotEv := schedule.Fire(trg.ID, slot)
	events, settled, err := fp.occurrences(ctx, trg, p, slotEv)
	if err != nil {
		return fp.terminal(ctx, job, trg, slotEv, err)
	}
	if settled {
		return nil
	}
	stats, err := fp.spawn.settle(ctx, trg, p, events)
	if err != nil {
		return fp.terminal(ctx, job, trg, slotEv, err)
	}
	fp.metrics.IncCounter(telemetry.MetricTriggersFired, 1,
		"provider", trg.Provider, "kind", string(trg.Type))
	fp.log.Info(ctx, "trigger fired",
		"trigger_id", trg.ID, "kind", string(trg.Type), "slot", fire.Slot,
		"outcome", stats.String())
	return nil
}

// occurrences resolves what this fire should settle. Scheduled triggers
// settle the synthesized slot occurrence; polling triggers settle whatever
// the source reports. settled is true when the fire was fully recorded here,
// with nothing left to spawn.
func (fp *FireProcessor) occurrences(ctx context.Context, trg trigger.Trigger, p *trigger.Provider, slotEv trigger.SourceEvent) (events []trigger.SourceEvent, settled bool, err error) {
	if trg.Type != trigger.TypePolling {
		return []trigger.SourceEvent{slotEv}, false, nil
	}

	cfg := p.ConfigSchema.SafeParse(trg.Config)
	if !cfg.OK {
		// The poll cannot run until the trigger is edited. Settle the slot
		// as skipped so the broken config shows in the event timeline.
		if _, serr := fp.spawn.skip(ctx, trg, slotEv, slotEv.ExternalID, trigger.SkipConfigInvalid, cfg.Err.Error()); serr != nil {
			return nil, false, serr
		}
		return nil, true, nil
	}
	polled, err := p.Poll(ctx, trigger.PollRequest{Trigger: trg, Config: cfg.Data})
	if err != nil {
		return nil, false, fmt.Errorf("poll %s source: %w", trg.Provider, err)
	}
	return polled, false, nil
}

// terminal decides whether a failed fire retries or settles. Before the last
// attempt the error goes back to the queue. On the last attempt the slot is
// recorded as a skipped event so the failure stays visible after the job is
// gone; polled occurrences that already settled keep their events.
func (fp *FireProcessor) terminal(ctx context.Context, job queuepulse.Job, trg trigger.Trigger, slotEv trigger.SourceEvent, cause error) error {
	if job.Attempt < job.MaxAttempts {
		return cause
	}
	fp.log.Error(ctx, "fire exhausted retries, recording skip",
		"trigger_id", trg.ID, "slot", slotEv.OccurredAt.Unix(), "err", cause)
	if _, err := fp.spawn.skip(ctx, trg, slotEv, slotEv.ExternalID, trigger.SkipRunCreateFailed, cause.Error()); err != nil {
		// No settlement landed; let the dead letter carry the fire.
		return cause
	}
	return nil
}

// deregister prunes the registration of a trigger that should not fire.
// A concurrently deleted trigger row is fine; the registration is gone
// either way.
func (fp *FireProcessor) deregister(ctx context.Context, triggerID, why string) {
	if err := fp.scheduler.Deregister(ctx, triggerID); err != nil && !errors.Is(err, trigger.ErrNotFound) {
		fp.log.Error(ctx, "deregister fired trigger",
			"trigger_id", triggerID, "err", err)
		return
	}
	fp.log.Info(ctx, "fired trigger deregistered", "trigger_id", triggerID, "reason", why)
}
