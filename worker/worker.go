// Package worker turns accepted deliveries into automation runs. It hosts
// the queue consumers behind the ingress: the inbox handler routes stored
// webhook rows to trigger providers, the fire handler services scheduled and
// polling triggers, the run and snapshot handlers execute enrichment and
// snapshot builds, and the janitor owns retention sweeps and action expiry.
// Every handler is safe to run on several replicas at once; each effect that
// must happen exactly once is guarded by a store constraint, never by worker
// coordination.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/runtime/automation"
	"github.com/proliferate-ai/proliferate/runtime/billing"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

type (
	// RunLauncher spawns a run for an admitted occurrence.
	// *automation.Launcher satisfies this.
	RunLauncher interface {
		Launch(ctx context.Context, req automation.LaunchRequest) (automation.Run, error)
	}

	// Enqueuer publishes jobs onto one queue. *queuepulse.Queue satisfies
	// this.
	Enqueuer interface {
		Enqueue(ctx context.Context, name string, payload []byte, opts ...queuepulse.EnqueueOption) (queuepulse.Job, error)
	}

	// InboxEnqueuer publishes inbox row jobs onto the webhooks queue.
	InboxEnqueuer interface {
		EnqueueInboxRow(ctx context.Context, inboxID string) (queuepulse.Job, error)
	}

	// spawner is the per-occurrence pipeline shared by the inbox and fire
	// handlers: config validation, filter, admission pre-checks, the dedup
	// insert and the run launch.
	spawner struct {
		triggers    trigger.Store
		automations automation.Store
		gate        automation.Gate
		launcher    RunLauncher
		log         telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
	}

	// settleStats aggregates occurrence outcomes across one job.
	settleStats struct {
		spawned    int
		duplicates int
		skipped    int
	}

	outcome int
)

const (
	outcomeSpawned outcome = iota
	outcomeDuplicate
	outcomeSkipped
)

func (s *settleStats) count(o outcome) {
	switch o {
	case outcomeSpawned:
		s.spawned++
	case outcomeDuplicate:
		s.duplicates++
	case outcomeSkipped:
		s.skipped++
	}
}

func (s *settleStats) merge(other settleStats) {
	s.spawned += other.spawned
	s.duplicates += other.duplicates
	s.skipped += other.skipped
}

// String renders the stats as the inbox row completion note.
func (s settleStats) String() string {
	return fmt.Sprintf("%d spawned, %d duplicate, %d skipped", s.spawned, s.duplicates, s.skipped)
}

// settle runs every occurrence of one trigger through the pipeline and
// aggregates outcomes. The first error is returned but the remaining
// occurrences are still attempted, so a retried job has less left to redo;
// occurrences already settled collapse on their dedup keys.
func (s *spawner) settle(ctx context.Context, trg trigger.Trigger, p *trigger.Provider, events []trigger.SourceEvent) (settleStats, error) {
	var stats settleStats
	var firstErr error
	cfg := p.ConfigSchema.SafeParse(trg.Config)
	for _, ev := range events {
		out, err := s.one(ctx, trg, p, cfg.OK, cfg.Data, ev)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stats.count(out)
	}
	return stats, firstErr
}

// one settles a single occurrence against a single trigger.
//
// The order is part of the dedup contract: every check that can settle the
// occurrence without a run happens before CreateEvent, because the event
// insert consumes the (trigger, dedup key) slot. Failures before the insert
// return an error so the queue retries with the slot still free. Once the
// event exists a launch failure settles the event as failed before the error
// surfaces to the queue; the redelivered job collapses on the consumed dedup
// key instead of re-spawning.
func (s *spawner) one(ctx context.Context, trg trigger.Trigger, p *trigger.Provider, cfgOK bool, cfg map[string]any, ev trigger.SourceEvent) (outcome, error) {
	key := p.EventDedupKey(ev)

	if !cfgOK {
		return s.skip(ctx, trg, ev, key, trigger.SkipConfigInvalid, "")
	}
	if p.Filter != nil {
		if ok, reason := p.Filter(ev, cfg); !ok {
			return s.skip(ctx, trg, ev, key, trigger.SkipFilterMismatch, reason)
		}
	}

	a, err := s.automations.Get(ctx, trg.AutomationID)
	if err != nil {
		if errors.Is(err, automation.ErrNotFound) {
			return s.skip(ctx, trg, ev, key, trigger.SkipAutomationDisabled, "automation missing")
		}
		return 0, fmt.Errorf("load automation %s: %w", trg.AutomationID, err)
	}
	if !a.Enabled {
		return s.skip(ctx, trg, ev, key, trigger.SkipAutomationDisabled, "")
	}

	if d := s.gate.Check(ctx, trg.OrgID, billing.OperationRunSpawn); !d.Allowed {
		gd := &automation.GateDeniedError{Decision: d}
		if gd.Transient() {
			// Capacity may free up; retry with the dedup slot untouched.
			return 0, gd
		}
		return s.skip(ctx, trg, ev, key, trigger.SkipRunCreateFailed, string(d.Code))
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode occurrence payload: %w", err)
	}
	ctxDoc := ev.Payload
	if p.Context != nil {
		ctxDoc = p.Context(ev, cfg)
	}
	runCtx, err := json.Marshal(ctxDoc)
	if err != nil {
		return 0, fmt.Errorf("encode run context: %w", err)
	}

	created, err := s.triggers.CreateEvent(ctx, trigger.Event{
		TriggerID: trg.ID,
		DedupKey:  key,
		Name:      ev.Name,
		Status:    trigger.EventStatusProcessing,
		Payload:   payload,
		Context:   runCtx,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, trigger.ErrDuplicateEvent) {
			s.metrics.IncCounter(telemetry.MetricInboxDeduped, 1, "provider", p.ID)
			s.log.Debug(ctx, "occurrence already recorded",
				"trigger_id", trg.ID, "dedup_key", key)
			return outcomeDuplicate, nil
		}
		return 0, fmt.Errorf("record trigger event: %w", err)
	}

	run, err := s.launcher.Launch(ctx, automation.LaunchRequest{
		AutomationID:   trg.AutomationID,
		TriggerEventID: created.ID,
		OrgID:          trg.OrgID,
		Context:        runCtx,
	})
	if err != nil {
		if errors.Is(err, automation.ErrDisabled) || errors.Is(err, automation.ErrNotFound) {
			// Disabled between the pre-check and the launch.
			s.log.Warn(ctx, "automation disabled after event recorded",
				"trigger_id", trg.ID, "event_id", created.ID)
			s.logSettleErr(ctx, created.ID,
				s.triggers.SkipEvent(ctx, created.ID, trigger.SkipAutomationDisabled, s.now().UTC()))
			return outcomeSkipped, nil
		}
		if gd, ok := automation.IsGateDenied(err); ok {
			// Admission flipped between the pre-check and the launch. The
			// dedup slot is consumed, so the occurrence settles without a
			// run rather than refiring on retry.
			s.log.Warn(ctx, "run spawn denied after event recorded",
				"trigger_id", trg.ID, "event_id", created.ID, "code", string(gd.Decision.Code))
			s.logSettleErr(ctx, created.ID,
				s.triggers.SkipEvent(ctx, created.ID, trigger.SkipRunCreateFailed, s.now().UTC()))
			return outcomeSkipped, nil
		}
		// The failure is recorded on the event (and on the run row when one
		// was created before the gateway call broke) before it surfaces to
		// the queue. The retry collapses on the dedup key; it exists so the
		// row's attempt accounting reflects the outage.
		s.logSettleErr(ctx, created.ID,
			s.triggers.FailEvent(ctx, created.ID, err.Error(), s.now().UTC()))
		return 0, fmt.Errorf("launch run for event %s: %w", created.ID, err)
	}

	s.logSettleErr(ctx, created.ID,
		s.triggers.CompleteEvent(ctx, created.ID, run.SessionID, s.now().UTC()))
	return outcomeSpawned, nil
}

// logSettleErr logs a failed event settle instead of propagating it: by the
// time an event settles its side effects are decided, and an event left
// processing costs audit detail, not behavior.
func (s *spawner) logSettleErr(ctx context.Context, eventID string, err error) {
	if err != nil {
		s.log.Error(ctx, "settle trigger event", "event_id", eventID, "err", err)
	}
}

// skip records a skipped event for the occurrence. Skipped events consume
// the dedup key so a redelivered occurrence does not re-litigate the skip.
func (s *spawner) skip(ctx context.Context, trg trigger.Trigger, ev trigger.SourceEvent, key, reason, detail string) (outcome, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode occurrence payload: %w", err)
	}
	now := s.now().UTC()
	_, err = s.triggers.CreateEvent(ctx, trigger.Event{
		TriggerID:   trg.ID,
		DedupKey:    key,
		Name:        ev.Name,
		Status:      trigger.EventStatusSkipped,
		SkipReason:  reason,
		Payload:     payload,
		CreatedAt:   now,
		ProcessedAt: &now,
	})
	if err != nil {
		if errors.Is(err, trigger.ErrDuplicateEvent) {
			s.metrics.IncCounter(telemetry.MetricInboxDeduped, 1, "provider", trg.Provider)
			return outcomeDuplicate, nil
		}
		return 0, fmt.Errorf("record skipped event: %w", err)
	}
	s.log.Info(ctx, "occurrence skipped",
		"trigger_id", trg.ID, "event", ev.Name, "reason", reason, "detail", detail)
	return outcomeSkipped, nil
}
