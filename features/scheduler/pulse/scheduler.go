// Package pulse implements the trigger scheduler on Pulse primitives.
// Registrations live in a replicated map so every worker replica sees the
// same schedule; a distributed pool ticker elects one replica per interval
// to scan for due crons and enqueue fire jobs. Refires are harmless: the
// cron worker derives slot-stable dedup keys and the trigger event store
// collapses duplicates.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// RegistrationMapName is the replicated map holding one entry per enabled
// repeatable trigger.
const RegistrationMapName = "scheduled-triggers"

// FireJobName is the queue job name carrying one trigger firing.
const FireJobName = "fire-trigger"

const registrationKeyPrefix = "scheduled-trigger-"

type (
	// Registration is the replicated map value for one repeatable trigger.
	Registration struct {
		Cron     string `json:"cron"`
		Timezone string `json:"timezone,omitempty"`
		Kind     string `json:"kind"`
	}

	// FireJob is the queue payload for one trigger firing. Slot is the cron
	// occurrence in unix seconds; every replica that fires the same slot
	// derives the same dedup key downstream.
	FireJob struct {
		TriggerID string `json:"trigger_id"`
		Kind      string `json:"kind"`
		Slot      int64  `json:"slot"`
	}

	// TriggerStore is the subset of the trigger store the scheduler needs.
	TriggerStore interface {
		ListRepeatable(ctx context.Context) ([]trigger.Trigger, error)
		SetRepeatJobKey(ctx context.Context, id, key string) error
	}

	// Enqueuer places fire jobs on the triggers queue.
	Enqueuer interface {
		Enqueue(ctx context.Context, name string, payload []byte, opts ...queuepulse.EnqueueOption) (queuepulse.Job, error)
	}

	// registrationMap is the subset of rmap.Map used by the scheduler.
	registrationMap interface {
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
		Delete(ctx context.Context, key string) (string, error)
	}

	// tickSource is the distributed ticker seam. Production wraps a pool
	// ticker so only one worker replica receives each tick.
	tickSource interface {
		C() <-chan time.Time
		Stop()
	}

	tickerFactory func(ctx context.Context, name string, interval time.Duration) (tickSource, error)

	// SchedulerOptions configures a Scheduler.
	SchedulerOptions struct {
		// Registrations is the replicated registration map. Required.
		Registrations *rmap.Map
		// Node is the worker pool node providing distributed tickers. Required.
		Node *pool.Node
		// Store persists repeat job keys on triggers. Required.
		Store TriggerStore
		// Queue receives fire jobs. Required.
		Queue Enqueuer
		// ScanInterval is the cadence of due-cron scans. Defaults to 30s.
		ScanInterval time.Duration
		// Lookback is how far behind a scan looks for missed occurrences.
		// Defaults to twice the scan interval.
		Lookback time.Duration
		// Logger is optional; defaults to noop.
		Logger telemetry.Logger
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Scheduler maintains one registration per enabled repeatable trigger
	// and turns due cron occurrences into fire jobs.
	Scheduler struct {
		regs     registrationMap
		tickers  tickerFactory
		store    TriggerStore
		queue    Enqueuer
		interval time.Duration
		lookback time.Duration
		log      telemetry.Logger
		now      func() time.Time

		mu     sync.Mutex
		ticker tickSource
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	poolTicker struct {
		t *pool.Ticker
	}
)

func (p poolTicker) C() <-chan time.Time { return p.t.C }
func (p poolTicker) Stop()               { p.t.Stop() }

// NewScheduler validates options and builds a Scheduler backed by the given
// replicated map and pool node.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Registrations == nil {
		return nil, errors.New("registration map is required")
	}
	if opts.Node == nil {
		return nil, errors.New("pool node is required")
	}
	node := opts.Node
	factory := func(ctx context.Context, name string, interval time.Duration) (tickSource, error) {
		t, err := node.NewTicker(ctx, name, interval)
		if err != nil {
			return nil, err
		}
		return poolTicker{t: t}, nil
	}
	return newScheduler(opts, opts.Registrations, factory)
}

// newScheduler wires the seams directly. Tests call this with fakes.
func newScheduler(opts SchedulerOptions, regs registrationMap, tickers tickerFactory) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("trigger store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("fire queue is required")
	}
	interval := opts.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = 2 * interval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		regs:     regs,
		tickers:  tickers,
		store:    opts.Store,
		queue:    opts.Queue,
		interval: interval,
		lookback: lookback,
		log:      logger,
		now:      now,
	}, nil
}

// RegistrationKey returns the stable registration key for a trigger. The key
// doubles as the repeat job key persisted on the trigger row.
func RegistrationKey(triggerID string) string {
	return registrationKeyPrefix + triggerID
}

// TriggerIDFromKey inverts RegistrationKey. Returns "" for foreign keys.
func TriggerIDFromKey(key string) string {
	if !strings.HasPrefix(key, registrationKeyPrefix) {
		return ""
	}
	return key[len(registrationKeyPrefix):]
}

// Register records a registration for an enabled repeatable trigger and
// persists the repeat job key on the trigger row. Registering an already
// registered trigger overwrites the registration, so config updates take
// effect by re-registering.
func (s *Scheduler) Register(ctx context.Context, trg trigger.Trigger) (string, error) {
	if !trg.Repeatable() {
		return "", fmt.Errorf("trigger %q is %s, not repeatable", trg.ID, trg.Type)
	}
	reg, err := registrationFor(trg)
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(reg)
	if err != nil {
		return "", fmt.Errorf("marshal registration: %w", err)
	}
	key := RegistrationKey(trg.ID)
	if _, err := s.regs.Set(ctx, key, string(value)); err != nil {
		return "", fmt.Errorf("store registration %q: %w", key, err)
	}
	if err := s.store.SetRepeatJobKey(ctx, trg.ID, key); err != nil {
		return "", fmt.Errorf("persist repeat job key for trigger %q: %w", trg.ID, err)
	}
	s.log.Info(ctx, "trigger registered for repeat firing",
		"trigger_id", trg.ID, "kind", string(trg.Type), "cron", reg.Cron)
	return key, nil
}

// Deregister removes a trigger's registration and clears its repeat job key.
// Removing an absent registration is a no-op.
func (s *Scheduler) Deregister(ctx context.Context, triggerID string) error {
	key := RegistrationKey(triggerID)
	if _, err := s.regs.Delete(ctx, key); err != nil {
		return fmt.Errorf("remove registration %q: %w", key, err)
	}
	if err := s.store.SetRepeatJobKey(ctx, triggerID, ""); err != nil {
		return fmt.Errorf("clear repeat job key for trigger %q: %w", triggerID, err)
	}
	s.log.Info(ctx, "trigger deregistered", "trigger_id", triggerID)
	return nil
}

// Sync reconciles the registration map against the enabled repeatable
// triggers in the store. Workers call this at boot so registrations survive
// Redis resets and trigger edits made while no worker was running.
func (s *Scheduler) Sync(ctx context.Context) error {
	triggers, err := s.store.ListRepeatable(ctx)
	if err != nil {
		return fmt.Errorf("list repeatable triggers: %w", err)
	}
	desired := make(map[string]trigger.Trigger, len(triggers))
	for _, trg := range triggers {
		desired[RegistrationKey(trg.ID)] = trg
	}

	var stale int
	for _, key := range s.regs.Keys() {
		if TriggerIDFromKey(key) == "" {
			continue
		}
		if _, ok := desired[key]; ok {
			continue
		}
		if _, err := s.regs.Delete(ctx, key); err != nil {
			return fmt.Errorf("remove stale registration %q: %w", key, err)
		}
		stale++
	}

	var added int
	for key, trg := range desired {
		if _, ok := s.regs.Get(key); ok {
			continue
		}
		if _, err := s.Register(ctx, trg); err != nil {
			return err
		}
		added++
	}
	s.log.Info(ctx, "scheduler registrations synced",
		"triggers", len(desired), "added", added, "removed_stale", stale)
	return nil
}

// Start begins the distributed scan loop. Only one worker replica fires per
// interval; the others' tickers stay silent. Returns immediately; call Stop
// to halt scanning.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker, err := s.tickers(ctx, "scheduled-triggers-scan", s.interval)
	if err != nil {
		return fmt.Errorf("create scan ticker: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.ticker = ticker
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(loopCtx, ticker)
	s.log.Info(ctx, "trigger scheduler started", "scan_interval", s.interval.String())
	return nil
}

// Stop halts the scan loop. Safe to call once after a successful Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	ticker := s.ticker
	s.cancel = nil
	s.ticker = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, ticker tickSource) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.scan(ctx)
		}
	}
}

// scan walks the registrations and enqueues a fire job for every cron
// occurrence inside the lookback window. Duplicate fires across overlapping
// scans collapse downstream on the event dedup key.
func (s *Scheduler) scan(ctx context.Context) {
	now := s.now()
	for _, key := range s.regs.Keys() {
		triggerID := TriggerIDFromKey(key)
		if triggerID == "" {
			continue
		}
		value, ok := s.regs.Get(key)
		if !ok {
			continue
		}
		var reg Registration
		if err := json.Unmarshal([]byte(value), &reg); err != nil {
			s.log.Error(ctx, "registration malformed, skipping", "key", key, "err", err)
			continue
		}
		sched, loc, err := reg.schedule()
		if err != nil {
			s.log.Error(ctx, "registration schedule invalid, skipping",
				"key", key, "cron", reg.Cron, "err", err)
			continue
		}
		for _, slot := range dueSlots(sched, now.In(loc), s.lookback) {
			s.fire(ctx, triggerID, reg.Kind, slot)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, triggerID, kind string, slot time.Time) {
	payload, err := json.Marshal(FireJob{TriggerID: triggerID, Kind: kind, Slot: slot.Unix()})
	if err != nil {
		s.log.Error(ctx, "marshal fire job", "trigger_id", triggerID, "err", err)
		return
	}
	if _, err := s.queue.Enqueue(ctx, FireJobName, payload); err != nil {
		s.log.Error(ctx, "enqueue fire job, occurrence will retry next scan",
			"trigger_id", triggerID, "slot", slot.Unix(), "err", err)
		return
	}
	s.log.Debug(ctx, "trigger fire enqueued",
		"trigger_id", triggerID, "kind", kind, "slot", slot.Unix())
}

// registrationFor derives the replicated map value from the trigger row.
func registrationFor(trg trigger.Trigger) (Registration, error) {
	reg := Registration{
		Cron: trg.PollingCron,
		Kind: string(trg.Type),
	}
	if reg.Cron == "" {
		return Registration{}, fmt.Errorf("trigger %q has no cron expression", trg.ID)
	}
	if len(trg.Config) > 0 {
		var cfg struct {
			Timezone string `json:"timezone"`
		}
		if err := json.Unmarshal(trg.Config, &cfg); err == nil {
			reg.Timezone = cfg.Timezone
		}
	}
	if _, _, err := reg.schedule(); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// schedule parses the registration into a cron schedule and location.
func (r Registration) schedule() (cron.Schedule, *time.Location, error) {
	sched, err := cron.ParseStandard(r.Cron)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cron %q: %w", r.Cron, err)
	}
	loc := time.UTC
	if r.Timezone != "" {
		loc, err = time.LoadLocation(r.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("load timezone %q: %w", r.Timezone, err)
		}
	}
	return sched, loc, nil
}

// dueSlots returns the schedule occurrences in (now-lookback, now].
func dueSlots(sched cron.Schedule, now time.Time, lookback time.Duration) []time.Time {
	var out []time.Time
	t := sched.Next(now.Add(-lookback))
	for !t.IsZero() && !t.After(now) {
		out = append(out, t)
		t = sched.Next(t)
	}
	return out
}
