package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

type fakeRegs struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRegs() *fakeRegs { return &fakeRegs{data: make(map[string]string)} }

func (f *fakeRegs) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeRegs) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out
}

func (f *fakeRegs) Set(_ context.Context, key, value string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.data[key]
	f.data[key] = value
	return prev, nil
}

func (f *fakeRegs) Delete(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.data[key]
	delete(f.data, key)
	return prev, nil
}

type fakeTriggerStore struct {
	repeatable []trigger.Trigger
	listErr    error
	keys       map[string]string
}

func newFakeTriggerStore() *fakeTriggerStore {
	return &fakeTriggerStore{keys: make(map[string]string)}
}

func (f *fakeTriggerStore) ListRepeatable(context.Context) ([]trigger.Trigger, error) {
	return f.repeatable, f.listErr
}

func (f *fakeTriggerStore) SetRepeatJobKey(_ context.Context, id, key string) error {
	f.keys[id] = key
	return nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	fires []FireJob
	ch    chan FireJob
}

func newFakeEnqueuer() *fakeEnqueuer { return &fakeEnqueuer{ch: make(chan FireJob, 16)} }

func (f *fakeEnqueuer) Enqueue(_ context.Context, name string, payload []byte, _ ...queuepulse.EnqueueOption) (queuepulse.Job, error) {
	var fire FireJob
	if err := json.Unmarshal(payload, &fire); err != nil {
		return queuepulse.Job{}, err
	}
	f.mu.Lock()
	f.fires = append(f.fires, fire)
	f.mu.Unlock()
	f.ch <- fire
	return queuepulse.Job{ID: "job-1", Name: name}, nil
}

func (f *fakeEnqueuer) all() []FireJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FireJob(nil), f.fires...)
}

type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

func testScheduler(t *testing.T, regs *fakeRegs, store *fakeTriggerStore, queue *fakeEnqueuer, now time.Time, ticker *fakeTicker) *Scheduler {
	t.Helper()
	factory := func(context.Context, string, time.Duration) (tickSource, error) {
		if ticker == nil {
			return nil, errors.New("no ticker in this test")
		}
		return ticker, nil
	}
	s, err := newScheduler(SchedulerOptions{
		Store:        store,
		Queue:        queue,
		ScanInterval: 30 * time.Second,
		Clock:        func() time.Time { return now },
	}, regs, factory)
	require.NoError(t, err)
	return s
}

func scheduledTrigger(id, cronExpr string) trigger.Trigger {
	return trigger.Trigger{
		ID:          id,
		Type:        trigger.TypeScheduled,
		Provider:    "schedule",
		Enabled:     true,
		PollingCron: cronExpr,
	}
}

func TestRegisterWritesRegistrationAndRepeatKey(t *testing.T) {
	regs := newFakeRegs()
	store := newFakeTriggerStore()
	s := testScheduler(t, regs, store, newFakeEnqueuer(), time.Now(), nil)

	trg := scheduledTrigger("trig-1", "0 9 * * *")
	trg.Config = json.RawMessage(`{"timezone":"UTC"}`)
	key, err := s.Register(context.Background(), trg)
	require.NoError(t, err)
	require.Equal(t, "scheduled-trigger-trig-1", key)
	require.Equal(t, key, store.keys["trig-1"])

	value, ok := regs.Get(key)
	require.True(t, ok)
	var reg Registration
	require.NoError(t, json.Unmarshal([]byte(value), &reg))
	require.Equal(t, "0 9 * * *", reg.Cron)
	require.Equal(t, "UTC", reg.Timezone)
	require.Equal(t, "scheduled", reg.Kind)
}

func TestRegisterRejectsWebhookTriggers(t *testing.T) {
	s := testScheduler(t, newFakeRegs(), newFakeTriggerStore(), newFakeEnqueuer(), time.Now(), nil)
	trg := scheduledTrigger("trig-2", "0 9 * * *")
	trg.Type = trigger.TypeWebhook
	_, err := s.Register(context.Background(), trg)
	require.Error(t, err)
}

func TestRegisterRejectsInvalidCron(t *testing.T) {
	s := testScheduler(t, newFakeRegs(), newFakeTriggerStore(), newFakeEnqueuer(), time.Now(), nil)
	_, err := s.Register(context.Background(), scheduledTrigger("trig-3", "not a cron"))
	require.Error(t, err)
	_, err = s.Register(context.Background(), scheduledTrigger("trig-4", ""))
	require.Error(t, err)
}

func TestDeregisterRemovesRegistration(t *testing.T) {
	regs := newFakeRegs()
	store := newFakeTriggerStore()
	s := testScheduler(t, regs, store, newFakeEnqueuer(), time.Now(), nil)

	key, err := s.Register(context.Background(), scheduledTrigger("trig-5", "*/5 * * * *"))
	require.NoError(t, err)
	require.NoError(t, s.Deregister(context.Background(), "trig-5"))

	_, ok := regs.Get(key)
	require.False(t, ok)
	require.Empty(t, store.keys["trig-5"])
}

func TestSyncReconcilesRegistrations(t *testing.T) {
	regs := newFakeRegs()
	store := newFakeTriggerStore()
	store.repeatable = []trigger.Trigger{
		scheduledTrigger("keep", "0 * * * *"),
		scheduledTrigger("add", "30 * * * *"),
	}
	s := testScheduler(t, regs, store, newFakeEnqueuer(), time.Now(), nil)

	// Pre-existing state: one current, one stale, one foreign key.
	_, err := s.Register(context.Background(), scheduledTrigger("keep", "0 * * * *"))
	require.NoError(t, err)
	_, err = regs.Set(context.Background(), RegistrationKey("gone"), `{"cron":"0 * * * *","kind":"scheduled"}`)
	require.NoError(t, err)
	_, err = regs.Set(context.Background(), "unrelated-key", "x")
	require.NoError(t, err)

	require.NoError(t, s.Sync(context.Background()))

	_, ok := regs.Get(RegistrationKey("keep"))
	require.True(t, ok)
	_, ok = regs.Get(RegistrationKey("add"))
	require.True(t, ok)
	_, ok = regs.Get(RegistrationKey("gone"))
	require.False(t, ok, "stale registrations are removed")
	_, ok = regs.Get("unrelated-key")
	require.True(t, ok, "foreign keys are left alone")
}

func TestScanFiresDueOccurrences(t *testing.T) {
	regs := newFakeRegs()
	store := newFakeTriggerStore()
	queue := newFakeEnqueuer()
	now := time.Date(2025, 6, 2, 10, 0, 10, 0, time.UTC)
	s := testScheduler(t, regs, store, queue, now, nil)

	_, err := s.Register(context.Background(), scheduledTrigger("due", "* * * * *"))
	require.NoError(t, err)
	_, err = s.Register(context.Background(), scheduledTrigger("not-due", "0 3 * * *"))
	require.NoError(t, err)

	s.scan(context.Background())

	fires := queue.all()
	require.Len(t, fires, 1)
	require.Equal(t, "due", fires[0].TriggerID)
	require.Equal(t, "scheduled", fires[0].Kind)
	slot := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	require.Equal(t, slot.Unix(), fires[0].Slot, "slot is the cron occurrence, not the scan time")
}

func TestScanSkipsMalformedRegistrations(t *testing.T) {
	regs := newFakeRegs()
	queue := newFakeEnqueuer()
	now := time.Date(2025, 6, 2, 10, 0, 10, 0, time.UTC)
	s := testScheduler(t, regs, newFakeTriggerStore(), queue, now, nil)

	_, err := regs.Set(context.Background(), RegistrationKey("bad"), "not json")
	require.NoError(t, err)
	_, err = regs.Set(context.Background(), RegistrationKey("bad-cron"), `{"cron":"nope","kind":"scheduled"}`)
	require.NoError(t, err)

	s.scan(context.Background())
	require.Empty(t, queue.all())
}

func TestDueSlots(t *testing.T) {
	sched, err := cron.ParseStandard("* * * * *")
	require.NoError(t, err)
	now := time.Date(2025, 6, 2, 10, 0, 30, 0, time.UTC)

	slots := dueSlots(sched, now, 150*time.Second)
	require.Equal(t, []time.Time{
		time.Date(2025, 6, 2, 9, 59, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}, slots)

	daily, err := cron.ParseStandard("0 9 * * *")
	require.NoError(t, err)
	require.Empty(t, dueSlots(daily, now, time.Minute), "no occurrence inside the window")
}

func TestStartScansOnTicks(t *testing.T) {
	regs := newFakeRegs()
	queue := newFakeEnqueuer()
	now := time.Date(2025, 6, 2, 10, 0, 10, 0, time.UTC)
	ticker := &fakeTicker{ch: make(chan time.Time, 1)}
	s := testScheduler(t, regs, newFakeTriggerStore(), queue, now, ticker)

	_, err := s.Register(context.Background(), scheduledTrigger("due", "* * * * *"))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	ticker.ch <- now

	select {
	case fire := <-queue.ch:
		require.Equal(t, "due", fire.TriggerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fire job")
	}
	s.Stop()
}
