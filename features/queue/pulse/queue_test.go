package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/proliferate-ai/proliferate/features/queue/pulse/clients/pulse"
)

type added struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu     sync.Mutex
	added  []added
	addErr error
	sink   *fakeSink
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, added{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) jobs(t *testing.T) []Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.added))
	for i, a := range s.added {
		require.NoError(t, json.Unmarshal(a.payload, &out[i]))
	}
	return out
}

type fakeSink struct {
	ch      chan *streaming.Event
	mu      sync.Mutex
	acked   []string
	ackedCh chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		ch:      make(chan *streaming.Event, 16),
		ackedCh: make(chan string, 16),
	}
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	s.acked = append(s.acked, evt.ID)
	s.mu.Unlock()
	s.ackedCh <- evt.ID
	return nil
}

func (s *fakeSink) Close(context.Context) {}

type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{sink: newFakeSink()}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{sink: newFakeSink()}
		c.streams[name] = s
	}
	return s
}

func TestEnqueuePublishesEnvelope(t *testing.T) {
	client := newFakeClient()
	enqueuedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	q, err := NewQueue(QueueOptions{
		Client: client,
		Name:   QueueWebhooks,
		Clock:  func() time.Time { return enqueuedAt },
	})
	require.NoError(t, err)

	job, err := q.Enqueue(context.Background(), "inbox-row", []byte(`{"inbox_id":"01H"}`))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, QueueWebhooks, job.Queue)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	require.Equal(t, enqueuedAt, job.EnqueuedAt)

	stream := client.stream(QueueWebhooks)
	jobs := stream.jobs(t)
	require.Len(t, jobs, 1)
	require.Equal(t, job.ID, jobs[0].ID)
	require.Equal(t, "inbox-row", stream.added[0].event, "stream event name carries the job name")
	require.JSONEq(t, `{"inbox_id":"01H"}`, string(jobs[0].Payload))
}

func TestEnqueueMaxAttemptsOverride(t *testing.T) {
	client := newFakeClient()
	q, err := NewQueue(QueueOptions{Client: client, Name: QueueRuns})
	require.NoError(t, err)

	job, err := q.Enqueue(context.Background(), "launch", nil, WithMaxAttempts(2))
	require.NoError(t, err)
	require.Equal(t, 2, job.MaxAttempts)
}

func TestNewQueueValidation(t *testing.T) {
	_, err := NewQueue(QueueOptions{Name: QueueRuns})
	require.Error(t, err)
	_, err = NewQueue(QueueOptions{Client: newFakeClient()})
	require.Error(t, err)
}

func TestDeadLetterStream(t *testing.T) {
	require.Equal(t, "webhooks:dead", DeadLetterStream(QueueWebhooks))
}
