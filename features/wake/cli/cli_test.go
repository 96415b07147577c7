package cli

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/proliferate-ai/proliferate/features/queue/pulse/clients/pulse"
	"github.com/proliferate-ai/proliferate/runtime/session"
	"github.com/proliferate-ai/proliferate/runtime/wake"
)

type fakeStream struct {
	name      string
	events    []string
	payloads  [][]byte
	destroyed bool
	addErr    error
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return nil, errors.New("not used")
}

func (s *fakeStream) Destroy(context.Context) error {
	s.destroyed = true
	return nil
}

type fakeClient struct {
	streams map[string]*fakeStream
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func TestStreamName(t *testing.T) {
	require.Equal(t, "cli:wake:sess-1", StreamName("sess-1"))
}

func TestWakeAppendsToSessionStream(t *testing.T) {
	client := &fakeClient{streams: map[string]*fakeStream{}}
	w, err := New(Options{Client: client})
	require.NoError(t, err)
	require.Equal(t, session.ClientCLI, w.Source())

	s := session.Session{ID: "sess-1", ClientType: session.ClientCLI, Status: session.StatusIdle}
	m := wake.NewMessage(wake.TypeRunUpdate, s.ID, "run-engine", []byte(`{"run_id":"run-7"}`), time.Now().UTC())
	require.NoError(t, w.Wake(context.Background(), s, m))

	stream := client.streams["cli:wake:sess-1"]
	require.NotNil(t, stream)
	require.Equal(t, []string{"run-update"}, stream.events)

	var got wake.Message
	require.NoError(t, json.Unmarshal(stream.payloads[0], &got))
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, "sess-1", got.SessionID)
}

func TestWakeSurfacesStreamErrors(t *testing.T) {
	client := &fakeClient{streams: map[string]*fakeStream{
		"cli:wake:sess-1": {addErr: errors.New("redis down")},
	}}
	w, err := New(Options{Client: client})
	require.NoError(t, err)

	s := session.Session{ID: "sess-1"}
	err = w.Wake(context.Background(), s, wake.Message{Type: wake.TypeWake, SessionID: s.ID})
	require.ErrorContains(t, err, "redis down")
}

func TestCleanupDestroysStream(t *testing.T) {
	client := &fakeClient{streams: map[string]*fakeStream{}}
	w, err := New(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, w.Cleanup(context.Background(), "sess-1"))
	require.True(t, client.streams["cli:wake:sess-1"].destroyed)
}
