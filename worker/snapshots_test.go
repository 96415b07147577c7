package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
)

type stubBuilder struct {
	configIDs []string
	err       error
}

func (b *stubBuilder) Build(_ context.Context, configurationID string) error {
	b.configIDs = append(b.configIDs, configurationID)
	return b.err
}

func snapshotJob(t *testing.T, configurationID string) queuepulse.Job {
	t.Helper()
	payload, err := json.Marshal(queuepulse.SnapshotJob{ConfigurationID: configurationID})
	require.NoError(t, err)
	return queuepulse.Job{ID: "job-1", Name: queuepulse.JobBuildSnapshot, Payload: payload}
}

func TestSnapshotProcessorDispatchesBuild(t *testing.T) {
	b := &stubBuilder{}
	sp, err := NewSnapshotProcessor(SnapshotProcessorOptions{Builder: b})
	require.NoError(t, err)

	require.NoError(t, sp.Handle(context.Background(), snapshotJob(t, "cfg-1")))
	require.Equal(t, []string{"cfg-1"}, b.configIDs)
}

func TestSnapshotProcessorPropagatesBuildErrors(t *testing.T) {
	b := &stubBuilder{err: errors.New("sandbox provision failed")}
	sp, err := NewSnapshotProcessor(SnapshotProcessorOptions{Builder: b})
	require.NoError(t, err)

	require.ErrorContains(t, sp.Handle(context.Background(), snapshotJob(t, "cfg-1")), "sandbox provision failed")
}

func TestSnapshotProcessorDropsMalformedAndUnknownJobs(t *testing.T) {
	b := &stubBuilder{}
	sp, err := NewSnapshotProcessor(SnapshotProcessorOptions{Builder: b})
	require.NoError(t, err)

	require.NoError(t, sp.Handle(context.Background(), queuepulse.Job{
		Name: queuepulse.JobBuildSnapshot, Payload: []byte("not json"),
	}))
	require.NoError(t, sp.Handle(context.Background(), queuepulse.Job{Name: "mystery"}))
	require.Empty(t, b.configIDs)
}
