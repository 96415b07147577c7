package modal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/proliferate/runtime/snapshot"
)

func newTestSandbox(t *testing.T, handler http.Handler) *Sandbox {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := New(Options{
		BaseURL:    srv.URL,
		Token:      "modal-token",
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Token: "t"})
	require.Error(t, err)

	_, err = New(Options{BaseURL: "http://sandbox.internal"})
	require.Error(t, err)
}

func TestBuildSnapshot(t *testing.T) {
	s := newTestSandbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/snapshots", r.URL.Path)
		require.Equal(t, "Bearer modal-token", r.Header.Get("Authorization"))

		var req buildRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "cfg-1", req.ConfigurationID)
		require.Len(t, req.Repos, 1)
		require.Equal(t, "https://github.com/acme/api.git", req.Repos[0].URL)
		require.Equal(t, "tok-clone", req.Repos[0].AccessToken)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(buildResponse{SnapshotID: "snap-9"})
	}))

	res, err := s.BuildSnapshot(context.Background(), snapshot.BuildRequest{
		ConfigurationID: "cfg-1",
		Repos: []snapshot.RepoSpec{{
			URL:         "https://github.com/acme/api.git",
			Branch:      "main",
			Path:        "api",
			AccessToken: "tok-clone",
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "snap-9", res.SnapshotID)
}

func TestBuildSnapshotDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	s := newTestSandbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := s.BuildSnapshot(context.Background(), snapshot.BuildRequest{ConfigurationID: "cfg-1"})
	require.ErrorContains(t, err, "status 502")
	require.Equal(t, int32(1), calls.Load())
}

func TestBuildSnapshotRejectsEmptyHandle(t *testing.T) {
	s := newTestSandbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(buildResponse{})
	}))

	_, err := s.BuildSnapshot(context.Background(), snapshot.BuildRequest{ConfigurationID: "cfg-1"})
	require.ErrorContains(t, err, "no snapshot id")
}

func TestWriteEnvFileRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	s := newTestSandbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/snapshots/snap-9/env", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req envRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "prod", req.Env["ENVIRONMENT"])
		w.WriteHeader(http.StatusNoContent)
	}))

	err := s.WriteEnvFile(context.Background(), "snap-9", map[string]string{"ENVIRONMENT": "prod"})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestWriteEnvFileClientErrorStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	s := newTestSandbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	err := s.WriteEnvFile(context.Background(), "snap-missing", map[string]string{"K": "v"})
	require.ErrorContains(t, err, "status 404")
	require.Equal(t, int32(1), calls.Load())
}
