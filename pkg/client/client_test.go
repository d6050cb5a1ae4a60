package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elector/pkg/api"
	"elector/pkg/api/middleware"
	. "elector/pkg/client"
	"elector/pkg/coordination/memory"
	"elector/pkg/election"
)

func newDaemon(t *testing.T) (*httptest.Server, *election.Coordinator) {
	t.Helper()
	log := zaptest.NewLogger(t)

	svc := memory.NewServer().Connect()
	t.Cleanup(func() { svc.Close() })

	coord, err := election.New(svc, election.Contest{
		Path:      "/elections/billing",
		Candidate: election.Candidate{Role: "billing", ID: "node-a"},
	}, election.DefaultConfig(), log)
	require.NoError(t, err)

	registry := election.NewRegistry(log)
	require.NoError(t, registry.Register(coord))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.ShutdownAll(ctx)
	})

	server := api.NewServer(api.Config{
		NodeID:    "node-a",
		Logger:    log,
		Registry:  registry,
		Service:   svc,
		Auth:      middleware.AuthConfig{Disabled: true},
		RateLimit: middleware.RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 1000},
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, coord
}

func TestClient_Lifecycle(t *testing.T) {
	ts, coord := newDaemon(t)
	ctx := context.Background()
	c := NewClient(ts.URL + "/")

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "node-a", h.NodeID)

	results, err := c.Start(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Noop)
	require.Eventually(t, coord.IsLeader, 3*time.Second, 10*time.Millisecond)

	statuses, err := c.Elections(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, election.StateLeading, statuses[0].State)

	leaders, err := c.Leader(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, leaders, 1)
	require.NotNil(t, leaders[0].Leader)
	assert.Equal(t, "node-a", leaders[0].Leader.ID)

	candidates, err := c.Candidates(ctx, "billing")
	require.NoError(t, err)
	assert.Len(t, candidates["/elections/billing"], 1)

	results, err = c.Stop(ctx, "billing", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, election.StateStopped, results[0].Status.State)

	results, err = c.Stop(ctx, "billing", 0)
	require.NoError(t, err)
	assert.True(t, results[0].Noop)
}

func TestClient_Errors(t *testing.T) {
	ts, _ := newDaemon(t)
	c := NewClient(ts.URL)

	_, err := c.Election(context.Background(), "search")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "search")

	_, err = c.Events(context.Background(), "billing", 10)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotImplemented, apiErr.StatusCode)
}

func TestClient_SendsCredentials(t *testing.T) {
	var gotAuth, gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"elections":[]}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	c.Token = "tok"
	c.APIKey = "key"
	_, err := c.Elections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "key", gotKey)
}
