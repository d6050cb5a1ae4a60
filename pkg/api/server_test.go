package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	. "elector/pkg/api"
	"elector/pkg/api/middleware"
	"elector/pkg/auth"
	"elector/pkg/coordination/memory"
	"elector/pkg/election"
	"elector/pkg/hooks"
	"elector/pkg/models"
	"elector/pkg/scheduler"
	"elector/pkg/storage"
)

type fixture struct {
	srv       *memory.Server
	client    *memory.Client
	registry  *election.Registry
	coord     *election.Coordinator
	locations *storage.FileLocationStore
	tasks     *countingRunner
	handler   http.Handler
}

type countingRunner struct{ runs atomic.Int32 }

func (r *countingRunner) Run(ctx context.Context, command string, env []string) hooks.Result {
	r.runs.Add(1)
	return hooks.Result{}
}

func newFixture(t *testing.T, authCfg middleware.AuthConfig) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	srv := memory.NewServer()
	client := srv.Connect()
	t.Cleanup(func() { client.Close() })

	cfg := election.DefaultConfig()
	cfg.ReleaseTimeout = time.Second
	coord, err := election.New(client, election.Contest{
		Path:      "/elections/billing",
		Candidate: election.Candidate{Role: "billing", ID: "node-a"},
	}, cfg, log)
	require.NoError(t, err)

	registry := election.NewRegistry(log)
	require.NoError(t, registry.Register(coord))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.ShutdownAll(ctx)
	})

	locations, err := storage.NewFileLocationStore(filepath.Join(t.TempDir(), "leaders"))
	require.NoError(t, err)

	tasks := &countingRunner{}
	sched, err := scheduler.New("billing", []scheduler.Task{
		{Name: "report", Schedule: "@daily", Command: "report"},
	}, tasks, coord, log)
	require.NoError(t, err)

	server := NewServer(Config{
		Port:      "0",
		NodeID:    "node-a",
		Logger:    log,
		Registry:  registry,
		Service:   client,
		Locations: locations,
		Tasks:     []TaskRunner{sched},
		Auth:      authCfg,
		RateLimit: middleware.RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 1000},
	})

	return &fixture{
		srv:       srv,
		client:    client,
		registry:  registry,
		coord:     coord,
		locations: locations,
		tasks:     tasks,
		handler:   server.Handler(),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (f *fixture) waitLeading(t *testing.T) {
	t.Helper()
	require.Eventually(t, f.coord.IsLeader, 3*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{Disabled: true})

	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["elections"])

	require.NoError(t, f.client.Close())
	code, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{Disabled: true})

	code, body := f.do(t, http.MethodGet, "/api/v1/elections/billing", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "IDLE", body["elections"].([]any)[0].(map[string]any)["state"])

	code, body = f.do(t, http.MethodPost, "/api/v1/elections/billing/start", "")
	require.Equal(t, http.StatusOK, code)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, false, results[0].(map[string]any)["noop"])

	f.waitLeading(t)

	code, body = f.do(t, http.MethodPost, "/api/v1/elections/billing/start", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["results"].([]any)[0].(map[string]any)["noop"])

	code, body = f.do(t, http.MethodGet, "/api/v1/elections/billing", "")
	require.Equal(t, http.StatusOK, code)
	status := body["elections"].([]any)[0].(map[string]any)
	assert.Equal(t, "LEADING", status["state"])
	assert.Equal(t, true, status["leading"])

	code, body = f.do(t, http.MethodPost, "/api/v1/elections/billing/stop", "")
	require.Equal(t, http.StatusOK, code)
	res := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, false, res["noop"])
	assert.Equal(t, "STOPPED", res["status"].(map[string]any)["state"])
	assert.False(t, f.srv.Held("/elections/billing"))

	code, body = f.do(t, http.MethodPost, "/api/v1/elections/billing/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["results"].([]any)[0].(map[string]any)["noop"])
}

func TestRunTaskRequiresLeadership(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{Disabled: true})

	code, _ := f.do(t, http.MethodPost, "/api/v1/elections/billing/tasks/report/run", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, int32(0), f.tasks.runs.Load())

	require.NoError(t, f.coord.Start())
	f.waitLeading(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/elections/billing/tasks/report/run", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ran"])
	assert.Equal(t, int32(1), f.tasks.runs.Load())

	code, _ = f.do(t, http.MethodPost, "/api/v1/elections/billing/tasks/missing/run", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/elections/payments/tasks/report/run", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLeaderAndCandidates(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{Disabled: true})

	code, body := f.do(t, http.MethodGet, "/api/v1/elections/billing/leader", "")
	require.Equal(t, http.StatusOK, code)
	view := body["leaders"].([]any)[0].(map[string]any)
	assert.Equal(t, true, view["no_leader"])

	require.NoError(t, f.coord.Start())
	f.waitLeading(t)

	code, body = f.do(t, http.MethodGet, "/api/v1/elections/billing/leader", "")
	require.Equal(t, http.StatusOK, code)
	view = body["leaders"].([]any)[0].(map[string]any)
	assert.Equal(t, "node-a", view["leader"].(map[string]any)["id"])
	assert.Equal(t, true, view["is_local"])

	code, body = f.do(t, http.MethodGet, "/api/v1/elections/billing/candidates", "")
	require.Equal(t, http.StatusOK, code)
	candidates := body["candidates"].(map[string]any)["/elections/billing"].([]any)
	require.Len(t, candidates, 1)
	assert.Equal(t, "node-a", candidates[0].(map[string]any)["id"])
}

func TestUnknownElection(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{Disabled: true})

	code, _ := f.do(t, http.MethodGet, "/api/v1/elections/search", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/elections/billing?path=/elections/other", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := f.do(t, http.MethodGet, "/api/v1/elections", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
}

func TestLocationAndJournalDisabled(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{Disabled: true})

	code, _ := f.do(t, http.MethodGet, "/api/v1/elections/billing/location", "")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, f.locations.UpdateLocation(context.Background(), models.LeaderLocation{
		Role: "billing", CandidateID: "node-a", URL: "http://node-a:8080",
	}))
	code, body := f.do(t, http.MethodGet, "/api/v1/elections/billing/location", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "http://node-a:8080", body["url"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/elections/billing/events", "")
	assert.Equal(t, http.StatusNotImplemented, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/apikeys", "")
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestAuthEnforced(t *testing.T) {
	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{SecretKey: "secret"})
	require.NoError(t, err)
	f := newFixture(t, middleware.AuthConfig{JWTService: jwtSvc})

	viewer, err := jwtSvc.GenerateToken("viewer", auth.RoleViewer, nil)
	require.NoError(t, err)
	operator, err := jwtSvc.GenerateToken("ops", auth.RoleOperator, []string{"billing"})
	require.NoError(t, err)

	code, _ := f.do(t, http.MethodGet, "/api/v1/elections", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/elections", "", "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/elections/billing/start", "", "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/elections/billing/start", "", "Authorization", "Bearer "+operator)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/elections/billing/tasks/report/run", "", "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/apikeys", "", "Authorization", "Bearer "+operator)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAPIKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{SecretKey: "secret"})
	require.NoError(t, err)
	f := newFixture(t, middleware.AuthConfig{JWTService: jwtSvc, APIKeyStore: auth.NewRedisAPIKeyStore(rdb)})

	admin, err := jwtSvc.GenerateToken("root", auth.RoleAdmin, nil)
	require.NoError(t, err)
	bearer := "Bearer " + admin

	code, _ := f.do(t, http.MethodPost, "/api/v1/apikeys", `{"name":"ci","role":"root"}`, "Authorization", bearer)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(t, http.MethodPost, "/api/v1/apikeys", `{"name":"ci","role":"viewer","ttl":"1h"}`, "Authorization", bearer)
	require.Equal(t, http.StatusCreated, code)
	key := body["key"].(string)
	id := body["info"].(map[string]any)["id"].(string)

	code, _ = f.do(t, http.MethodGet, "/api/v1/elections", "", "X-API-Key", key)
	assert.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/apikeys", "", "Authorization", bearer)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, _ = f.do(t, http.MethodDelete, "/api/v1/apikeys/"+id, "", "Authorization", bearer)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/api/v1/elections", "", "X-API-Key", key)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodDelete, "/api/v1/apikeys/"+id, "", "Authorization", bearer)
	assert.Equal(t, http.StatusNotFound, code)
}
