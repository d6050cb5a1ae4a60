package redis_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elector/pkg/coordination"
	"elector/pkg/coordination/redis"
	"elector/pkg/election"
)

func setupTest(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return s, client
}

func newService(t *testing.T, client *goredis.Client) *redis.Service {
	t.Helper()

	svc, err := redis.New(context.Background(), client, redis.Config{
		Prefix:        "test",
		SessionTTL:    time.Second,
		RenewInterval: 20 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestService_CreateExclusive(t *testing.T) {
	_, client := setupTest(t)
	svc := newService(t, client)
	ctx := context.Background()

	a, err := svc.CreateExclusive(ctx, "/elections/a", "node-1")
	require.NoError(t, err)
	assert.Equal(t, svc.SessionID(), a.Session)
	assert.Positive(t, a.Revision)

	leader, err := svc.Leader(ctx, "/elections/a")
	require.NoError(t, err)
	assert.Equal(t, "node-1", leader)
}

func TestService_MutualExclusion(t *testing.T) {
	_, client := setupTest(t)
	first := newService(t, client)
	second := newService(t, client)
	ctx := context.Background()

	held, err := first.CreateExclusive(ctx, "/p", "first")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = second.CreateExclusive(waitCtx, "/p", "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan coordination.Artifact, 1)
	go func() {
		a, err := second.CreateExclusive(ctx, "/p", "second")
		if err == nil {
			acquired <- a
		}
	}()

	require.NoError(t, first.Delete(ctx, held))

	select {
	case a := <-acquired:
		assert.Greater(t, a.Revision, held.Revision)
	case <-time.After(time.Second):
		t.Fatal("second session never acquired the released path")
	}
}

func TestService_DeleteIgnoresForeignArtifact(t *testing.T) {
	_, client := setupTest(t)
	first := newService(t, client)
	second := newService(t, client)
	ctx := context.Background()

	held, err := first.CreateExclusive(ctx, "/p", "first")
	require.NoError(t, err)

	stale := held
	stale.Session = second.SessionID()
	require.NoError(t, second.Delete(ctx, stale))

	leader, err := first.Leader(ctx, "/p")
	require.NoError(t, err)
	assert.Equal(t, "first", leader)

	require.NoError(t, first.Delete(ctx, held))
	require.NoError(t, first.Delete(ctx, held))

	_, err = first.Leader(ctx, "/p")
	assert.ErrorIs(t, err, coordination.ErrNoLeader)
}

func TestService_HeartbeatKeepsLockAlive(t *testing.T) {
	s, client := setupTest(t)
	svc := newService(t, client)

	_, err := svc.CreateExclusive(context.Background(), "/p", "v")
	require.NoError(t, err)

	// Advance less than one TTL at a time so renewals keep up.
	for i := 0; i < 5; i++ {
		s.FastForward(500 * time.Millisecond)
		time.Sleep(50 * time.Millisecond)
	}
	assert.True(t, s.Exists("test:lock:p"))
}

func TestService_SessionExpiryPublishesLostThenNewSession(t *testing.T) {
	s, client := setupTest(t)
	svc := newService(t, client)

	events, cancel := svc.WatchSession()
	defer cancel()

	old := svc.SessionID()
	_, err := svc.CreateExclusive(context.Background(), "/p", "v")
	require.NoError(t, err)

	s.FastForward(2 * time.Second)

	lost := waitFor(t, events, coordination.SessionLost)
	assert.Equal(t, old, lost.SessionID)

	reconnected := waitFor(t, events, coordination.SessionReconnected)
	assert.NotEqual(t, old, reconnected.SessionID)
	assert.Equal(t, svc.SessionID(), reconnected.SessionID)
	assert.False(t, s.Exists("test:lock:p"))
}

func TestService_ErrorsSuspendAndRecoverSameSession(t *testing.T) {
	s, client := setupTest(t)
	svc := newService(t, client)

	events, cancel := svc.WatchSession()
	defer cancel()
	session := svc.SessionID()

	s.SetError("LOADING server is loading")
	suspended := waitFor(t, events, coordination.SessionSuspended)
	assert.Equal(t, session, suspended.SessionID)

	_, err := svc.CreateExclusive(context.Background(), "/p", "v")
	assert.ErrorIs(t, err, coordination.ErrUnavailable)

	s.SetError("")
	reconnected := waitFor(t, events, coordination.SessionReconnected)
	assert.Equal(t, session, reconnected.SessionID)
}

// partition fails every command of the client it is hooked into while
// cut is set, leaving the server and other clients untouched.
type partition struct {
	cut atomic.Bool
}

var errPartitioned = errors.New("dial tcp: i/o timeout")

func (p *partition) DialHook(next goredis.DialHook) goredis.DialHook {
	return next
}

func (p *partition) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if p.cut.Load() {
			cmd.SetErr(errPartitioned)
			return errPartitioned
		}
		return next(ctx, cmd)
	}
}

func (p *partition) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if p.cut.Load() {
			for _, cmd := range cmds {
				cmd.SetErr(errPartitioned)
			}
			return errPartitioned
		}
		return next(ctx, cmds)
	}
}

func partitionedClient(t *testing.T, s *miniredis.Miniredis) (*goredis.Client, *partition) {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	p := &partition{}
	client.AddHook(p)
	return client, p
}

func newShortSession(t *testing.T, client *goredis.Client) *redis.Service {
	t.Helper()

	svc, err := redis.New(context.Background(), client, redis.Config{
		Prefix:        "test",
		SessionTTL:    300 * time.Millisecond,
		RenewInterval: 50 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestService_PartitionedSessionLapsesThenIsReplaced(t *testing.T) {
	s, _ := setupTest(t)
	client, link := partitionedClient(t, s)
	svc := newShortSession(t, client)

	events, cancel := svc.WatchSession()
	defer cancel()

	old := svc.SessionID()
	_, err := svc.CreateExclusive(context.Background(), "/p", "v")
	require.NoError(t, err)

	link.cut.Store(true)
	cutAt := time.Now()

	suspended := waitFor(t, events, coordination.SessionSuspended)
	assert.Equal(t, old, suspended.SessionID)

	lost := waitFor(t, events, coordination.SessionLost)
	assert.Equal(t, old, lost.SessionID)
	assert.GreaterOrEqual(t, time.Since(cutAt), 250*time.Millisecond)
	// The server has not expired anything yet; the holder gave up first.
	assert.True(t, s.Exists("test:lock:p"))

	_, err = svc.CreateExclusive(context.Background(), "/q", "v")
	assert.ErrorIs(t, err, coordination.ErrUnavailable)

	link.cut.Store(false)
	reconnected := waitFor(t, events, coordination.SessionReconnected)
	assert.NotEqual(t, old, reconnected.SessionID)
	assert.Equal(t, svc.SessionID(), reconnected.SessionID)
	assert.False(t, s.Exists("test:session:"+old))

	a, err := svc.CreateExclusive(context.Background(), "/q", "v")
	require.NoError(t, err)
	assert.Equal(t, reconnected.SessionID, a.Session)
}

func TestService_PartitionedLeaderStepsDownBeforeLockExpires(t *testing.T) {
	s, _ := setupTest(t)
	client, link := partitionedClient(t, s)
	svc := newShortSession(t, client)

	cfg := election.DefaultConfig()
	cfg.Backoff.InitialInterval = 5 * time.Millisecond
	cfg.Backoff.MaxInterval = 50 * time.Millisecond

	revoked := make(chan election.Event, 1)
	first, err := election.New(svc, election.Contest{
		Path:      "/elections/payments",
		Candidate: election.Candidate{Role: "payments", ID: "node-a"},
		Callbacks: election.Callbacks{OnRevoked: func(ev election.Event) {
			select {
			case revoked <- ev:
			default:
			}
		}},
	}, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { <-first.Stop() })
	require.NoError(t, first.Start())
	require.Eventually(t, first.IsLeader, 2*time.Second, 10*time.Millisecond)
	session := svc.SessionID()

	link.cut.Store(true)

	select {
	case ev := <-revoked:
		assert.True(t, ev.Involuntary())
	case <-time.After(2 * time.Second):
		t.Fatal("partitioned leader kept leading")
	}
	assert.False(t, first.IsLeader())
	assert.True(t, s.Exists("test:lock:elections/payments"))

	// Only now does the server let the lock go.
	s.FastForward(time.Second)
	otherClient, _ := partitionedClient(t, s)
	other := newShortSession(t, otherClient)
	second, err := election.New(other, election.Contest{
		Path:      "/elections/payments",
		Candidate: election.Candidate{Role: "payments", ID: "node-b"},
	}, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { <-second.Stop() })
	require.NoError(t, second.Start())
	require.Eventually(t, second.IsLeader, 2*time.Second, 10*time.Millisecond)
	assert.False(t, first.IsLeader())

	link.cut.Store(false)
	require.Eventually(t, func() bool { return svc.SessionID() != session }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, election.StateAcquiring, first.State())
	assert.True(t, second.IsLeader())
}

func TestService_CloseDeletesLocksAndSession(t *testing.T) {
	s, client := setupTest(t)
	svc, err := redis.New(context.Background(), client, redis.Config{Prefix: "test"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = svc.CreateExclusive(context.Background(), "/p", "v")
	require.NoError(t, err)

	require.NoError(t, svc.Close())
	assert.False(t, s.Exists("test:lock:p"))
	assert.False(t, s.Exists("test:session:"+svc.SessionID()))

	_, err = svc.CreateExclusive(context.Background(), "/p", "v")
	assert.ErrorIs(t, err, coordination.ErrSessionClosed)
}

func waitFor(t *testing.T, events <-chan coordination.SessionEvent, state coordination.SessionState) coordination.SessionEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "session events closed while waiting for %s", state)
			if ev.State == state {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

func TestService_SameSessionReacquiresOwnLock(t *testing.T) {
	_, client := setupTest(t)
	svc := newService(t, client)
	ctx := context.Background()

	first, err := svc.CreateExclusive(ctx, "/p", "v1")
	require.NoError(t, err)

	reacquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := svc.CreateExclusive(reacquireCtx, "/p", "v2")
	require.NoError(t, err)
	assert.Equal(t, first.Revision, second.Revision)

	leader, err := svc.Leader(ctx, "/p")
	require.NoError(t, err)
	assert.Equal(t, "v2", leader)
}
