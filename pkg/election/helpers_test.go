package election_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elector/pkg/coordination"
	. "elector/pkg/election"
	"elector/pkg/resilience"
)

// recorder collects the events of one coordinator.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 64)}
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnGranted:         r.record,
		OnRevoked:         r.record,
		OnFailedToAcquire: r.record,
	}
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func (r *recorder) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, saw %v", typ, r.types())
		}
	}
}

// testConfig is DefaultConfig with every duration scaled down 100x.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReleaseTimeout = time.Second
	cfg.Backoff = resilience.BackoffConfig{
		InitialInterval:     2 * time.Millisecond,
		MaxInterval:         150 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
	cfg.Breaker = resilience.DefaultCircuitBreakerConfig()
	cfg.Breaker.Timeout = 100 * time.Millisecond
	return cfg
}

func newCoordinator(t *testing.T, svc coordination.Service, id string, rec *recorder, cfg Config) *Coordinator {
	t.Helper()
	c, err := New(svc, Contest{
		Path:      "/elections/payments",
		Candidate: Candidate{Role: "payment-processor", ID: id},
		Callbacks: rec.callbacks(),
	}, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { <-c.Stop() })
	return c
}

func waitStopped(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Stop():
	case <-time.After(3 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}
