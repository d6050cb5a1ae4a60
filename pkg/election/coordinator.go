package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"elector/pkg/coordination"
	"elector/pkg/metrics"
	"elector/pkg/resilience"
)

// Config tunes a Coordinator.
type Config struct {
	// AcquireTimeout bounds one acquisition attempt. Zero waits until the
	// mutex is held or the coordinator is stopped.
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	// ReleaseTimeout bounds the delete issued when leadership ends.
	ReleaseTimeout time.Duration `yaml:"releaseTimeout" default:"5s"`
	// SuspendTimeout is passed to the Mutex.
	SuspendTimeout time.Duration `yaml:"suspendTimeout"`

	// Backoff paces retries after transient faults. An outage is reported
	// with FailedToAcquire once it has lasted Backoff.MaxInterval.
	Backoff resilience.BackoffConfig `yaml:"backoff"`
	// Breaker tracks consecutive coordination faults for Status and metrics.
	// Its open period is capped at Backoff.InitialInterval so it never holds
	// back a retry the backoff schedule allows.
	Breaker resilience.CircuitBreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		ReleaseTimeout: 5 * time.Second,
		Backoff:        resilience.DefaultBackoffConfig(),
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// Status is a snapshot of a Coordinator for reporting.
type Status struct {
	Role         string              `json:"role"`
	Path         string              `json:"path"`
	CandidateID  string              `json:"candidate_id"`
	State        State               `json:"state"`
	Running      bool                `json:"running"`
	Leading      bool                `json:"leading"`
	LeaderSince  *time.Time          `json:"leader_since,omitempty"`
	FencingToken int64               `json:"fencing_token,omitempty"`
	Terms        int                 `json:"terms"`
	LastError    string              `json:"last_error,omitempty"`
	Breaker      resilience.Snapshot `json:"breaker"`
}

// run is one lifetime of the background goroutine, from Start to exit.
type run struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Coordinator runs the election loop for one Contest. Start and Stop only
// signal the background goroutine; state is written by that goroutine
// alone.
type Coordinator struct {
	contest Contest
	cfg     Config
	log     *zap.Logger
	tracer  trace.Tracer
	mutex   *Mutex
	breaker *resilience.CircuitBreaker

	state atomic.Int32

	mu  sync.Mutex
	cur *run

	statusMu    sync.RWMutex
	leaderSince time.Time
	token       int64
	terms       int
	lastErr     error
}

// New creates an idle coordinator. svc may be shared by many
// coordinators.
func New(svc coordination.Service, contest Contest, cfg Config, log *zap.Logger) (*Coordinator, error) {
	if svc == nil {
		return nil, ErrNilService
	}
	cand, err := NewCandidate(contest.Candidate.Role, contest.Candidate.ID, contest.Candidate.Metadata)
	if err != nil {
		return nil, err
	}
	path, err := NormalizePath(contest.Path)
	if err != nil {
		return nil, err
	}
	contest.Candidate = cand
	contest.Path = path

	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultConfig().ReleaseTimeout
	}
	cfg.Backoff = cfg.Backoff.Normalize()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(
		zap.String("role", cand.Role),
		zap.String("path", path),
		zap.String("candidate", cand.ID),
	)

	breakerCfg := cfg.Breaker
	if breakerCfg.Timeout <= 0 || breakerCfg.Timeout > cfg.Backoff.InitialInterval {
		breakerCfg.Timeout = cfg.Backoff.InitialInterval
	}
	breakerCfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, context.Canceled) && !coordination.IsPermanent(err)
	}
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		logf := log.Debug
		if from == resilience.CircuitClosed || to == resilience.CircuitClosed {
			logf = log.Info
		}
		logf("coordination breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	c := &Coordinator{
		contest: contest,
		cfg:     cfg,
		log:     log,
		tracer:  otel.Tracer("elector/election"),
		mutex: NewMutex(svc, path, cand.Value(), MutexConfig{
			SuspendTimeout: cfg.SuspendTimeout,
			Logger:         log,
		}),
		breaker: resilience.NewCircuitBreaker(contest.Key().String(), breakerCfg),
	}
	c.state.Store(int32(StateIdle))
	metrics.CoordinatorState.WithLabelValues(cand.Role, path).Set(float64(StateIdle))
	return c, nil
}

// Contest returns the coordinator's contest.
func (c *Coordinator) Contest() Contest { return c.contest }

// Key returns the registry key.
func (c *Coordinator) Key() Key { return c.contest.Key() }

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// IsLeader reports whether the coordinator currently leads.
func (c *Coordinator) IsLeader() bool {
	return c.State() == StateLeading
}

// Running reports whether a background goroutine is active and has not
// been asked to stop.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && !c.cur.exited() && !c.cur.stopping()
}

// FencingToken returns the revision of the held artifact, or zero.
func (c *Coordinator) FencingToken() int64 {
	if !c.IsLeader() {
		return 0
	}
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.token
}

// Start launches the election loop and returns immediately. It returns
// ErrAlreadyRunning if the loop is already acquiring or leading. Starting
// while a previous Stop is still releasing queues the new loop behind it.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.cur
	if prev != nil && !prev.exited() && !prev.stopping() {
		return ErrAlreadyRunning
	}

	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	c.cur = r
	go c.loop(prev, r)
	return nil
}

// Stop asks the loop to exit and returns a channel closed once it has. If
// the coordinator was leading, the artifact is released and the Revoked
// callback has returned before the channel closes. Stopping a stopped
// coordinator returns a closed channel.
func (c *Coordinator) Stop() <-chan struct{} {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()

	if r == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	r.requestStop()
	return r.done
}

// Shutdown stops the coordinator and waits for the loop to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	select {
	case <-c.Stop():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown %s: %w", c.Key(), ctx.Err())
	}
}

// Status returns a snapshot for reporting.
func (c *Coordinator) Status() Status {
	state := c.State()
	st := Status{
		Role:        c.contest.Candidate.Role,
		Path:        c.contest.Path,
		CandidateID: c.contest.Candidate.ID,
		State:       state,
		Running:     c.Running(),
		Leading:     state == StateLeading,
		Breaker:     c.breaker.Snapshot(),
	}

	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	if st.Leading {
		since := c.leaderSince
		st.LeaderSince = &since
		st.FencingToken = c.token
	}
	st.Terms = c.terms
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	metrics.CoordinatorState.WithLabelValues(c.contest.Candidate.Role, c.contest.Path).Set(float64(s))
}

func (c *Coordinator) setLastError(err error) {
	c.statusMu.Lock()
	c.lastErr = err
	c.statusMu.Unlock()
}

func (c *Coordinator) loop(prev, r *run) {
	if prev != nil {
		<-prev.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		if p := recover(); p != nil {
			c.log.Error("election loop panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
		// The artifact must never outlive the loop.
		if _, held := c.mutex.Artifact(); held {
			c.release()
		}
		c.setState(StateStopped)
		c.log.Info("election stopped")
		close(r.done)
	}()

	c.log.Info("election started")
	c.setState(StateIdle)

	bo := resilience.NewBackOff(c.cfg.Backoff)
	var (
		outageSince time.Time
		reported    bool
	)

	for {
		if r.stopping() {
			return
		}
		c.setState(StateAcquiring)

		if err := c.breaker.Allow(); err != nil {
			if !sleep(ctx, max(c.breaker.RetryAfter(), time.Millisecond)) {
				return
			}
			continue
		}

		res, err := c.acquire(ctx)
		switch {
		case err == nil:
			c.breaker.Record(nil)
			bo.Reset()
			outageSince, reported = time.Time{}, false
			if res != Held {
				continue
			}
			if r.stopping() {
				// Stop raced the acquisition; give the mutex back unannounced.
				c.release()
				return
			}
			if !c.lead(r) {
				return
			}
			c.setState(StateIdle)

		case ctx.Err() != nil:
			c.breaker.Record(ctx.Err())
			return

		case isPermanent(err):
			c.breaker.Record(err)
			c.setLastError(err)
			c.log.Error("permanent coordination failure, giving up", zap.Error(err))
			c.emit(Event{Type: EventFailedToAcquire, Cause: err})
			return

		default:
			c.setLastError(err)
			c.breaker.Record(err)
			if outageSince.IsZero() {
				outageSince = time.Now()
			}
			wait := bo.NextBackOff()
			c.log.Warn("acquisition failed, retrying", zap.Error(err), zap.Duration("retry_in", wait))
			// Outages shorter than the backoff ceiling are absorbed silently.
			if !reported && time.Since(outageSince) >= c.cfg.Backoff.MaxInterval {
				reported = true
				c.emit(Event{
					Type:  EventFailedToAcquire,
					Cause: fmt.Errorf("%w: %w", ErrCoordinationUnavailable, err),
				})
			}
			if !sleep(ctx, wait) {
				return
			}
		}
	}
}

func (c *Coordinator) acquire(ctx context.Context) (AcquireResult, error) {
	ctx, span := c.tracer.Start(ctx, "election.acquire", trace.WithAttributes(
		attribute.String("election.role", c.contest.Candidate.Role),
		attribute.String("election.path", c.contest.Path),
		attribute.String("election.candidate", c.contest.Candidate.ID),
	))
	defer span.End()

	started := time.Now()
	res, err := c.mutex.TryAcquire(ctx, c.cfg.AcquireTimeout)

	outcome := res.String()
	if err != nil && ctx.Err() != nil {
		outcome = "cancelled"
	}
	metrics.RecordAcquire(c.contest.Candidate.Role, outcome, time.Since(started).Seconds())
	span.SetAttributes(attribute.String("election.outcome", outcome))
	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// lead holds leadership until stop or loss and reports whether the loop
// should contend again.
func (c *Coordinator) lead(r *run) bool {
	artifact, _ := c.mutex.Artifact()
	now := time.Now()

	c.statusMu.Lock()
	c.leaderSince = now
	c.token = artifact.Revision
	c.terms++
	c.lastErr = nil
	c.statusMu.Unlock()

	c.setState(StateLeading)
	metrics.RecordLeadership(c.contest.Candidate.Role, c.contest.Path, true)
	c.emit(Event{Type: EventGranted, Revision: artifact.Revision})

	var cause error
	select {
	case <-r.stop:
	case <-c.mutex.Lost():
		cause = fmt.Errorf("%w: %w", ErrLeadershipLost, c.mutex.LostCause())
	}

	c.setState(StateReleasing)
	c.release()
	metrics.RecordLeadership(c.contest.Candidate.Role, c.contest.Path, false)
	metrics.LeadershipDuration.WithLabelValues(c.contest.Candidate.Role).Observe(time.Since(now).Seconds())
	if cause != nil {
		c.setLastError(cause)
	}
	c.emit(Event{Type: EventRevoked, Cause: cause, Revision: artifact.Revision})

	return cause != nil && !r.stopping()
}

func (c *Coordinator) release() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
	defer cancel()
	if err := c.mutex.Release(ctx); err != nil {
		// The session lease removes the artifact if the delete never lands.
		c.log.Warn("failed to release mutex", zap.Error(err))
	}
}

func (c *Coordinator) emit(ev Event) {
	ev.Candidate = c.contest.Candidate
	ev.Path = c.contest.Path
	ev.At = time.Now()

	fields := []zap.Field{zap.String("event", ev.Type.String())}
	if ev.Revision != 0 {
		fields = append(fields, zap.Int64("fencing_token", ev.Revision))
	}
	if ev.Cause != nil {
		fields = append(fields, zap.Error(ev.Cause))
	}
	c.log.Info("leadership event", fields...)
	metrics.Transitions.WithLabelValues(c.contest.Candidate.Role, ev.Type.String()).Inc()

	_, span := c.tracer.Start(context.Background(), "election."+ev.Type.String(), trace.WithAttributes(
		attribute.String("election.role", ev.Candidate.Role),
		attribute.String("election.path", ev.Path),
		attribute.Int64("election.fencing_token", ev.Revision),
	))
	if ev.Cause != nil {
		span.RecordError(ev.Cause)
	}
	span.End()

	var cb func(Event)
	switch ev.Type {
	case EventGranted:
		cb = c.contest.Callbacks.OnGranted
	case EventRevoked:
		cb = c.contest.Callbacks.OnRevoked
	case EventFailedToAcquire:
		cb = c.contest.Callbacks.OnFailedToAcquire
	}
	if cb == nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			c.log.Error("leadership callback panicked",
				zap.String("event", ev.Type.String()),
				zap.Any("panic", p))
		}
	}()
	cb(ev)
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return coordination.IsPermanent(err) || errors.As(err, &perm)
}

// sleep waits d or until ctx is done and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
