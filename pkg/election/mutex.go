package election

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"elector/pkg/coordination"
)

// AcquireResult is the outcome of Mutex.TryAcquire.
type AcquireResult int

const (
	Failed AcquireResult = iota
	Held
	TimedOut
)

func (r AcquireResult) String() string {
	switch r {
	case Held:
		return "held"
	case TimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// MutexConfig configures a Mutex.
type MutexConfig struct {
	// SuspendTimeout is how long a held mutex survives a suspended
	// session before it counts as lost. Zero waits for the service to
	// report the session lost.
	SuspendTimeout time.Duration
	Logger         *zap.Logger
}

// Mutex is an exclusive lock at one path of a coordination service.
// It is owned by a single goroutine; Release and the lost signal may be
// used from others.
type Mutex struct {
	svc   coordination.Service
	path  string
	value string
	cfg   MutexConfig
	log   *zap.Logger

	mu     sync.Mutex
	held   *hold
	onLost []func(error)
}

// hold is the state of one acquisition.
type hold struct {
	artifact coordination.Artifact
	stop     chan struct{}
	stopOnce sync.Once
	lost     chan struct{}
	lostOnce sync.Once
	cause    error
}

func (h *hold) halt() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// NewMutex creates an unheld mutex for path storing value as the holder.
func NewMutex(svc coordination.Service, path, value string, cfg MutexConfig) *Mutex {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Mutex{
		svc:   svc,
		path:  path,
		value: value,
		cfg:   cfg,
		log:   log.With(zap.String("path", path)),
	}
}

// TryAcquire blocks until the mutex is held, timeout elapses (zero means
// no timeout), or ctx is done. A call while already held returns Held.
func (m *Mutex) TryAcquire(ctx context.Context, timeout time.Duration) (AcquireResult, error) {
	m.mu.Lock()
	h := m.held
	m.mu.Unlock()
	if h != nil {
		select {
		case <-h.lost:
			// Lost but not yet released; clear it before contending again.
			if err := m.Release(ctx); err != nil {
				m.log.Debug("failed to delete lost artifact", zap.Error(err))
			}
		default:
			return Held, nil
		}
	}

	// Subscribe before creating the artifact so no session event between
	// the two is missed.
	events, unsubscribe := m.svc.WatchSession()

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	artifact, err := m.svc.CreateExclusive(actx, m.path, m.value)
	if err != nil {
		unsubscribe()
		switch {
		case ctx.Err() != nil:
			return Failed, ctx.Err()
		case actx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
			return TimedOut, nil
		default:
			return Failed, err
		}
	}

	if current := m.svc.SessionID(); current != artifact.Session {
		unsubscribe()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.svc.Delete(dctx, artifact)
		return Failed, fmt.Errorf("%w: session changed during acquisition", coordination.ErrUnavailable)
	}

	h = &hold{
		artifact: artifact,
		stop:     make(chan struct{}),
		lost:     make(chan struct{}),
	}

	m.mu.Lock()
	m.held = h
	m.mu.Unlock()

	go m.watch(h, events, unsubscribe)

	m.log.Debug("mutex acquired",
		zap.String("artifact", artifact.ID),
		zap.Int64("revision", artifact.Revision))
	return Held, nil
}

// watch turns session events into involuntary loss of h.
func (m *Mutex) watch(h *hold, events <-chan coordination.SessionEvent, unsubscribe func()) {
	defer unsubscribe()

	var (
		timer   *time.Timer
		expired <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	session := h.artifact.Session
	for {
		select {
		case <-h.stop:
			return

		case <-expired:
			m.markLost(h, fmt.Errorf("%w: no reconnect within %s", ErrSuspendTimeout, m.cfg.SuspendTimeout))
			return

		case ev, ok := <-events:
			if !ok {
				m.markLost(h, coordination.ErrSessionClosed)
				return
			}

			switch ev.State {
			case coordination.SessionLost:
				if ev.SessionID == session {
					m.markLost(h, fmt.Errorf("%w: %s", ErrSessionExpired, session))
					return
				}

			case coordination.SessionSuspended:
				if ev.SessionID == session && m.cfg.SuspendTimeout > 0 && timer == nil {
					timer = time.NewTimer(m.cfg.SuspendTimeout)
					expired = timer.C
				}

			case coordination.SessionConnected, coordination.SessionReconnected:
				if ev.SessionID == session {
					if timer != nil {
						timer.Stop()
						timer, expired = nil, nil
					}
					continue
				}
				// Events queued before acquisition can name an older session;
				// only a service that has moved on invalidates the artifact.
				if m.svc.SessionID() != session {
					m.markLost(h, fmt.Errorf("%w: %s -> %s", ErrSessionReplaced, session, ev.SessionID))
					return
				}
			}
		}
	}
}

func (m *Mutex) markLost(h *hold, cause error) {
	m.mu.Lock()
	if m.held != h {
		m.mu.Unlock()
		return
	}
	var fired bool
	h.lostOnce.Do(func() {
		h.cause = cause
		close(h.lost)
		fired = true
	})
	callbacks := slices.Clone(m.onLost)
	m.mu.Unlock()

	if !fired {
		return
	}

	m.log.Warn("mutex lost", zap.String("artifact", h.artifact.ID), zap.Error(cause))
	for _, cb := range callbacks {
		cb(cause)
	}
}

// Release deletes the artifact. It is a no-op when nothing is held and is
// safe after the mutex was lost.
func (m *Mutex) Release(ctx context.Context) error {
	m.mu.Lock()
	h := m.held
	m.held = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	h.halt()

	if err := m.svc.Delete(ctx, h.artifact); err != nil {
		return fmt.Errorf("failed to release %s: %w", m.path, err)
	}
	m.log.Debug("mutex released", zap.String("artifact", h.artifact.ID))
	return nil
}

// OnLost registers cb to run once for every held artifact that is lost
// involuntarily. Callbacks run on the watcher goroutine.
func (m *Mutex) OnLost(cb func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = append(m.onLost, cb)
}

// Lost returns a channel closed when the current hold is lost. It is nil
// while nothing is held.
func (m *Mutex) Lost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return nil
	}
	return m.held.lost
}

// LostCause returns why the current hold was lost, or nil.
func (m *Mutex) LostCause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return nil
	}
	select {
	case <-m.held.lost:
		return m.held.cause
	default:
		return nil
	}
}

// Held reports whether the mutex is held and not lost.
func (m *Mutex) Held() bool {
	m.mu.Lock()
	h := m.held
	m.mu.Unlock()
	if h == nil {
		return false
	}
	select {
	case <-h.lost:
		return false
	default:
		return true
	}
}

// Artifact returns the held artifact.
func (m *Mutex) Artifact() (coordination.Artifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return coordination.Artifact{}, false
	}
	return m.held.artifact, true
}

// Path returns the contested path.
func (m *Mutex) Path() string {
	return m.path
}
