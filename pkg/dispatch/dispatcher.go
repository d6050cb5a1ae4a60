// Package dispatch delivers leadership events to side-effect sinks off the
// coordinator's goroutine.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"elector/pkg/election"
)

// Sink consumes leadership events.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev election.Event) error
}

// Dispatcher queues the events of one election and hands them to its sinks
// in order on a single worker goroutine. A full queue drops events.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	log     *zap.Logger

	queue     chan election.Event
	closeOnce sync.Once
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Config bounds a Dispatcher.
type Config struct {
	QueueSize int
	// Timeout bounds each sink call.
	Timeout time.Duration
}

func New(cfg Config, log *zap.Logger, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		sinks:   sinks,
		timeout: cfg.Timeout,
		log:     log,
		queue:   make(chan election.Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Callbacks returns callbacks that enqueue every event, chaining next.
func (d *Dispatcher) Callbacks(next election.Callbacks) election.Callbacks {
	wrap := func(cb func(election.Event)) func(election.Event) {
		return func(ev election.Event) {
			d.Publish(ev)
			if cb != nil {
				cb(ev)
			}
		}
	}
	return election.Callbacks{
		OnGranted:         wrap(next.OnGranted),
		OnRevoked:         wrap(next.OnRevoked),
		OnFailedToAcquire: wrap(next.OnFailedToAcquire),
	}
}

// Publish enqueues ev without blocking. It reports false when the event was
// dropped.
func (d *Dispatcher) Publish(ev election.Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.log.Warn("dispatch queue full, dropping event",
			zap.String("role", ev.Candidate.Role),
			zap.Stringer("event", ev.Type))
		return false
	}
}

// Close stops accepting events and waits until queued ones are handled or
// ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(sink, ev)
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, ev election.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("sink panicked", zap.String("sink", sink.Name()), zap.Any("panic", r))
		}
	}()

	if err := sink.Handle(ctx, ev); err != nil {
		d.log.Warn("sink failed",
			zap.String("sink", sink.Name()),
			zap.String("role", ev.Candidate.Role),
			zap.Stringer("event", ev.Type),
			zap.Error(err))
	}
}
