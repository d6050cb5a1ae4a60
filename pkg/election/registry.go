package election

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"elector/pkg/metrics"
)

// Registry tracks the coordinators of a process, one per (role, path).
type Registry struct {
	log *zap.Logger

	mu           sync.RWMutex
	coordinators map[Key]*Coordinator
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:          log,
		coordinators: make(map[Key]*Coordinator),
	}
}

// Register adds c. A second coordinator for the same key is rejected with
// ErrAlreadyRegistered.
func (r *Registry) Register(c *Coordinator) error {
	key := c.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.coordinators[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	r.coordinators[key] = c
	metrics.RegisteredCoordinators.Set(float64(len(r.coordinators)))
	r.log.Debug("coordinator registered", zap.Stringer("key", key))
	return nil
}

// Deregister stops the coordinator for key and removes it.
func (r *Registry) Deregister(ctx context.Context, key Key) error {
	r.mu.Lock()
	c, ok := r.coordinators[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	delete(r.coordinators, key)
	metrics.RegisteredCoordinators.Set(float64(len(r.coordinators)))
	r.mu.Unlock()

	return c.Shutdown(ctx)
}

// Lookup returns the coordinator registered under key.
func (r *Registry) Lookup(key Key) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coordinators[key]
	return c, ok
}

// ByRole returns the coordinators of role ordered by path.
func (r *Registry) ByRole(role string) []*Coordinator {
	var out []*Coordinator
	for _, c := range r.Coordinators() {
		if c.Key().Role == role {
			out = append(out, c)
		}
	}
	return out
}

// Coordinators returns every registered coordinator ordered by role and
// path.
func (r *Registry) Coordinators() []*Coordinator {
	r.mu.RLock()
	out := make([]*Coordinator, 0, len(r.coordinators))
	for _, c := range r.coordinators {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		return a.Path < b.Path
	})
	return out
}

// StartAll starts every registered coordinator. Already running ones are
// skipped.
func (r *Registry) StartAll() error {
	var errs []error
	for _, c := range r.Coordinators() {
		if err := c.Start(); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			errs = append(errs, fmt.Errorf("start %s: %w", c.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// ShutdownAll stops every coordinator concurrently and waits until all of
// them are STOPPED or ctx is done. Coordinators stay registered.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	coordinators := r.Coordinators()
	r.log.Info("shutting down elections", zap.Int("count", len(coordinators)))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range coordinators {
		g.Go(func() error {
			return c.Shutdown(gctx)
		})
	}
	return g.Wait()
}
