// Package scheduler runs cron tasks only while the local candidate leads.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"elector/pkg/election"
	"elector/pkg/hooks"
	"elector/pkg/metrics"
)

// Task is one leader-only cron task.
type Task struct {
	Name     string
	Schedule string
	Command  string
}

var (
	// ErrUnknownTask is returned by RunTask for a name the scheduler lacks.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotLeader is returned by RunTask when the local candidate does not
	// lead, so the task was skipped.
	ErrNotLeader = errors.New("not the leader")
	// ErrTaskFailed wraps a task that ran and failed.
	ErrTaskFailed = errors.New("task failed")
)

// LeaderChecker reports current leadership. *election.Coordinator
// satisfies it.
type LeaderChecker interface {
	IsLeader() bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule parses a five-field cron expression or descriptor.
func ValidateSchedule(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Scheduler starts its tasks on Granted and stops them on Revoked.
type Scheduler struct {
	role   string
	tasks  []Task
	runner hooks.Runner
	leader LeaderChecker
	log    *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(role string, tasks []Task, runner hooks.Runner, leader LeaderChecker, log *zap.Logger) (*Scheduler, error) {
	if leader == nil {
		return nil, errors.New("scheduler: leader checker is required")
	}
	for _, task := range tasks {
		if err := ValidateSchedule(task.Schedule); err != nil {
			return nil, fmt.Errorf("invalid cron schedule for task %s: %w", task.Name, err)
		}
	}
	if runner == nil {
		runner = hooks.NewShellRunner()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		role:   role,
		tasks:  tasks,
		runner: runner,
		leader: leader,
		log:    log.With(zap.String("role", role)),
	}, nil
}

func (s *Scheduler) Name() string { return "scheduler" }

// Role is the election role whose leader runs the tasks.
func (s *Scheduler) Role() string { return s.role }

// Handle starts the tasks on Granted and stops them on Revoked.
func (s *Scheduler) Handle(ctx context.Context, ev election.Event) error {
	switch ev.Type {
	case election.EventGranted:
		s.Start()
	case election.EventRevoked:
		return s.Stop(ctx)
	}
	return nil
}

// Start schedules every task. A running scheduler is left alone.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || len(s.tasks) == 0 {
		return
	}

	logger := cronLogger{s.log.Sugar()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, task := range s.tasks {
		// Schedules were validated in New.
		_, _ = c.AddFunc(task.Schedule, s.job(task))
	}
	c.Start()
	s.cron = c
	s.log.Info("leader tasks started", zap.Int("tasks", len(s.tasks)))
}

// Stop unschedules the tasks and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.log.Info("leader tasks stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for leader tasks: %w", ctx.Err())
	}
}

// Running reports whether the tasks are scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// RunTask runs the named task once, subject to the same leadership check as
// scheduled runs.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	for _, task := range s.tasks {
		if task.Name == name {
			return s.run(ctx, task)
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownTask, name)
}

func (s *Scheduler) job(task Task) func() {
	return func() {
		_ = s.run(context.Background(), task)
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) error {
	if !s.leader.IsLeader() {
		metrics.LeaderTaskRuns.WithLabelValues(s.role, task.Name, "skipped").Inc()
		s.log.Debug("skipping task, not leader", zap.String("task", task.Name))
		return ErrNotLeader
	}

	res := s.runner.Run(ctx, task.Command, []string{
		"ELECTOR_ROLE=" + s.role,
		"ELECTOR_TASK=" + task.Name,
	})
	if res.Error != nil || res.ExitCode != 0 {
		metrics.LeaderTaskRuns.WithLabelValues(s.role, task.Name, "failure").Inc()
		s.log.Warn("task failed",
			zap.String("task", task.Name),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", res.Stderr),
			zap.Error(res.Error))
		if res.Error != nil {
			return fmt.Errorf("%w: %s: %w", ErrTaskFailed, task.Name, res.Error)
		}
		return fmt.Errorf("%w: %s exited with %d", ErrTaskFailed, task.Name, res.ExitCode)
	}

	metrics.LeaderTaskRuns.WithLabelValues(s.role, task.Name, "success").Inc()
	s.log.Debug("task completed", zap.String("task", task.Name), zap.Duration("duration", res.Duration))
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
