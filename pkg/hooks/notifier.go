// Package hooks runs operator commands on leadership changes.
package hooks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"elector/pkg/election"
	"elector/pkg/metrics"
)

// Config names the commands of one election.
type Config struct {
	OnGranted string
	OnRevoked string
	Timeout   time.Duration
}

// Notifier runs the configured command for each leadership event.
type Notifier struct {
	cfg    Config
	runner Runner
	log    *zap.Logger
}

func NewNotifier(cfg Config, runner Runner, log *zap.Logger) *Notifier {
	if runner == nil {
		runner = NewShellRunner()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Notifier{cfg: cfg, runner: runner, log: log}
}

func (n *Notifier) Name() string { return "hooks" }

// Handle runs the command for ev. Events without a command are ignored.
func (n *Notifier) Handle(ctx context.Context, ev election.Event) error {
	var command string
	switch ev.Type {
	case election.EventGranted:
		command = n.cfg.OnGranted
	case election.EventRevoked:
		command = n.cfg.OnRevoked
	}
	if command == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	role, event := ev.Candidate.Role, ev.Type.String()
	res := n.runner.Run(ctx, command, Env(ev))

	status := "success"
	switch {
	case res.TimedOut:
		status = "timeout"
	case res.Error != nil || res.ExitCode != 0:
		status = "failure"
	}
	metrics.HookRuns.WithLabelValues(role, event, status).Inc()
	metrics.HookDuration.WithLabelValues(role, event).Observe(res.Duration.Seconds())

	log := n.log.With(
		zap.String("role", role),
		zap.String("event", event),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	if status != "success" {
		log.Warn("hook failed", zap.String("status", status), zap.String("stderr", res.Stderr), zap.Error(res.Error))
		return fmt.Errorf("%s hook for %s: %s (exit %d)", event, role, status, res.ExitCode)
	}
	log.Info("hook completed")
	return nil
}

// Env returns the ELECTOR_* variables describing ev.
func Env(ev election.Event) []string {
	env := []string{
		"ELECTOR_EVENT=" + ev.Type.String(),
		"ELECTOR_ROLE=" + ev.Candidate.Role,
		"ELECTOR_PATH=" + ev.Path,
		"ELECTOR_CANDIDATE_ID=" + ev.Candidate.ID,
		"ELECTOR_FENCING_TOKEN=" + strconv.FormatInt(ev.Revision, 10),
	}
	if ev.Cause != nil {
		env = append(env, "ELECTOR_CAUSE="+ev.Cause.Error())
	}
	return env
}
