package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"elector/pkg/coordination"
	"elector/pkg/metrics"
)

// Lock values are "<session>|<revision>|<value>" so ownership checks can
// compare a prefix without knowing the caller's value. A session acquiring
// a lock it already owns gets the existing revision back.
const (
	acquireScript = `
		local v = redis.call("get", KEYS[1])
		if v then
			local prefix = ARGV[1] .. "|"
			if string.sub(v, 1, string.len(prefix)) ~= prefix then
				return 0
			end
			local rev = string.match(string.sub(v, string.len(prefix) + 1), "^(%d+)|")
			redis.call("set", KEYS[1], prefix .. rev .. "|" .. ARGV[2], "PX", ARGV[3])
			return tonumber(rev)
		end
		local rev = redis.call("incr", KEYS[2])
		redis.call("set", KEYS[1], ARGV[1] .. "|" .. rev .. "|" .. ARGV[2], "PX", ARGV[3])
		return rev
	`

	deleteScript = `
		local v = redis.call("get", KEYS[1])
		if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`

	renewScript = `
		if redis.call("pexpire", KEYS[1], ARGV[1]) == 0 then
			return -1
		end
		local prefix = ARGV[2] .. "|"
		for i = 2, #KEYS do
			local v = redis.call("get", KEYS[i])
			if v and string.sub(v, 1, string.len(prefix)) == prefix then
				redis.call("pexpire", KEYS[i], ARGV[1])
			end
		end
		return 1
	`
)

// Config holds settings for the Redis coordination backend.
type Config struct {
	Prefix        string
	SessionTTL    time.Duration
	RenewInterval time.Duration
	PollInterval  time.Duration
}

// DefaultConfig returns defaults matching a 10s session.
func DefaultConfig() Config {
	return Config{
		Prefix:        "elector",
		SessionTTL:    10 * time.Second,
		RenewInterval: 3 * time.Second,
		PollInterval:  100 * time.Millisecond,
	}
}

// Service implements coordination.Service on a single Redis instance. A
// session is a key with a TTL refreshed by a heartbeat loop; artifacts are
// SET NX keys carrying the session ID and renewed alongside it.
type Service struct {
	client *redis.Client
	cfg    Config
	log    *zap.Logger
	events *coordination.Broadcaster

	mu        sync.Mutex
	sessionID string
	renewedAt time.Time
	held      map[string]coordination.Artifact
	suspended bool
	abandoned bool
	closed    bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ coordination.Service = (*Service)(nil)

// New opens a session on client. The client stays owned by the caller.
func New(ctx context.Context, client *redis.Client, cfg Config, log *zap.Logger) (*Service, error) {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.SessionTTL / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Service{
		client:   client,
		cfg:      cfg,
		log:      log.With(zap.String("backend", "redis")),
		held:     make(map[string]coordination.Artifact),
		stopChan: make(chan struct{}),
	}

	start := time.Now()
	id, err := s.openSession(ctx)
	if err != nil {
		return nil, err
	}
	s.sessionID = id
	s.renewedAt = start
	s.events = coordination.NewBroadcaster(id)

	s.wg.Add(1)
	go s.heartbeat()

	s.log.Info("redis session established", zap.String("session", id), zap.Duration("ttl", cfg.SessionTTL))
	return s, nil
}

func (s *Service) openSession(ctx context.Context) (string, error) {
	id := uuid.New().String()
	if err := s.client.Set(ctx, s.sessionKey(id), "1", s.cfg.SessionTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to open redis session: %w", translate(ctx, err))
	}
	return id, nil
}

func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Service) session() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", coordination.ErrSessionClosed
	}
	if s.abandoned {
		return "", fmt.Errorf("%w: session %s lapsed and has not been replaced yet", coordination.ErrUnavailable, s.sessionID)
	}
	return s.sessionID, nil
}

// CreateExclusive polls SET NX until the lock is free or ctx is done.
func (s *Service) CreateExclusive(ctx context.Context, path, value string) (coordination.Artifact, error) {
	key := s.lockKey(path)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		session, err := s.session()
		if err != nil {
			return coordination.Artifact{}, err
		}

		rev, err := s.client.Eval(ctx, acquireScript,
			[]string{key, s.revisionKey()},
			session, value, s.cfg.SessionTTL.Milliseconds()).Int64()
		if err != nil {
			return coordination.Artifact{}, translate(ctx, err)
		}

		if rev > 0 {
			a := coordination.Artifact{ID: key, Path: path, Session: session, Revision: rev}
			s.mu.Lock()
			if s.sessionID != session || s.abandoned {
				// The session rotated while the script ran; the lock belongs
				// to a dead session and will be released below.
				s.mu.Unlock()
				_ = s.Delete(ctx, a)
				continue
			}
			s.held[key] = a
			s.mu.Unlock()
			return a, nil
		}

		select {
		case <-ctx.Done():
			return coordination.Artifact{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) Delete(ctx context.Context, artifact coordination.Artifact) error {
	s.mu.Lock()
	if cur, ok := s.held[artifact.ID]; ok && cur.Revision == artifact.Revision {
		delete(s.held, artifact.ID)
	}
	s.mu.Unlock()

	owner := artifact.Session + "|" + strconv.FormatInt(artifact.Revision, 10) + "|"
	if err := s.client.Eval(ctx, deleteScript, []string{artifact.ID}, owner).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", artifact.ID, translate(ctx, err))
	}
	return nil
}

func (s *Service) Leader(ctx context.Context, path string) (string, error) {
	v, err := s.client.Get(ctx, s.lockKey(path)).Result()
	if errors.Is(err, redis.Nil) {
		return "", coordination.ErrNoLeader
	}
	if err != nil {
		return "", translate(ctx, err)
	}

	parts := strings.SplitN(v, "|", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed lock value at %s", coordination.ErrRejected, path)
	}
	return parts[2], nil
}

func (s *Service) WatchSession() (<-chan coordination.SessionEvent, func()) {
	return s.events.Subscribe()
}

// Close stops the heartbeat and deletes the session and every held lock.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	held := make([]coordination.Artifact, 0, len(s.held))
	for _, a := range s.held {
		held = append(held, a)
	}
	session := s.sessionID
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, a := range held {
		if err := s.Delete(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.client.Del(ctx, s.sessionKey(session)).Err(); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete session: %w", err))
	}

	s.events.Close()
	return errors.Join(errs...)
}

// heartbeat refreshes the session and its locks. A refresh error
// suspends the session. The session is declared lost once SessionTTL has
// passed since the last refresh that started successfully, which is no
// later than the server drops its keys; it is replaced as soon as Redis
// answers again.
func (s *Service) heartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RenewInterval)
	defer ticker.Stop()
	lease := time.NewTimer(s.untilLapse())
	defer lease.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.renew()
		case <-lease.C:
			s.lapse()
		}
		lease.Reset(s.untilLapse())
	}
}

// untilLapse reports how long the current session has left before it must
// be given up locally.
func (s *Service) untilLapse() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned {
		return s.cfg.RenewInterval
	}
	return max(time.Until(s.renewedAt.Add(s.cfg.SessionTTL)), 0)
}

func (s *Service) renew() {
	start := time.Now()

	s.mu.Lock()
	session := s.sessionID
	if s.abandoned {
		s.mu.Unlock()
		s.replace(session)
		return
	}
	keys := []string{s.sessionKey(session)}
	for k := range s.held {
		keys = append(keys, k)
	}
	wasSuspended := s.suspended
	deadline := s.renewedAt.Add(s.cfg.SessionTTL)
	s.mu.Unlock()

	// A refresh still in flight at the lapse deadline is worthless.
	ctx, cancel := context.WithDeadline(context.Background(), minTime(start.Add(s.cfg.RenewInterval), deadline))
	defer cancel()

	res, err := s.client.Eval(ctx, renewScript, keys, s.cfg.SessionTTL.Milliseconds(), session).Int64()
	if err != nil {
		if !wasSuspended {
			s.mu.Lock()
			s.suspended = true
			s.mu.Unlock()
			s.log.Warn("redis session heartbeat failed", zap.Error(err))
			metrics.SessionEvents.WithLabelValues("redis", coordination.SessionSuspended.String()).Inc()
			s.events.Publish(coordination.SessionEvent{State: coordination.SessionSuspended, SessionID: session})
		}
		return
	}

	if res < 0 {
		s.expire(session)
		return
	}

	s.mu.Lock()
	if s.sessionID == session && !s.abandoned {
		s.renewedAt = start
	}
	s.suspended = false
	s.mu.Unlock()

	if wasSuspended {
		s.log.Info("redis session heartbeat restored")
		metrics.SessionEvents.WithLabelValues("redis", coordination.SessionReconnected.String()).Inc()
		s.events.Publish(coordination.SessionEvent{State: coordination.SessionReconnected, SessionID: session})
	}
}

// lapse gives up a session that has gone SessionTTL without a refresh. Its
// keys may still exist on an unreachable server but will expire there
// without help, so holders must stop acting on them now.
func (s *Service) lapse() {
	s.mu.Lock()
	if s.closed || s.abandoned || time.Since(s.renewedAt) < s.cfg.SessionTTL {
		s.mu.Unlock()
		return
	}
	session := s.sessionID
	s.abandon()
	s.mu.Unlock()

	s.log.Warn("redis session lapsed without a heartbeat", zap.String("session", session),
		zap.Duration("ttl", s.cfg.SessionTTL))
	metrics.SessionEvents.WithLabelValues("redis", coordination.SessionLost.String()).Inc()
	s.events.Publish(coordination.SessionEvent{State: coordination.SessionLost, SessionID: session})
}

// expire publishes LOST for a session the server no longer knows, drops its
// locks, and opens a replacement.
func (s *Service) expire(old string) {
	s.mu.Lock()
	stale := s.abandon()
	s.mu.Unlock()

	s.log.Warn("redis session expired", zap.String("session", old))
	metrics.SessionEvents.WithLabelValues("redis", coordination.SessionLost.String()).Inc()
	s.events.Publish(coordination.SessionEvent{State: coordination.SessionLost, SessionID: old})

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RenewInterval)
	defer cancel()
	for _, a := range stale {
		_ = s.Delete(ctx, a)
	}

	s.replace(old)
}

// abandon marks the current session as unusable and forgets its locks.
// Callers hold s.mu.
func (s *Service) abandon() []coordination.Artifact {
	stale := make([]coordination.Artifact, 0, len(s.held))
	for _, a := range s.held {
		stale = append(stale, a)
	}
	s.held = make(map[string]coordination.Artifact)
	s.abandoned = true
	return stale
}

// replace opens a fresh session for an abandoned one. On failure it is
// retried on the next heartbeat tick.
func (s *Service) replace(old string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RenewInterval)
	defer cancel()

	start := time.Now()
	fresh, err := s.openSession(ctx)
	if err != nil {
		s.log.Debug("failed to open replacement session", zap.Error(err))
		return
	}
	_ = s.client.Del(ctx, s.sessionKey(old)).Err()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.client.Del(ctx, s.sessionKey(fresh)).Err()
		return
	}
	s.sessionID = fresh
	s.renewedAt = start
	s.suspended = false
	s.abandoned = false
	s.mu.Unlock()

	s.log.Info("redis session replaced", zap.String("old", old), zap.String("session", fresh))
	metrics.SessionEvents.WithLabelValues("redis", coordination.SessionReconnected.String()).Inc()
	s.events.Publish(coordination.SessionEvent{State: coordination.SessionReconnected, SessionID: fresh})
}

func (s *Service) sessionKey(id string) string {
	return s.cfg.Prefix + ":session:" + id
}

func (s *Service) lockKey(path string) string {
	return s.cfg.Prefix + ":lock:" + strings.Trim(path, "/")
}

func (s *Service) revisionKey() string {
	return s.cfg.Prefix + ":revision"
}

func translate(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case strings.HasPrefix(err.Error(), "NOAUTH"), strings.HasPrefix(err.Error(), "NOPERM"),
		strings.HasPrefix(err.Error(), "WRONGPASS"):
		return fmt.Errorf("%w: %v", coordination.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", coordination.ErrUnavailable, err)
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
