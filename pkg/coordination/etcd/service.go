package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"

	"elector/pkg/coordination"
	"elector/pkg/metrics"
)

// Config holds etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL in seconds. Artifacts vanish this long
	// after the process stops heartbeating.
	SessionTTL int
	Prefix     string
	Username   string
	Password   string
}

// Service implements coordination.Service on etcd. Artifacts are
// concurrency.Election campaign keys bound to the session lease, so the
// lowest create-revision under a path is the holder.
type Service struct {
	client *clientv3.Client
	cfg    Config
	log    *zap.Logger
	events *coordination.Broadcaster

	mu      sync.Mutex
	session *concurrency.Session
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ coordination.Service         = (*Service)(nil)
	_ coordination.CandidateLister = (*Service)(nil)
)

// New connects to etcd and opens a session.
func New(cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      log.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(cfg.SessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		cancel()
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", translate(ctx, err))
	}

	s := &Service{
		client:  cli,
		cfg:     cfg,
		log:     log.With(zap.String("backend", "etcd")),
		events:  coordination.NewBroadcaster(sessionID(sess)),
		session: sess,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(2)
	go s.watchSession()
	go s.watchConnectivity()

	s.log.Info("etcd session established",
		zap.Strings("endpoints", cfg.Endpoints),
		zap.String("session", sessionID(sess)),
		zap.Int("ttl", cfg.SessionTTL))
	return s, nil
}

func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionID(s.session)
}

func (s *Service) currentSession() (*concurrency.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, coordination.ErrSessionClosed
	}
	return s.session, nil
}

// CreateExclusive campaigns under path. Campaign cleans up its own key
// when ctx is cancelled before the campaign wins.
func (s *Service) CreateExclusive(ctx context.Context, path, value string) (coordination.Artifact, error) {
	sess, err := s.currentSession()
	if err != nil {
		return coordination.Artifact{}, err
	}

	e := concurrency.NewElection(sess, s.key(path))
	if err := e.Campaign(ctx, value); err != nil {
		return coordination.Artifact{}, translate(ctx, err)
	}

	return coordination.Artifact{
		ID:       e.Key(),
		Path:     path,
		Session:  sessionID(sess),
		Revision: e.Rev(),
	}, nil
}

// Delete removes the campaign key only if it is still the one this
// artifact created, the same guard concurrency.Election.Resign uses.
func (s *Service) Delete(ctx context.Context, artifact coordination.Artifact) error {
	if artifact.ID == "" {
		return nil
	}
	_, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(artifact.ID), "=", artifact.Revision)).
		Then(clientv3.OpDelete(artifact.ID)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", artifact.ID, translate(ctx, err))
	}
	return nil
}

func (s *Service) Leader(ctx context.Context, path string) (string, error) {
	resp, err := s.client.Get(ctx, s.key(path)+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return "", translate(ctx, err)
	}
	if len(resp.Kvs) == 0 {
		return "", coordination.ErrNoLeader
	}
	return string(resp.Kvs[0].Value), nil
}

func (s *Service) Candidates(ctx context.Context, path string) ([]string, error) {
	resp, err := s.client.Get(ctx, s.key(path)+"/",
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, translate(ctx, err)
	}

	values := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, string(kv.Value))
	}
	return values, nil
}

func (s *Service) WatchSession() (<-chan coordination.SessionEvent, func()) {
	return s.events.Subscribe()
}

// Close revokes the session lease, which deletes every artifact created
// through this service, then closes the client.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess := s.session
	s.mu.Unlock()

	if err := sess.Close(); err != nil {
		s.log.Warn("failed to revoke session lease", zap.Error(err))
	}
	s.cancel()
	s.wg.Wait()
	s.events.Close()
	return s.client.Close()
}

// watchSession replaces the session whenever its lease is lost and
// publishes LOST followed by RECONNECTED with the new session ID.
func (s *Service) watchSession() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		sess := s.session
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return
		case <-sess.Done():
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed || s.ctx.Err() != nil {
			return
		}

		old := sessionID(sess)
		s.log.Warn("etcd session lost", zap.String("session", old))
		metrics.SessionEvents.WithLabelValues("etcd", coordination.SessionLost.String()).Inc()
		s.events.Publish(coordination.SessionEvent{State: coordination.SessionLost, SessionID: old})

		fresh, err := s.reestablish()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.session = fresh
		s.mu.Unlock()

		s.log.Info("etcd session re-established", zap.String("session", sessionID(fresh)))
		metrics.SessionEvents.WithLabelValues("etcd", coordination.SessionReconnected.String()).Inc()
		s.events.Publish(coordination.SessionEvent{State: coordination.SessionReconnected, SessionID: sessionID(fresh)})
	}
}

func (s *Service) reestablish() (*concurrency.Session, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	var fresh *concurrency.Session
	err := backoff.RetryNotify(func() error {
		sess, err := concurrency.NewSession(s.client,
			concurrency.WithTTL(s.cfg.SessionTTL),
			concurrency.WithContext(s.ctx))
		if err != nil {
			return err
		}
		fresh = sess
		return nil
	}, backoff.WithContext(b, s.ctx), func(err error, wait time.Duration) {
		s.log.Warn("failed to re-create etcd session", zap.Error(err), zap.Duration("retry_in", wait))
	})
	return fresh, err
}

// watchConnectivity maps gRPC transport state onto SUSPENDED and
// RECONNECTED for the current session.
func (s *Service) watchConnectivity() {
	defer s.wg.Done()

	conn := s.client.ActiveConnection()
	if conn == nil {
		return
	}

	state := conn.GetState()
	suspended := false
	for conn.WaitForStateChange(s.ctx, state) {
		state = conn.GetState()
		switch state {
		case connectivity.TransientFailure:
			if suspended {
				continue
			}
			suspended = true
			s.log.Warn("etcd connection suspended")
			metrics.SessionEvents.WithLabelValues("etcd", coordination.SessionSuspended.String()).Inc()
			s.events.Publish(coordination.SessionEvent{State: coordination.SessionSuspended, SessionID: s.SessionID()})
		case connectivity.Ready:
			if !suspended {
				continue
			}
			suspended = false
			s.log.Info("etcd connection restored")
			metrics.SessionEvents.WithLabelValues("etcd", coordination.SessionReconnected.String()).Inc()
			s.events.Publish(coordination.SessionEvent{State: coordination.SessionReconnected, SessionID: s.SessionID()})
		}
	}
}

func (s *Service) key(path string) string {
	return strings.TrimRight(s.cfg.Prefix, "/") + "/" + strings.TrimLeft(path, "/")
}

func sessionID(sess *concurrency.Session) string {
	return strconv.FormatInt(int64(sess.Lease()), 16)
}

// translate maps etcd errors onto the coordination taxonomy.
func translate(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, rpctypes.ErrPermissionDenied),
		errors.Is(err, rpctypes.ErrAuthFailed),
		errors.Is(err, rpctypes.ErrUserEmpty):
		return fmt.Errorf("%w: %v", coordination.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", coordination.ErrUnavailable, err)
	}
}
