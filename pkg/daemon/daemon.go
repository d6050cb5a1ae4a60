// Package daemon wires configuration into a running elector process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	config "elector/configs"
	"elector/pkg/api"
	"elector/pkg/api/middleware"
	"elector/pkg/auth"
	"elector/pkg/coordination"
	"elector/pkg/coordination/etcd"
	"elector/pkg/coordination/memory"
	"elector/pkg/coordination/redis"
	"elector/pkg/dispatch"
	"elector/pkg/election"
	"elector/pkg/hooks"
	"elector/pkg/logger"
	"elector/pkg/scheduler"
	"elector/pkg/storage"
	"elector/pkg/storage/postgres"
	redisstore "elector/pkg/storage/redis"
)

// ShutdownTimeout bounds the graceful part of Run's shutdown.
const ShutdownTimeout = 30 * time.Second

// Daemon owns the coordination session, every election and the admin API.
type Daemon struct {
	cfg *config.Config
	log *zap.Logger

	svc       coordination.Service
	rdb       *goredis.Client
	registry  *election.Registry
	events    storage.EventStore
	locations storage.LocationStore
	server    *api.Server

	dispatchers []*dispatch.Dispatcher
	schedulers  []*scheduler.Scheduler
}

// New connects to the configured backend and stores and builds one
// coordinator per configured election. Nothing is started.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Daemon, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		log:      log,
		registry: election.NewRegistry(log),
	}

	if err := d.connect(ctx); err != nil {
		d.close()
		return nil, err
	}
	if err := d.openStores(ctx); err != nil {
		d.close()
		return nil, err
	}

	metadata := HostMetadata()
	if cfg.Node.AdvertiseURL != "" {
		metadata["url"] = cfg.Node.AdvertiseURL
	}
	for _, ec := range cfg.Elections {
		if err := d.addElection(ec, metadata); err != nil {
			d.close()
			return nil, fmt.Errorf("election %s: %w", ec.Role, err)
		}
	}

	if cfg.API.Enabled {
		authCfg, err := d.authConfig()
		if err != nil {
			d.close()
			return nil, err
		}
		tasks := make([]api.TaskRunner, 0, len(d.schedulers))
		for _, sched := range d.schedulers {
			tasks = append(tasks, sched)
		}
		d.server = api.NewServer(api.Config{
			Port:        cfg.API.Port,
			NodeID:      cfg.Node.ID,
			ServiceName: cfg.Tracing.ServiceName,
			Logger:      log.Named("api"),
			Registry:    d.registry,
			Service:     d.svc,
			Events:      d.events,
			Locations:   d.locations,
			Tasks:       tasks,
			Auth:        authCfg,
			RateLimit: middleware.RateLimiterConfig{
				RequestsPerSecond: float64(cfg.API.RateLimitRPS),
			},
		})
	}
	return d, nil
}

func (d *Daemon) connect(ctx context.Context) error {
	cc := d.cfg.Coordination
	switch cc.Backend {
	case config.BackendEtcd:
		svc, err := etcd.New(etcd.Config{
			Endpoints:   cc.Etcd.Endpoints,
			DialTimeout: cc.Etcd.DialTimeout,
			SessionTTL:  cc.Etcd.SessionTTL,
			Prefix:      cc.Etcd.Prefix,
			Username:    cc.Etcd.Username,
			Password:    cc.Etcd.Password,
		}, d.log)
		if err != nil {
			return err
		}
		d.svc = svc

	case config.BackendRedis:
		rdb, err := d.redisClient(ctx)
		if err != nil {
			return err
		}
		svc, err := redis.New(ctx, rdb, redis.Config{
			Prefix:        cc.Redis.Prefix,
			SessionTTL:    cc.Redis.SessionTTL,
			RenewInterval: cc.Redis.RenewInterval,
			PollInterval:  cc.Redis.PollInterval,
		}, d.log)
		if err != nil {
			return err
		}
		d.svc = svc

	case config.BackendMemory:
		d.log.Warn("using the in-process coordination backend; elections are local to this process")
		d.svc = memory.NewServer().Connect()

	default:
		return fmt.Errorf("unknown coordination backend %q", cc.Backend)
	}
	return nil
}

// redisClient dials the configured Redis once and shares the client.
func (d *Daemon) redisClient(ctx context.Context) (*goredis.Client, error) {
	if d.rdb != nil {
		return d.rdb, nil
	}
	rc := d.cfg.Coordination.Redis
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.rdb = rdb
	return rdb, nil
}

func (d *Daemon) openStores(ctx context.Context) error {
	jc := d.cfg.Journal
	switch jc.Backend {
	case "":
	case "postgres":
		store, err := postgres.NewEventStore(jc.Postgres.DSN())
		if err != nil {
			return err
		}
		d.events = store
	case "redis":
		rdb, err := d.redisClient(ctx)
		if err != nil {
			return err
		}
		d.events = redisstore.NewEventStore(rdb, redisstore.EventStoreConfig{Stream: jc.Stream, MaxLen: jc.MaxLen})
	default:
		return fmt.Errorf("unknown journal backend %q", jc.Backend)
	}

	lc := d.cfg.Location
	switch lc.Backend {
	case "":
	case "s3":
		store, err := storage.NewS3LocationStore(ctx, storage.S3LocationStoreConfig{
			Bucket:   lc.Bucket,
			Prefix:   lc.Prefix,
			Region:   lc.Region,
			Endpoint: lc.Endpoint,
		})
		if err != nil {
			return err
		}
		d.locations = store
	case "file":
		store, err := storage.NewFileLocationStore(lc.Dir)
		if err != nil {
			return err
		}
		d.locations = store
	default:
		return fmt.Errorf("unknown location backend %q", lc.Backend)
	}
	return nil
}

// leaderRef lets a scheduler ask a coordinator that is created after it.
type leaderRef struct {
	c atomic.Pointer[election.Coordinator]
}

func (r *leaderRef) IsLeader() bool {
	c := r.c.Load()
	return c != nil && c.IsLeader()
}

func (d *Daemon) addElection(ec config.ElectionConfig, hostMetadata map[string]string) error {
	metadata := maps.Clone(hostMetadata)
	maps.Copy(metadata, ec.Metadata)

	path := ec.ElectionPath()
	log := logger.ForElection(d.log, ec.Role, path, d.cfg.Node.ID)

	var sinks []dispatch.Sink
	if d.events != nil {
		sinks = append(sinks, dispatch.Journal(d.events, d.cfg.Journal.Backend))
	}
	if d.locations != nil && d.cfg.Node.AdvertiseURL != "" {
		sinks = append(sinks, dispatch.Location(d.locations, d.cfg.Node.AdvertiseURL))
	}
	if ec.Hooks.OnGranted != "" || ec.Hooks.OnRevoked != "" {
		sinks = append(sinks, hooks.NewNotifier(hooks.Config{
			OnGranted: ec.Hooks.OnGranted,
			OnRevoked: ec.Hooks.OnRevoked,
			Timeout:   ec.Hooks.Timeout,
		}, hooks.NewShellRunner(), log.Named("hooks")))
	}

	leader := &leaderRef{}
	if len(ec.Tasks) > 0 {
		tasks := make([]scheduler.Task, 0, len(ec.Tasks))
		for _, t := range ec.Tasks {
			tasks = append(tasks, scheduler.Task{Name: t.Name, Schedule: t.Schedule, Command: t.Command})
		}
		sched, err := scheduler.New(ec.Role, tasks, hooks.NewShellRunner(), leader, log.Named("scheduler"))
		if err != nil {
			return err
		}
		d.schedulers = append(d.schedulers, sched)
		sinks = append(sinks, sched)
	}

	var callbacks election.Callbacks
	if len(sinks) > 0 {
		timeout := ec.Hooks.Timeout + 5*time.Second
		disp := dispatch.New(dispatch.Config{Timeout: timeout}, log, sinks...)
		d.dispatchers = append(d.dispatchers, disp)
		callbacks = disp.Callbacks(election.Callbacks{})
	}

	coord, err := election.New(d.svc, election.Contest{
		Path:      path,
		Candidate: election.Candidate{Role: ec.Role, ID: d.cfg.Node.ID, Metadata: metadata},
		Callbacks: callbacks,
	}, d.cfg.Election, d.log)
	if err != nil {
		return err
	}
	leader.c.Store(coord)
	return d.registry.Register(coord)
}

func (d *Daemon) authConfig() (middleware.AuthConfig, error) {
	if !d.cfg.API.AuthEnabled {
		return middleware.AuthConfig{Disabled: true}, nil
	}
	jwtSvc, err := auth.NewJWTService(auth.JWTConfig{SecretKey: d.cfg.API.JWTSecret})
	if err != nil {
		return middleware.AuthConfig{}, err
	}
	cfg := middleware.AuthConfig{JWTService: jwtSvc}
	if d.rdb != nil {
		cfg.APIKeyStore = auth.NewRedisAPIKeyStore(d.rdb)
	}
	return cfg, nil
}

// Registry returns the daemon's coordinators.
func (d *Daemon) Registry() *election.Registry { return d.registry }

// Service returns the coordination session.
func (d *Daemon) Service() coordination.Service { return d.svc }

// API returns the admin API server, or nil when disabled.
func (d *Daemon) API() *api.Server { return d.server }

// Run starts the auto-start elections and the API, blocks until ctx is done
// or the API fails, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	for _, ec := range d.cfg.Elections {
		if !ec.Starts() {
			continue
		}
		path, _ := election.NormalizePath(ec.ElectionPath())
		if c, ok := d.registry.Lookup(election.Key{Role: ec.Role, Path: path}); ok {
			if err := c.Start(); err != nil && !errors.Is(err, election.ErrAlreadyRunning) {
				return err
			}
		}
	}
	d.log.Info("elector running",
		zap.String("node", d.cfg.Node.ID),
		zap.String("backend", d.cfg.Coordination.Backend),
		zap.Int("elections", len(d.cfg.Elections)))

	apiErr := make(chan error, 1)
	if d.server != nil {
		go func() { apiErr <- d.server.Start() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-apiErr:
		runErr = err
	}

	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, d.Shutdown(sctx))
}

// Shutdown stops the API, releases every leadership and closes the backend.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}

	// Revoked callbacks run before the coordinators report stopped, so the
	// dispatchers see every final event.
	if err := d.registry.ShutdownAll(ctx); err != nil {
		errs = append(errs, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, disp := range d.dispatchers {
		g.Go(func() error { return disp.Close(gctx) })
	}
	for _, sched := range d.schedulers {
		g.Go(func() error { return sched.Stop(gctx) })
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, d.close())
	d.log.Info("elector stopped")
	return errors.Join(errs...)
}

func (d *Daemon) close() error {
	var errs []error
	if d.svc != nil {
		if err := d.svc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close coordination: %w", err))
		}
	}
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if d.rdb != nil {
		if err := d.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
