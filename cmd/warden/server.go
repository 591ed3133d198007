package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bluesky-social/warden/automod/actuator"
	"github.com/bluesky-social/warden/automod/cachestore"
	"github.com/bluesky-social/warden/automod/countstore"
	"github.com/bluesky-social/warden/automod/decay"
	"github.com/bluesky-social/warden/automod/dedupe"
	"github.com/bluesky-social/warden/automod/engine"
	"github.com/bluesky-social/warden/automod/keylock"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/notify"
	"github.com/bluesky-social/warden/automod/periodic"
	"github.com/bluesky-social/warden/automod/policy"
	"github.com/bluesky-social/warden/automod/sweep"
	"github.com/bluesky-social/warden/pkg/metrics"
	"github.com/bluesky-social/warden/util/cliutil"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/plugin/opentelemetry/tracing"
)

const (
	defaultDecayInterval = time.Hour
	defaultSweepInterval = time.Minute
	dedupeWindow         = 24 * time.Hour
	statsCacheTTL        = 30 * time.Second
)

type Config struct {
	Logger            *slog.Logger
	LedgerStore       string
	DatabaseURL       string
	MaxDBConnections  int
	DBTracing         bool
	RedisURL          string
	PolicyFile        string
	Readonly          bool
	Bind              string
	ActuatorURL       string
	ActuatorToken     string
	ActuatorRateLimit float64
	ActuatorTimeout   time.Duration
	BanQuotaPerDay    int
	SlackWebhookURL   string
	ShutdownTimeout   time.Duration
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return c.Logger
}

// Backing stores shared by the engine and the periodic jobs.
type stores struct {
	ledgers     ledger.Store
	rdb         *redis.Client
	counters    countstore.CountStore
	dedupe      dedupe.Store
	checkpoints periodic.CheckpointStore
	cache       cachestore.CacheStore
	policy      *policy.Holder
}

func openStores(config Config) (*stores, error) {
	logger := config.logger()

	p, err := loadPolicy(config.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	s := &stores{policy: policy.NewHolder(p)}
	logger.Info("loaded moderation policy", "version", p.Version, "path", config.PolicyFile)

	if config.RedisURL != "" {
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		s.rdb = redis.NewClient(opt)
		// check redis connection
		if _, err := s.rdb.Ping(context.TODO()).Result(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
		s.counters = countstore.NewRedisCountStore(s.rdb)
		s.dedupe = dedupe.NewRedisStore(s.rdb, dedupeWindow)
		s.checkpoints = periodic.NewRedisCheckpointStore(s.rdb)
		s.cache = cachestore.NewRedisCacheStore(s.rdb, statsCacheTTL)
	} else {
		s.counters = countstore.NewMemCountStore()
		s.dedupe = dedupe.NewMemStore(100_000, dedupeWindow)
		s.checkpoints = periodic.NewMemCheckpointStore()
		s.cache = cachestore.NewMemCacheStore(10_000, statsCacheTTL)
	}

	switch config.LedgerStore {
	case "memory":
		logger.Warn("using in-process ledger store; ledgers will not survive a restart")
		s.ledgers = ledger.NewMemStore()
	case "redis":
		if config.RedisURL == "" {
			return nil, fmt.Errorf("redis ledger store requires a redis URL")
		}
		rs, err := ledger.NewRedisStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis ledger store: %w", err)
		}
		s.ledgers = rs
	case "sql", "":
		db, err := cliutil.SetupDatabase(config.DatabaseURL, config.MaxDBConnections)
		if err != nil {
			return nil, err
		}
		if config.DBTracing {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return nil, err
			}
		}
		gs, err := ledger.NewGormStore(db)
		if err != nil {
			return nil, err
		}
		s.ledgers = gs
	default:
		return nil, fmt.Errorf("unknown ledger store: %q", config.LedgerStore)
	}
	return s, nil
}

func (s *stores) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

func newActuator(config Config) actuator.Actuator {
	logger := config.logger()
	if config.Readonly {
		return actuator.NewLogActuator(logger)
	}
	if config.ActuatorURL == "" {
		logger.Warn("no actuator URL configured; platform actions will only be logged")
		return actuator.NewLogActuator(logger)
	}
	return actuator.NewWebhookActuator(config.ActuatorURL, config.ActuatorToken, config.ActuatorRateLimit, logger)
}

// Audit events always go to the log; slack delivery (when configured) is queued so it never holds up event
// processing. The returned Async is nil when there is nothing to drain on shutdown.
func newAuditNotifier(config Config) (notify.Notifier, *notify.Async) {
	logger := config.logger()
	ln := notify.NewLogNotifier(logger)
	if config.SlackWebhookURL == "" {
		return ln, nil
	}
	async := notify.NewAsync(notify.NewSlackNotifier(config.SlackWebhookURL), 1000, logger)
	return notify.Multi{ln, async}, async
}

func newNotifier(config Config) notify.Notifier {
	n, _ := newAuditNotifier(config)
	return n
}

type Server struct {
	logger  *slog.Logger
	engine  *engine.Engine
	decay   *decay.Engine
	sweeper *sweep.Sweeper
	watcher *policy.Watcher
	audit   *notify.Async
	stores  *stores
	echo    *echo.Echo
	httpd   *http.Server

	shutdownTimeout time.Duration
}

func NewServer(config Config) (*Server, error) {
	logger := config.logger()

	st, err := openStores(config)
	if err != nil {
		return nil, err
	}

	locks := keylock.NewTable[ledger.Key]()
	act := newActuator(config)
	notifier, async := newAuditNotifier(config)

	eng := &engine.Engine{
		Logger:          logger,
		Store:           st.ledgers,
		Locks:           locks,
		Policy:          st.policy,
		Actuator:        act,
		Notifier:        notifier,
		Counters:        st.counters,
		Dedupe:          st.dedupe,
		ActuatorTimeout: config.ActuatorTimeout,
		BanQuotaPerDay:  config.BanQuotaPerDay,
	}

	srv := &Server{
		logger:          logger,
		engine:          eng,
		decay:           decay.NewEngine(st.ledgers, locks, st.policy, st.checkpoints, logger),
		sweeper:         sweep.NewSweeper(st.ledgers, locks, act, notifier, st.checkpoints, logger),
		audit:           async,
		stores:          st,
		shutdownTimeout: config.ShutdownTimeout,
	}
	if config.ActuatorTimeout > 0 {
		srv.sweeper.ActuatorTimeout = config.ActuatorTimeout
	}
	if srv.shutdownTimeout <= 0 {
		srv.shutdownTimeout = 10 * time.Second
	}
	if config.PolicyFile != "" {
		srv.watcher = policy.NewWatcher(config.PolicyFile, st.policy, logger)
	}

	srv.echo = srv.newEcho()
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1024 * 1024,
	}
	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) intervals() (time.Duration, time.Duration) {
	p := srv.engine.Policy.Get()
	decayEvery, sweepEvery := p.DecayInterval, p.SweepInterval
	if decayEvery <= 0 {
		decayEvery = defaultDecayInterval
	}
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepInterval
	}
	return decayEvery, sweepEvery
}

// Runs the API, the periodic jobs, the policy watcher, and the metrics listener until the context is cancelled
// or one of them fails, then shuts everything down.
func (srv *Server) Run(ctx context.Context, metricsListen string) error {
	g, gctx := errgroup.WithContext(ctx)
	decayEvery, sweepEvery := srv.intervals()

	g.Go(func() error {
		return metrics.RunServer(gctx, metricsListen, srv.logger)
	})
	if srv.watcher != nil {
		g.Go(func() error {
			return srv.watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		return periodic.NewRunner(decay.JobName, decayEvery, srv.decay.Pass, srv.logger).Run(gctx)
	})
	g.Go(func() error {
		return periodic.NewRunner(sweep.JobName, sweepEvery, srv.sweeper.Pass, srv.logger).Run(gctx)
	})
	g.Go(func() error {
		srv.logger.Info("starting api server", "bind", srv.httpd.Addr)
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown()
	})
	return g.Wait()
}

// Stops the API, drains in-flight events and queued audit messages, then closes the stores.
func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), srv.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.httpd.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}
	if err := srv.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if srv.audit != nil {
		if err := srv.audit.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit queue: %w", err))
		}
	}
	if err := srv.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing stores: %w", err))
	}
	return errors.Join(errs...)
}
