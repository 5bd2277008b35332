package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/broadcast"
	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/config"
	httptransport "github.com/example/studio-scheduler/internal/http"
	"github.com/example/studio-scheduler/internal/persistence"
	"github.com/example/studio-scheduler/internal/persistence/memory"
	"github.com/example/studio-scheduler/internal/persistence/sqlite"
	"github.com/example/studio-scheduler/internal/persistence/sqlite/migration"
	"github.com/example/studio-scheduler/internal/recurrence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// repositories is the storage surface the services need.
type repositories struct {
	actors    persistence.ActorRepository
	sessions  persistence.SessionRepository
	series    persistence.SeriesRepository
	overrides persistence.OverrideRepository
	close     func() error
}

func openRepositories(ctx context.Context, cfg config.Config, logger *slog.Logger) (repositories, error) {
	switch cfg.StorageDriver {
	case "memory":
		storage := memory.New()
		logger.Warn("using in-memory storage, data is lost on exit")
		return repositories{actors: storage, sessions: storage, series: storage, overrides: storage, close: storage.Close}, nil
	case "sqlite":
		pool, err := sqlite.NewConnectionPool(ctx, migration.DefaultSQLiteConfig(cfg.SQLitePath))
		if err != nil {
			return repositories{}, fmt.Errorf("open storage: %w", err)
		}
		applied, err := pool.Migrate(ctx, logger)
		if err != nil {
			_ = pool.Close()
			return repositories{}, fmt.Errorf("apply migrations: %w", err)
		}
		if applied > 0 {
			logger.Info("migrations applied", slog.Int("count", applied))
		}
		return repositories{
			actors:    sqlite.NewActorRepository(pool),
			sessions:  sqlite.NewSessionRepository(pool),
			series:    sqlite.NewSeriesRepository(pool),
			overrides: sqlite.NewOverrideRepository(pool),
			close:     pool.Close,
		}, nil
	default:
		return repositories{}, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// stack is the fully wired service graph.
type stack struct {
	cfg         config.Config
	logger      *slog.Logger
	repos       repositories
	redis       *redis.Client
	relay       *broadcast.RedisRelay
	amqp        *broadcast.AMQPPublisher
	broadcaster *broadcast.Broadcaster
	coord       *collaboration.Coordinator
	actors      *application.ActorService
	sessions    *application.SessionService
}

func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stack, error) {
	repos, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	st := &stack{cfg: cfg, logger: logger, repos: repos}

	var sinks []broadcast.Sink
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		st.redis = redis.NewClient(redisOpts)
		st.relay = broadcast.NewRedisRelay(st.redis, cfg.RedisChannel, cfg.NodeID, logger)
		sinks = append(sinks, st.relay)
	}
	if cfg.AMQPURL != "" {
		st.amqp = broadcast.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		sinks = append(sinks, st.amqp)
	}

	sequencer := scheduler.NewSequencer(nil)
	st.broadcaster = broadcast.New(broadcast.Options{Sequencer: sequencer, Sinks: sinks, Logger: logger})

	st.actors = application.NewActorService(repos.actors, application.ActorServiceOptions{Logger: logger})
	store := scheduler.NewStore(scheduler.StoreOptions{
		Repository:       application.NewSessionStore(repos.sessions),
		Publisher:        st.broadcaster,
		Overrides:        application.NewOverrideAudit(repos.overrides, st.broadcaster, nil, logger),
		Sequencer:        sequencer,
		LateCancelWindow: cfg.LateCancelWindow,
		Logger:           logger,
	})
	if err := store.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	tokens, err := collaboration.NewTokenIssuer([]byte(cfg.TokenSecret), cfg.TokenTTL, nil)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var locks collaboration.LockStore
	if st.redis != nil {
		locks = collaboration.NewRedisLockStore(st.redis, "")
	}
	st.coord, err = collaboration.NewCoordinator(collaboration.Options{
		Registry:  st.actors,
		Tokens:    tokens,
		Mutator:   store,
		Locks:     locks,
		Events:    st.broadcaster,
		LockTTL:   cfg.LockTTL,
		Sequencer: sequencer,
		Logger:    logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	st.sessions, err = application.NewSessionService(application.SessionServiceDeps{
		Store:       store,
		Coordinator: st.coord,
		Series:      repos.series,
		Overrides:   repos.overrides,
		Expander:    recurrence.NewExpander(recurrence.Options{MaxOccurrences: cfg.MaxOccurrences, MaxMonths: cfg.MaxMonths}),
		Logger:      logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// start runs the background workers until ctx is done.
func (st *stack) start(ctx context.Context) {
	go st.broadcaster.Run(ctx)
	go st.coord.RunSweeper(ctx, st.cfg.SweepInterval)
	if st.relay != nil {
		go func() {
			if err := st.relay.Run(ctx, st.broadcaster, nil); err != nil {
				st.logger.Error("event relay stopped", slog.Any("error", err))
			}
		}()
	}
}

func (st *stack) handler() http.Handler {
	logger := st.logger
	limit := httptransport.RateLimit(rate.Limit(st.cfg.RateLimit), st.cfg.RateBurst, logger)
	requireActor := httptransport.RequireActor(st.actors, logger)

	return httptransport.NewRouter(httptransport.RouterConfig{
		Sessions:      httptransport.NewSessionHandler(st.sessions, logger),
		Series:        httptransport.NewSeriesHandler(st.sessions, logger),
		Actors:        httptransport.NewActorHandler(st.actors, logger),
		Collaboration: httptransport.NewCollaborationHandler(st.coord, logger),
		Hub: httptransport.NewHub(st.coord, st.broadcaster, st.sessions, httptransport.HubOptions{
			AllowedOrigins: st.cfg.CORSOrigins,
			Logger:         logger,
		}),
		Authenticate: func(next http.Handler) http.Handler {
			return requireActor(limit(next))
		},
		Middleware: []func(http.Handler) http.Handler{
			httptransport.RequestLogger(logger),
			httptransport.CORS(st.cfg.CORSOrigins),
		},
	})
}

// Close releases storage and broker connections.
func (st *stack) Close() error {
	var errs []error
	if st.amqp != nil {
		errs = append(errs, st.amqp.Close())
	}
	if st.redis != nil {
		errs = append(errs, st.redis.Close())
	}
	if st.repos.close != nil {
		errs = append(errs, st.repos.close())
	}
	return errors.Join(errs...)
}
