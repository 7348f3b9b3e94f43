// Package app assembles the engine from configuration: storage, database,
// queues, services and the background loops that the commands run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/auth"
	"github.com/papermerge/papermerge-core-sub000/internal/config"
	"github.com/papermerge/papermerge-core-sub000/internal/customfields"
	"github.com/papermerge/papermerge-core-sub000/internal/database"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/locking"
	"github.com/papermerge/papermerge-core-sub000/internal/mirror"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"github.com/papermerge/papermerge-core-sub000/internal/pageops"
	"github.com/papermerge/papermerge-core-sub000/internal/pdfops"
	"github.com/papermerge/papermerge-core-sub000/internal/reconcile"
	"github.com/papermerge/papermerge-core-sub000/internal/seed"
	"github.com/papermerge/papermerge-core-sub000/internal/server"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"github.com/papermerge/papermerge-core-sub000/internal/tracing"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
	"github.com/papermerge/papermerge-core-sub000/internal/versions"
	"github.com/papermerge/papermerge-core-sub000/internal/worker"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	memoryQueueSize   = 256
	redisPollTimeout  = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	tracerServiceName = "papermerge"
)

// App holds every wired component. Close releases them.
type App struct {
	Config       config.AppConfig
	Logger       *zap.Logger
	DB           *gorm.DB
	Store        *artifacts.FileStore
	Documents    *documents.Service
	Versions     *versions.Engine
	Pages        *pageops.Service
	CustomFields *customfields.Service
	Users        *users.Service
	Sweeper      *reconcile.Sweeper
	Mirror       *mirror.Mirror

	dispatcher tasks.Dispatcher
	memory     *tasks.MemoryDispatcher
	redis      goredis.UniversalClient
	remote     *mirror.GCSStore
	shutdown   func(context.Context) error
}

// Models lists every table the engine migrates.
func Models() []any {
	models := append([]any{}, documents.Models()...)
	models = append(models, ownership.Models()...)
	models = append(models, users.Models()...)
	models = append(models, customfields.Models()...)
	return models
}

// New wires the engine described by cfg.
func New(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.shutdown, err = tracing.Setup(ctx, cfg.TracingEnabled, tracerServiceName, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	app.DB, err = database.Open(database.Config{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseDSN,
	}, logger, Models()...)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	app.Store, err = artifacts.NewFileStore(cfg.MediaRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("media store: %w", err)
	}

	if cfg.UsesRedis() {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddress})
		app.redis = client
		if err = client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddress, err)
		}
	}

	var locker locking.Locker = locking.NewLocalLocker()
	if cfg.LockBackend == config.BackendRedis {
		locker, err = locking.NewRedisLocker(app.redis, cfg.LockTTL, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.TasksBackend == config.BackendRedis {
		app.dispatcher, err = tasks.NewRedisDispatcher(app.redis, cfg.TasksQueuePrefix)
		if err != nil {
			return nil, err
		}
	} else {
		app.memory = tasks.NewMemoryDispatcher(memoryQueueSize)
		app.dispatcher = app.memory
	}

	resolver := ownership.NewResolver(app.DB, logger)
	processor := pdfops.New(cfg.PDFWorkers, logger)

	app.Documents, err = documents.NewService(documents.ServiceConfig{
		Database:  app.DB,
		Ownership: resolver,
		Store:     app.Store,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	app.Versions, err = versions.NewEngine(versions.EngineConfig{
		Database:   app.DB,
		Documents:  app.Documents,
		Store:      app.Store,
		PDF:        processor,
		Dispatcher: app.dispatcher,
		Locker:     locker,
		Logger:     logger,
		Tracer:     tracing.Tracer("papermerge/versions"),
	})
	if err != nil {
		return nil, err
	}
	app.Pages, err = pageops.NewService(pageops.ServiceConfig{
		Database:   app.DB,
		Documents:  app.Documents,
		Versions:   app.Versions,
		Store:      app.Store,
		PDF:        processor,
		Dispatcher: app.dispatcher,
		Locker:     locker,
		Logger:     logger,
		Tracer:     tracing.Tracer("papermerge/pageops"),
	})
	if err != nil {
		return nil, err
	}
	app.CustomFields, err = customfields.NewService(customfields.ServiceConfig{
		Database:  app.DB,
		Ownership: resolver,
		Documents: app.Documents,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	app.Users, err = users.NewService(users.ServiceConfig{
		Database: app.DB,
		Ledger:   resolver,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	app.Sweeper, err = reconcile.NewSweeper(reconcile.Config{
		Database:   app.DB,
		Store:      app.Store,
		Dispatcher: app.dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.MirrorEnabled {
		var remote mirror.ObjectStore = mirror.NewMemoryStore()
		if cfg.MirrorBucket != "" {
			app.remote, err = mirror.NewGCSStore(ctx, mirror.GCSConfig{
				Bucket:          cfg.MirrorBucket,
				EmulatorHost:    cfg.MirrorEmulator,
				CredentialsFile: cfg.MirrorCredentials,
			})
			if err != nil {
				return nil, fmt.Errorf("mirror: %w", err)
			}
			remote = app.remote
		} else {
			logger.Warn("mirror enabled without a bucket; objects are kept in memory")
		}
		app.Mirror, err = mirror.New(mirror.Config{Database: app.DB, Store: app.Store, Remote: remote, Logger: logger})
		if err != nil {
			return nil, err
		}
	}

	return app, nil
}

// HTTPHandler builds the API handler. It needs the auth settings.
func (a *App) HTTPHandler() (http.Handler, error) {
	if err := a.Config.RequireAuth(); err != nil {
		return nil, err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(a.Config.AuthSigningSecret),
		Issuer:        a.Config.AuthIssuer,
		CookieName:    a.Config.AuthCookieName,
	})
	if err != nil {
		return nil, err
	}
	deps := server.Dependencies{
		Sessions:     validator,
		CookieName:   a.Config.AuthCookieName,
		Users:        a.Users,
		Documents:    a.Documents,
		Versions:     a.Versions,
		Pages:        a.Pages,
		CustomFields: a.CustomFields,
		Logger:       a.Logger,
	}
	if a.Config.OIDCEnabled() {
		verifier, err := auth.NewOIDCVerifier(auth.OIDCVerifierConfig{
			Provider: a.Config.OIDCProvider,
			Audience: a.Config.OIDCAudience,
			JWKSURL:  a.Config.OIDCJWKSURL,
			Issuers:  a.Config.OIDCIssuers,
			Logger:   a.Logger,
		})
		if err != nil {
			return nil, err
		}
		issuer, err := a.TokenIssuer(a.Config.AuthTokenTTL)
		if err != nil {
			return nil, err
		}
		deps.Identities = verifier
		deps.Tokens = issuer
	}
	return server.NewHTTPHandler(deps)
}

// TokenIssuer signs session tokens for local users.
func (a *App) TokenIssuer(ttl time.Duration) (*auth.TokenIssuer, error) {
	if err := a.Config.RequireAuth(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(a.Config.AuthSigningSecret),
		Issuer:        a.Config.AuthIssuer,
		TokenTTL:      ttl,
	})
}

// Seeder applies seed files against this engine.
func (a *App) Seeder() (*seed.Seeder, error) {
	return seed.New(seed.Config{
		Users:        a.Users,
		Documents:    a.Documents,
		CustomFields: a.CustomFields,
		Logger:       a.Logger,
	})
}

// Dispatcher is the queue the services hand their follow-up tasks to.
func (a *App) Dispatcher() tasks.Dispatcher {
	return a.dispatcher
}

// RunWorker consumes the convert queue, and the s3 queue when the mirror is
// enabled, until ctx ends.
func (a *App) RunWorker(ctx context.Context) error {
	routes := []string{tasks.RouteConvert}
	if a.Mirror != nil {
		routes = append(routes, tasks.RouteS3)
	}

	var source worker.Source
	if a.memory != nil {
		source = worker.NewMemorySource(ctx, a.memory, routes...)
	} else {
		queue, err := tasks.NewRedisQueue(a.redis, a.Config.TasksQueuePrefix, routes, redisPollTimeout)
		if err != nil {
			return err
		}
		source = queue
	}

	runner, err := worker.NewRunner(worker.RunnerConfig{
		Source:      source,
		Concurrency: a.Config.WorkerConcurrency,
		Logger:      a.Logger,
	})
	if err != nil {
		return err
	}
	runner.Register(tasks.NameConvertDocument, worker.ConvertHandler(a.Versions))
	if a.Mirror != nil {
		runner.RegisterAll(a.Mirror.Handlers())
	}
	a.Logger.Info("worker starting", zap.Strings("routes", routes))
	return runner.Run(ctx)
}

// Close releases connections and flushes traces. It is safe on a partly built App.
func (a *App) Close() {
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.Logger.Warn("mirror close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Logger.Warn("database close failed", zap.Error(err))
			}
		}
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
