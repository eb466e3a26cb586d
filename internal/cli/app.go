package cli

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kislikjeka/gatekeeper/internal/archival"
	"github.com/kislikjeka/gatekeeper/internal/financial"
	"github.com/kislikjeka/gatekeeper/internal/infra/postgres"
	"github.com/kislikjeka/gatekeeper/internal/infra/redis"
	"github.com/kislikjeka/gatekeeper/internal/infra/sqlite"
	"github.com/kislikjeka/gatekeeper/internal/intake"
	"github.com/kislikjeka/gatekeeper/internal/platform/fileguard"
	"github.com/kislikjeka/gatekeeper/internal/platform/vault"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
	"github.com/kislikjeka/gatekeeper/pkg/config"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// App holds the wired components of one gatekeeper process
type App struct {
	Config *config.Config
	Paths  *config.Paths
	Logger *logger.Logger

	Store    *sqlite.Store
	DB       *postgres.DB // nil when running offline-only
	Redis    *goredis.Client
	Notifier *redis.Notifier
	Vault    *vault.Vault

	Worker   *syncqueue.Worker
	Intake   *intake.Service
	Archival *archival.Command
}

// OpenApp wires every component from the configuration. The remote store and
// Redis are optional; without them decisions are still taken locally and
// queued.
func OpenApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	paths, err := config.LoadPaths(cfg.PathsConfigPath, cfg.RootOverride)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureInbox(); err != nil {
		return nil, fmt.Errorf("failed to create inbox: %w", err)
	}

	app := &App{Config: cfg, Paths: paths, Logger: log}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	app.Store, err = sqlite.Open(cfg.LocalDBPath, log)
	if err != nil {
		return nil, err
	}

	var remote syncqueue.Remote
	if !cfg.Offline() {
		app.DB, err = postgres.NewPool(ctx, postgres.Config{URL: cfg.DatabaseURL}, log)
		if err != nil {
			return nil, err
		}
		remote = postgres.NewRemote(app.DB, log)
	} else {
		log.Warn("DATABASE_URL not configured, running offline-only")
	}

	app.Worker = syncqueue.NewWorker(&syncqueue.Config{
		PollInterval:  cfg.SyncPollInterval,
		BatchSize:     cfg.SyncBatchSize,
		MaxAttempts:   cfg.SyncMaxAttempts,
		Backoff:       syncqueue.Backoff{Base: cfg.SyncBaseDelay, Max: cfg.SyncMaxDelay},
		SendTimeout:   cfg.SyncSendTimeout,
		RatePerSecond: float64(cfg.SyncRatePerSecond),
		Enabled:       !cfg.SyncWorkerDisabled,
	}, app.Store, remote, nil, log)

	app.Vault, err = vault.Open(cfg.ArchiveKeyPath, cfg.ArchiveKeyPassphrase, log)
	if err != nil {
		return nil, err
	}

	guard := fileguard.New(fileguard.Config{
		SteadyChecks: cfg.SteadyStateChecks,
		SteadyWindow: cfg.SteadyStateWait,
	}, log)
	engine := financial.NewEngine()

	app.Intake = intake.NewService(app.Store, engine, log,
		intake.WithInbox(paths.Inbox),
		intake.WithWaker(app.Worker))

	opts := []archival.Option{archival.WithWaker(app.Worker)}
	if cfg.RedisURL != "" {
		app.Redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
		})
		app.Notifier = redis.NewNotifier(app.Redis, log)
		opts = append(opts, archival.WithNotifier(app.Notifier))
	}

	archivalCfg := archival.DefaultConfig(*paths)
	archivalCfg.NotSteadyDelay = cfg.SteadyStateWait
	app.Archival = archival.New(archivalCfg, app.Store, guard, app.Vault, engine, log, opts...)

	ok = true
	return app, nil
}

// Close stops the worker, waits for pending notifications and releases every
// connection
func (a *App) Close() {
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.Archival != nil {
		a.Archival.Wait()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.WithError(err).Warn("failed to close local store")
		}
	}
}
