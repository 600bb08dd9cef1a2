package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"
	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/skipper-release/skipper/internal/application"
	"github.com/skipper-release/skipper/internal/config"
	"github.com/skipper-release/skipper/internal/domain"
	"github.com/skipper-release/skipper/internal/infrastructure/dbosworkflows"
	"github.com/skipper-release/skipper/internal/infrastructure/dockerplatform"
	"github.com/skipper-release/skipper/internal/infrastructure/goworkflows"
	"github.com/skipper-release/skipper/internal/infrastructure/localplatform"
	"github.com/skipper-release/skipper/internal/infrastructure/manifestyaml"
	"github.com/skipper-release/skipper/internal/infrastructure/packages"
	"github.com/skipper-release/skipper/internal/infrastructure/sqlite"
	"github.com/skipper-release/skipper/internal/infrastructure/syncworkflow"
	"github.com/skipper-release/skipper/internal/logging"
)

// app holds the wired services of one process.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *sql.DB
	service    *application.ReleaseService
	reconciler *application.StatusReconciler
	closers    []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg config.Config, logOut io.Writer) (_ *app, err error) {
	logger, err := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	db, err := sqlite.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	platforms, err := a.platforms(db)
	if err != nil {
		return nil, err
	}

	locks := &application.NameLocks{}
	cancels := &application.CancelRegistry{}
	m := &domain.ReleaseManager{
		Releases:     &sqlite.ReleaseRepo{DB: db},
		Records:      &sqlite.DeploymentRecordRepo{DB: db},
		Platforms:    platforms,
		Manifests:    manifestyaml.Reader{},
		Cancels:      cancels,
		OnTransition: application.ObserveTransition,
		Logger:       logger,
	}
	if cfg.Health.Mode == config.HealthStatus {
		m.Gate = &domain.StatusHealthGate{
			Timeout:         cfg.Health.Timeout,
			InitialInterval: cfg.Health.InitialInterval,
			MaxInterval:     cfg.Health.MaxInterval,
			Cancels:         cancels,
		}
	}

	runner, err := a.lifecycleRunner(ctx, m)
	if err != nil {
		return nil, err
	}

	a.service = &application.ReleaseService{
		Manager:  m,
		Packages: &packages.FileResolver{Root: cfg.Packages.Root},
		Runner:   runner,
		Locks:    locks,
		Cancels:  cancels,
		Logger:   logger,
	}
	a.reconciler = &application.StatusReconciler{
		Manager:       m,
		Locks:         locks,
		Concurrency:   cfg.Reconcile.Concurrency,
		StrandedAfter: cfg.Reconcile.StrandedAfter,
		Logger:        logger,
	}
	// The sync engine keeps no workflow state, so operations cut short by
	// a stopped process are settled here.
	if cfg.Workflow.Engine == config.EngineSync {
		a.reconciler.Runner = runner
		res, err := a.reconciler.RecoverStranded(ctx)
		if err != nil {
			logger.Warn("recovery of stranded releases failed", "error", err)
		} else if res.Recovered > 0 || res.Failed > 0 {
			logger.Info("stranded releases recovered", "recovered", res.Recovered, "failed", res.Failed)
		}
	}
	return a, nil
}

func (a *app) platforms(db *sql.DB) (*domain.PlatformRegistry, error) {
	deployers := make(map[string]domain.Deployer, len(a.cfg.Platforms))
	for _, p := range a.cfg.Platforms {
		logger := a.logger.With("platform", p.Name)
		switch p.Type {
		case config.PlatformLocal:
			d := &localplatform.Deployer{WorkDir: p.WorkDir, Logger: logger}
			a.closers = append(a.closers, d.Close)
			deployers[p.Name] = d
		case config.PlatformDocker:
			c, err := dockerplatform.NewClient(p.DockerHost)
			if err != nil {
				return nil, fmt.Errorf("platform %s: %w", p.Name, err)
			}
			a.closers = append(a.closers, c.Close)
			deployers[p.Name] = &dockerplatform.Deployer{Client: c, Logger: logger}
		case config.PlatformRecording:
			deployers[p.Name] = &sqlite.RecordingDeployer{DB: db}
		default:
			return nil, fmt.Errorf("platform %s: unknown type %q", p.Name, p.Type)
		}
	}
	return domain.NewPlatformRegistry(deployers), nil
}

func (a *app) lifecycleRunner(ctx context.Context, m *domain.ReleaseManager) (domain.LifecycleRunner, error) {
	switch a.cfg.Workflow.Engine {
	case config.EngineGoWorkflows:
		b := wfsqlite.NewInMemoryBackend()
		if a.cfg.Database != ":memory:" {
			b = wfsqlite.NewSqliteBackend(a.cfg.Database + ".workflows")
		}
		w := worker.New(b, nil)
		engine := &goworkflows.Engine{Worker: w, Client: client.New(b), Timeout: a.cfg.Workflow.ResultTimeout}
		runner, err := engine.LifecycleRunner(m)
		if err != nil {
			return nil, err
		}
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := w.Start(wctx); err != nil {
			cancel()
			return nil, fmt.Errorf("start workflow worker: %w", err)
		}
		a.closers = append(a.closers, func() error {
			cancel()
			return w.WaitForCompletion()
		})
		return runner, nil

	case config.EngineDBOS:
		dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
			AppName:     "skipper",
			DatabaseURL: a.cfg.Workflow.DBOSURL,
		})
		if err != nil {
			return nil, fmt.Errorf("create DBOS context: %w", err)
		}
		runner, err := (&dbosworkflows.Engine{DBOSCtx: dbosCtx}).LifecycleRunner(m)
		if err != nil {
			return nil, err
		}
		if err := dbos.Launch(dbosCtx); err != nil {
			return nil, fmt.Errorf("launch DBOS: %w", err)
		}
		a.closers = append(a.closers, func() error {
			dbos.Shutdown(dbosCtx, 5*time.Second)
			return nil
		})
		return runner, nil

	default:
		return (&syncworkflow.Engine{}).LifecycleRunner(m)
	}
}
