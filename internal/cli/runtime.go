package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbor-run/arbor/internal/config"
	"github.com/arbor-run/arbor/internal/logger"
	"github.com/arbor-run/arbor/pkg/engine"
	"github.com/arbor-run/arbor/pkg/entity"
	"github.com/arbor-run/arbor/pkg/events"
	"github.com/arbor-run/arbor/pkg/gateway"
	"github.com/arbor-run/arbor/pkg/jobqueue"
	"github.com/arbor-run/arbor/pkg/planner"
	"github.com/arbor-run/arbor/pkg/run"
	"github.com/arbor-run/arbor/pkg/tools"
	"github.com/arbor-run/arbor/pkg/usage"
)

// runtime is the assembled application: every store and service wired from
// one configuration.
type runtime struct {
	cfg    config.Config
	logger *logger.Logger

	entities *entity.SQLiteStore
	runs     *run.SQLiteStore
	loader   *entity.Loader
	hub      *events.Hub
	queue    *jobqueue.Queue
	service  *engine.Service
}

// buildRuntime loads configuration and wires the full stack
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	runs, err := run.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	entities, err := entity.NewSQLiteStoreFromDB(runs.DB())
	if err != nil {
		return nil, fmt.Errorf("open entity store: %w", err)
	}

	registry, err := usage.NewSQLiteRegistry(runs.DB())
	if err != nil {
		return nil, fmt.Errorf("open integration registry: %w", err)
	}

	zl := log.GetZerolog()
	accountant := usage.NewAccountant(registry, runs, zl)

	toolRegistry := tools.NewRegistry(zl)
	toolRegistry.Register(tools.NewCalculator())
	toolRegistry.Register(tools.NewHTTPGet())
	toolRegistry.Register(tools.NewWebSearch(nil))

	hub := events.NewHub(zl)

	coordinator, err := engine.NewCoordinator(engine.Config{
		Entities:          entities,
		Runs:              runs,
		Reconciler:        planner.NewReconciler(zl),
		Gateway:           gateway.NewFactory(accountant),
		Accountant:        accountant,
		Tools:             toolRegistry,
		Publisher:         hub,
		MaxRecursionDepth: cfg.Engine.MaxRecursionDepth,
		DefaultTimeout:    time.Duration(cfg.Engine.DefaultTimeoutMs) * time.Millisecond,
		Logger:            zl,
	})
	if err != nil {
		return nil, fmt.Errorf("build coordinator: %w", err)
	}

	queue := jobqueue.New(zl)
	service := engine.NewService(coordinator, entities, runs, queue, zl)

	loader, err := entity.NewLoader(entities, cfg.Entities.Dir, zl)
	if err != nil {
		return nil, fmt.Errorf("build entity loader: %w", err)
	}

	return &runtime{
		cfg:      cfg,
		logger:   log,
		entities: entities,
		runs:     runs,
		loader:   loader,
		hub:      hub,
		queue:    queue,
		service:  service,
	}, nil
}

// zl is a convenience accessor for the runtime's zerolog logger
func (rt *runtime) zl() zerolog.Logger {
	return rt.logger.GetZerolog()
}

// close releases the runtime's resources
func (rt *runtime) close() {
	rt.loader.Close()
	rt.queue.Close()
	rt.runs.Close()
	rt.logger.Close()
}
