package main

import (
	"log/slog"
	"path/filepath"

	"facet/internal/catalog"
	"facet/internal/cluster"
	"facet/internal/config"
	"facet/internal/ingest"
	"facet/internal/jobs"
	"facet/internal/logging"
	"facet/internal/predict"
)

// engine bundles the catalog store with a fully wired job controller. There
// is no daemon: the process that enqueues a job is also the process that
// runs it, so every command that needs the engine builds one on demand and
// closes it before exiting.
type engine struct {
	cfg        *config.Config
	store      *catalog.Store
	jobsStore  *jobs.Store
	hub        *jobs.Hub
	controller *jobs.Controller
	logger     *slog.Logger
}

func openEngine(cctx *commandContext) (*engine, error) {
	cfg, err := cctx.ensureConfig()
	if err != nil {
		return nil, err
	}

	logger, err := engineLogger(cfg, cctx.verbose())
	if err != nil {
		return nil, err
	}

	store, err := catalog.Open(cfg)
	if err != nil {
		return nil, err
	}

	jobsStore := jobs.NewStore(store.DB())
	hub := jobs.NewHub(cfg.Jobs.ProgressBuffer)
	controller := jobs.NewController(cfg, jobsStore, hub, logger)
	tracker := controller.Tracker()

	controller.RegisterHandler(jobs.TypeIngest, ingest.NewHandler(cfg, store, jobsStore, tracker, logger))
	controller.RegisterHandler(jobs.TypeCluster, cluster.NewHandler(cfg, store, jobsStore, tracker, logger))
	controller.RegisterHandler(jobs.TypeBatchPredict, predict.NewHandler(cfg, store, jobsStore, tracker, logger))
	controller.RegisterHandler(jobs.TypeRepair, predict.NewRepairHandler(cfg, store, jobsStore, tracker, logger))

	return &engine{
		cfg:        cfg,
		store:      store,
		jobsStore:  jobsStore,
		hub:        hub,
		controller: controller,
		logger:     logger,
	}, nil
}

func (e *engine) Close() {
	if e == nil || e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close catalog store", logging.Error(err))
	}
}

// engineLogger writes into <state>/facet.log so job output survives the
// run. Stdout stays free for progress rendering; --verbose mirrors the log
// to stderr for debugging.
func engineLogger(cfg *config.Config, verbose bool) (*slog.Logger, error) {
	logPath := filepath.Join(filepath.Dir(cfg.Library.DatabasePath), "facet.log")
	outputs := []string{logPath}
	if verbose {
		outputs = append(outputs, "stderr")
	}
	return logging.New(logging.Options{
		Level:            cfg.Logging.Level,
		Format:           cfg.Logging.Format,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{logPath},
	})
}
