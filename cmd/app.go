package main

import (
	"affectation_service/internal/config"
	"affectation_service/internal/core"
	"affectation_service/internal/domain/repository"
	"affectation_service/internal/infrastructure/featureclient"
	"affectation_service/internal/infrastructure/metrics"
	"context"
	"fmt"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"time"
)

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *sqlx.DB
	service  *core.AffectationService
	recorder repository.ReportRecorder
	registry *prometheus.Registry
}

func newLogger(cfg config.LogConfig, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if verbose {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	fileRepo := repository.NewFileRepository(cfg.Catalog.DataDir, logger)
	backends := repository.Backends{File: fileRepo}

	var postgis *repository.PostGISRepository
	if cfg.Database.URL != "" {
		db, err := repository.OpenPostGIS(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			logger.Warn("database unreachable, database layers fall back to file descriptors", zap.Error(err))
		} else {
			a.db = db
			postgis = repository.NewPostGISRepository(db, cfg.Database.Schema, cfg.Database.GeometryColumn)
			backends.Database = postgis
		}
	}
	if cfg.Overpass.URL != "" {
		backends.Overpass = repository.NewOverpassRepository(cfg.Overpass.URL, cfg.Overpass.MaxParallel, overpassTimeout(cfg))
	}
	if cfg.FeatureService.Enabled {
		client := featureclient.NewClient(cfg.FeatureService.Timeout, cfg.FeatureService.PageSize, cfg.FeatureService.MaxPages)
		backends.FeatureService = repository.NewFeatureServiceRepository(client)
	}
	registry := repository.NewRegistry(backends)

	var static repository.LayerSource
	if cfg.Catalog.Path != "" {
		catalog, err := repository.LoadCatalogFile(cfg.Catalog.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		static = catalog
		logger.Info("static catalog loaded", zap.String("path", cfg.Catalog.Path), zap.Int("layers", len(catalog)))
	}

	var discovery repository.LayerSource
	switch cfg.Catalog.DefaultBackend {
	case "database":
		if postgis != nil {
			discovery = postgis
		} else if cfg.Catalog.DataDir != "" {
			discovery = fileRepo
		}
	case "file":
		discovery = fileRepo
	}

	collector, err := metrics.NewCollector(a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.service = core.NewAffectationService(
		registry,
		core.NewCatalog(static, discovery, registry, logger),
		collector,
		logger,
		core.Config{
			Workers:              cfg.Analysis.Workers,
			ClassificationFields: cfg.Analysis.ClassificationFields,
		},
	)

	if cfg.Reports.Save {
		if a.db == nil {
			logger.Warn("reports.save is set but no database is configured, reports will not be stored")
		} else {
			recorder := repository.NewPostgresReportRecorder(a.db)
			if err := recorder.EnsureSchema(ctx); err != nil {
				a.Close()
				return nil, err
			}
			a.recorder = recorder
		}
	}

	logger.Info("backends configured",
		zap.Bool("database", backends.Database != nil),
		zap.Bool("overpass", backends.Overpass != nil),
		zap.Bool("feature_service", backends.FeatureService != nil),
		zap.String("default_backend", cfg.Catalog.DefaultBackend),
	)
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// overpassTimeout bounds the Overpass HTTP client by the per-layer budget so
// abandoned requests do not outlive their layer.
func overpassTimeout(cfg *config.Config) time.Duration {
	t := cfg.Overpass.Timeout
	if limit := cfg.Analysis.TimeoutPerLayer; limit > 0 && (t <= 0 || limit < t) {
		t = limit
	}
	return t
}
