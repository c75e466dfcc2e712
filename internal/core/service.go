package core

import (
	"affectation_service/internal/domain/model"
	"affectation_service/internal/domain/repository"
	"affectation_service/internal/infrastructure/metrics"
	"context"
	"errors"
	"fmt"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"time"
)

const defaultWorkers = 8

type Config struct {
	// Workers bounds the number of layers evaluated concurrently.
	Workers int
	// ClassificationFields overrides DefaultClassificationFields.
	ClassificationFields []string
}

// AffectationService computes which layers affect a parcel and by how much.
type AffectationService struct {
	registry   *repository.Registry
	catalog    *Catalog
	normalizer *Normalizer
	evaluator  *Evaluator
	metrics    *metrics.Collector
	logger     *zap.Logger
	workers    int
}

func NewAffectationService(
	registry *repository.Registry,
	catalog *Catalog,
	collector *metrics.Collector,
	logger *zap.Logger,
	cfg Config,
) *AffectationService {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	logger = logger.Named("affectation")
	normalizer := NewNormalizer(geos.NewContext())
	return &AffectationService{
		registry:   registry,
		catalog:    catalog,
		normalizer: normalizer,
		evaluator:  NewEvaluator(normalizer, NewClassifier(cfg.ClassificationFields), logger.Named("overlay")),
		metrics:    collector,
		logger:     logger,
		workers:    workers,
	}
}

// preparedParcel is the normalized parcel shared read-only by all workers.
type preparedParcel struct {
	id     string
	geom   *geos.Geom
	frame  model.CRS
	area   float64
	extent model.Extent
}

// Analyze evaluates the parcel against the given layers. The only error it
// returns is *model.InvalidGeometryError; every layer failure is recorded in
// the report instead.
func (s *AffectationService) Analyze(ctx context.Context, parcel model.Parcel, layers []model.LayerDescriptor, opts model.Options) (*model.AnalysisReport, error) {
	pp, err := s.prepare(parcel)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, pp, layers, nil, opts), nil
}

// AnalyzeSelection resolves layer ids through the catalog, then analyzes.
// An empty selection means every layer of the default backend.
func (s *AffectationService) AnalyzeSelection(ctx context.Context, parcel model.Parcel, selection []string, opts model.Options) (*model.AnalysisReport, error) {
	pp, err := s.prepare(parcel)
	if err != nil {
		return nil, err
	}
	layers, unknown, err := s.catalog.Resolve(ctx, selection)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve layers: %w", err)
	}
	return s.run(ctx, pp, layers, unknown, opts), nil
}

// ListLayers returns every layer the default backend exposes.
func (s *AffectationService) ListLayers(ctx context.Context) ([]model.LayerDescriptor, error) {
	layers, _, err := s.catalog.Resolve(ctx, nil)
	return layers, err
}

func (s *AffectationService) prepare(parcel model.Parcel) (pp *preparedParcel, err error) {
	defer func() {
		if r := recover(); r != nil {
			pp, err = nil, &model.InvalidGeometryError{ParcelID: parcel.ID, Reason: fmt.Sprintf("geometry engine failure: %v", r)}
		}
		if err != nil {
			s.metrics.ObserveAnalysis("invalid")
		}
	}()

	g, frame, err := s.normalizer.Normalize(parcel)
	if err != nil {
		return nil, err
	}
	var geographic model.Envelope
	if s.normalizer.Supports(frame) {
		geographic, err = s.normalizer.Envelope(g, frame, model.CRSWGS84)
		if err != nil {
			return nil, &model.InvalidGeometryError{ParcelID: parcel.ID, Reason: err.Error()}
		}
	} else {
		s.logger.Info("parcel frame has no built-in projection, layers must be delivered in it",
			zap.String("parcel", parcel.ID), zap.String("frame", string(frame)))
	}
	b := g.Bounds()
	return &preparedParcel{
		id:    parcel.ID,
		geom:  g,
		frame: frame,
		area:  g.Area(),
		extent: model.Extent{
			Geographic: geographic,
			Metric:     model.Envelope{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY, CRS: frame},
		},
	}, nil
}

func (s *AffectationService) run(ctx context.Context, pp *preparedParcel, layers []model.LayerDescriptor, unknown []string, opts model.Options) *model.AnalysisReport {
	if opts.TimeoutPerLayer <= 0 {
		opts.TimeoutPerLayer = model.DefaultOptions().TimeoutPerLayer
	}
	start := time.Now()
	agg := NewAggregator(pp.id, pp.frame, pp.area)
	for _, id := range unknown {
		agg.RecordError(id, fmt.Errorf("%w: %s", model.ErrUnknownLayer, id))
	}

	layers = uniqueLayers(layers)
	filter := NewRelevanceFilter(opts)

	if len(layers) > 0 {
		// Plain Group: one failing layer must not cancel its siblings.
		var g errgroup.Group
		g.SetLimit(min(s.workers, len(layers)))
		for _, layer := range layers {
			g.Go(func() error {
				s.evaluateLayer(ctx, pp, layer, opts.TimeoutPerLayer, filter, agg)
				return nil
			})
		}
		_ = g.Wait()
	}

	report := agg.Finalize()
	if report.HasErrors() {
		s.metrics.ObserveAnalysis("partial")
	} else {
		s.metrics.ObserveAnalysis("ok")
	}
	s.logger.Info("analysis completed",
		zap.String("report", report.ID),
		zap.String("parcel", pp.id),
		zap.String("frame", string(pp.frame)),
		zap.Float64("parcel_area", pp.area),
		zap.Int("layers", len(layers)),
		zap.Int("affected", len(report.Results)),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report
}

func (s *AffectationService) evaluateLayer(
	ctx context.Context,
	pp *preparedParcel,
	layer model.LayerDescriptor,
	timeout time.Duration,
	filter RelevanceFilter,
	agg *Aggregator,
) {
	start := time.Now()
	kind := layer.Kind.String()
	log := s.logger.With(zap.String("layer", layer.ID), zap.String("kind", kind))

	fail := func(outcome string, err error) {
		agg.RecordError(layer.ID, err)
		s.metrics.ObserveLayer(kind, outcome, time.Since(start))
		log.Warn("layer failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	}

	fs, outcome, err := s.fetchLayer(ctx, layer, pp.extent, timeout)
	if err != nil && layer.Kind == model.SourceDatabase && ctx.Err() == nil {
		if alt, ok := s.fileFallback(ctx, layer.ID); ok {
			log.Warn("database layer failed, retrying from file", zap.String("locator", alt.Locator), zap.Error(err))
			if altFS, _, altErr := s.fetchLayer(ctx, alt, pp.extent, timeout); altErr == nil {
				if alt.DisplayName == "" {
					alt.DisplayName = layer.DisplayName
				}
				fs, err, layer = altFS, nil, alt
			} else {
				log.Warn("file fallback failed", zap.Error(altErr))
			}
		}
	}
	if err != nil {
		fail(outcome, err)
		return
	}

	if !s.normalizer.CanTransform(fs.CRS, pp.frame) {
		fail(metrics.OutcomeError, &model.ProviderError{LayerID: layer.ID, Kind: layer.Kind,
			Err: fmt.Errorf("%w: features in %s cannot be reprojected to %s", model.ErrUnsupportedCRS, fs.CRS, pp.frame)})
		return
	}

	inter, err := s.evaluator.Evaluate(pp.geom, pp.frame, fs, layer.ClassificationField)
	if err != nil {
		fail(metrics.OutcomeError, fmt.Errorf("overlay failed for layer %s: %w", layer.ID, err))
		return
	}

	if !filter.Passes(inter.Percentage, inter.AffectedArea) {
		agg.RecordFiltered()
		s.metrics.ObserveLayer(kind, metrics.OutcomeFiltered, time.Since(start))
		log.Debug("layer below relevance threshold",
			zap.Float64("percentage", inter.Percentage), zap.Float64("area", inter.AffectedArea))
		return
	}

	agg.Record(model.AffectationResult{
		LayerID:             layer.ID,
		DisplayName:         layer.Name(),
		AffectedArea:        inter.AffectedArea,
		Percentage:          inter.Percentage,
		Breakdown:           inter.Breakdown,
		Origin:              layer.Origin(),
		ClassificationField: inter.Field,
		FeatureCount:        inter.FeatureCount,
	})
	s.metrics.ObserveLayer(kind, metrics.OutcomeAffected, time.Since(start))
	log.Debug("layer affects parcel",
		zap.Float64("percentage", inter.Percentage),
		zap.Float64("area", inter.AffectedArea),
		zap.Int("features", inter.FeatureCount),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// fetchLayer resolves the provider of a layer and fetches its features under
// the per-layer timeout. Errors are returned as *model.ProviderError along
// with the metrics outcome.
func (s *AffectationService) fetchLayer(ctx context.Context, layer model.LayerDescriptor, extent model.Extent, timeout time.Duration) (*model.FeatureSet, string, error) {
	provider, err := s.registry.ProviderFor(layer)
	if err != nil {
		return nil, metrics.OutcomeError, &model.ProviderError{LayerID: layer.ID, Kind: layer.Kind, Err: err}
	}

	layerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fs, err := fetch(layerCtx, provider, layer, extent)
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return nil, outcome, &model.ProviderError{LayerID: layer.ID, Kind: layer.Kind, Err: err}
	}
	return fs, "", nil
}

func (s *AffectationService) fileFallback(ctx context.Context, layerID string) (model.LayerDescriptor, bool) {
	if s.catalog == nil {
		return model.LayerDescriptor{}, false
	}
	return s.catalog.FileFallback(ctx, layerID)
}

// fetch bounds a provider call by ctx even when the provider blocks without
// watching it.
func fetch(ctx context.Context, p repository.Provider, layer model.LayerDescriptor, extent model.Extent) (*model.FeatureSet, error) {
	type outcome struct {
		fs  *model.FeatureSet
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		fs, err := p.Fetch(ctx, layer, extent)
		done <- outcome{fs: fs, err: err}
	}()

	select {
	case <-ctx.Done():
		select {
		case o := <-done:
			return o.fs, o.err
		default:
			return nil, ctx.Err()
		}
	case o := <-done:
		return o.fs, o.err
	}
}

func uniqueLayers(layers []model.LayerDescriptor) []model.LayerDescriptor {
	seen := make(map[string]bool, len(layers))
	out := make([]model.LayerDescriptor, 0, len(layers))
	for _, l := range layers {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	return out
}
