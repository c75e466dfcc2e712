package core

import (
	"affectation_service/internal/domain/model"
	"affectation_service/internal/domain/repository"
	"context"
	"fmt"
	"go.uber.org/zap"
	"sort"
	"strings"
)

// kindPreference is the order in which descriptors sharing one layer id are
// chosen. Results do not depend on the choice, only latency does.
var kindPreference = []model.SourceKind{
	model.SourceDatabase,
	model.SourceFile,
	model.SourceRemoteService,
}

// Catalog resolves a layer selection into descriptors.
type Catalog struct {
	static    repository.LayerSource
	discovery repository.LayerSource
	registry  *repository.Registry
	logger    *zap.Logger
}

// NewCatalog combines a static catalog with the discovery backend of the
// default source. Either may be nil.
func NewCatalog(static, discovery repository.LayerSource, registry *repository.Registry, logger *zap.Logger) *Catalog {
	return &Catalog{
		static:    static,
		discovery: discovery,
		registry:  registry,
		logger:    logger.Named("catalog"),
	}
}

// Resolve returns the descriptors for an explicit selection, or every layer
// of the default backend when selection is empty. Ids that match nothing
// are returned in unknown and the rest proceeds.
func (c *Catalog) Resolve(ctx context.Context, selection []string) ([]model.LayerDescriptor, []string, error) {
	ids := normalizeSelection(selection)
	if len(ids) == 0 {
		layers, err := c.all(ctx)
		return layers, nil, err
	}

	pool := c.staticLayers(ctx)
	byID := groupByID(pool)
	if missing := missingIDs(ids, byID); len(missing) > 0 && c.discovery != nil {
		discovered, err := c.discovery.Layers(ctx)
		if err != nil {
			c.logger.Warn("layer discovery failed", zap.Strings("missing", missing), zap.Error(err))
		} else {
			byID = groupByID(append(pool, discovered...))
		}
	}

	var (
		layers  []model.LayerDescriptor
		unknown []string
	)
	for _, id := range ids {
		candidates, ok := byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		layers = append(layers, c.choose(candidates))
	}
	if len(unknown) > 0 {
		c.logger.Warn("unknown layers in selection", zap.Strings("layers", unknown))
	}
	return layers, unknown, nil
}

func (c *Catalog) all(ctx context.Context) ([]model.LayerDescriptor, error) {
	var pool []model.LayerDescriptor
	if c.discovery != nil {
		discovered, err := c.discovery.Layers(ctx)
		if err == nil {
			pool = discovered
		} else {
			c.logger.Warn("layer discovery failed, using static catalog", zap.Error(err))
			pool = c.staticLayers(ctx)
			if len(pool) == 0 {
				return nil, fmt.Errorf("no layers available: %w", err)
			}
		}
	} else {
		pool = c.staticLayers(ctx)
		if c.static == nil {
			return nil, fmt.Errorf("no layer catalog configured")
		}
	}

	byID := groupByID(pool)
	layers := make([]model.LayerDescriptor, 0, len(byID))
	for _, candidates := range byID {
		layers = append(layers, c.choose(candidates))
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].ID < layers[j].ID })
	return layers, nil
}

func (c *Catalog) staticLayers(ctx context.Context) []model.LayerDescriptor {
	if c.static == nil {
		return nil
	}
	layers, err := c.static.Layers(ctx)
	if err != nil {
		c.logger.Warn("static catalog unavailable", zap.Error(err))
		return nil
	}
	return layers
}

// FileFallback returns the File descriptor listed for a layer id, used when
// the database serving that layer cannot be reached.
func (c *Catalog) FileFallback(ctx context.Context, id string) (model.LayerDescriptor, bool) {
	if c.registry != nil && !c.registry.Available(model.SourceFile) {
		return model.LayerDescriptor{}, false
	}
	if l, ok := findKind(c.staticLayers(ctx), id, model.SourceFile); ok {
		return l, true
	}
	if c.discovery == nil {
		return model.LayerDescriptor{}, false
	}
	discovered, err := c.discovery.Layers(ctx)
	if err != nil {
		return model.LayerDescriptor{}, false
	}
	return findKind(discovered, id, model.SourceFile)
}

func findKind(layers []model.LayerDescriptor, id string, kind model.SourceKind) (model.LayerDescriptor, bool) {
	for _, l := range layers {
		if l.ID == id && l.Kind == kind {
			return l, true
		}
	}
	return model.LayerDescriptor{}, false
}

// choose applies the kind preference, skipping kinds whose backend is not
// configured. When none is available the preferred descriptor is kept so the
// layer surfaces as a provider error.
func (c *Catalog) choose(candidates []model.LayerDescriptor) model.LayerDescriptor {
	if len(candidates) == 1 {
		return candidates[0]
	}
	var fallback *model.LayerDescriptor
	for _, kind := range kindPreference {
		for i := range candidates {
			if candidates[i].Kind != kind {
				continue
			}
			if c.registry == nil || c.registry.Available(kind) {
				return candidates[i]
			}
			if fallback == nil {
				fallback = &candidates[i]
			}
		}
	}
	if fallback != nil {
		return *fallback
	}
	return candidates[0]
}

func normalizeSelection(selection []string) []string {
	seen := make(map[string]bool, len(selection))
	ids := make([]string, 0, len(selection))
	for _, s := range selection {
		id := strings.TrimSpace(s)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func groupByID(layers []model.LayerDescriptor) map[string][]model.LayerDescriptor {
	byID := make(map[string][]model.LayerDescriptor, len(layers))
	for _, l := range layers {
		byID[l.ID] = append(byID[l.ID], l)
	}
	return byID
}

func missingIDs(ids []string, byID map[string][]model.LayerDescriptor) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
