package repository

import (
	"affectation_service/internal/domain/model"
	"context"
	"fmt"
	"strings"
)

// Provider returns the features of one layer relevant to the parcel extent.
// Implementations own their connections and are safe for concurrent use.
type Provider interface {
	Fetch(ctx context.Context, layer model.LayerDescriptor, extent model.Extent) (*model.FeatureSet, error)
}

// LayerSource enumerates the layers a backend currently exposes.
type LayerSource interface {
	Layers(ctx context.Context) ([]model.LayerDescriptor, error)
}

// Backends are the configured provider implementations. A nil field means
// the backend is not available in this process.
type Backends struct {
	File           Provider
	Database       Provider
	FeatureService Provider
	Overpass       Provider
}

// Registry resolves a layer descriptor to exactly one provider.
type Registry struct {
	backends Backends
}

func NewRegistry(backends Backends) *Registry {
	return &Registry{backends: backends}
}

// ProviderFor selects the provider serving a layer. Remote layers are
// split by locator: "overpass:" filters go to Overpass, http(s) URLs to the
// feature service client.
func (r *Registry) ProviderFor(layer model.LayerDescriptor) (Provider, error) {
	var p Provider
	switch layer.Kind {
	case model.SourceFile:
		p = r.backends.File
	case model.SourceDatabase:
		p = r.backends.Database
	case model.SourceRemoteService:
		switch {
		case IsOverpassLocator(layer.Locator):
			p = r.backends.Overpass
		case isHTTPLocator(layer.Locator):
			p = r.backends.FeatureService
		default:
			return nil, fmt.Errorf("locator %q matches no remote protocol", layer.Locator)
		}
	default:
		return nil, fmt.Errorf("unsupported source kind %d", int(layer.Kind))
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrBackendUnavailable, layer.Kind)
	}
	return p, nil
}

// Available reports whether layers of the given kind can be served.
func (r *Registry) Available(kind model.SourceKind) bool {
	switch kind {
	case model.SourceFile:
		return r.backends.File != nil
	case model.SourceDatabase:
		return r.backends.Database != nil
	case model.SourceRemoteService:
		return r.backends.FeatureService != nil || r.backends.Overpass != nil
	default:
		return false
	}
}

func isHTTPLocator(locator string) bool {
	l := strings.ToLower(locator)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
