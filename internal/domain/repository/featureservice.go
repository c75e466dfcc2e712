package repository

import (
	"affectation_service/internal/domain/model"
	"affectation_service/internal/infrastructure/featureclient"
	"context"
	"fmt"
)

// FeatureServiceRepository serves remote layers published as ArcGIS-style
// feature services. Features come back in WGS84.
type FeatureServiceRepository struct {
	client *featureclient.Client
}

func NewFeatureServiceRepository(client *featureclient.Client) *FeatureServiceRepository {
	return &FeatureServiceRepository{client: client}
}

func (r *FeatureServiceRepository) Fetch(ctx context.Context, layer model.LayerDescriptor, extent model.Extent) (*model.FeatureSet, error) {
	if !extent.HasGeographic() {
		return nil, fmt.Errorf("%w: parcel frame %s has no geographic envelope", model.ErrUnsupportedCRS, extent.Metric.CRS)
	}
	features, err := r.client.QueryAll(ctx, layer.Locator, extent.Geographic)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature service for %s: %w", layer.ID, err)
	}
	return &model.FeatureSet{LayerID: layer.ID, CRS: model.CRSWGS84, Features: features}, nil
}
