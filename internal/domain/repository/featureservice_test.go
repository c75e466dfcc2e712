package repository

import (
	"affectation_service/internal/domain/model"
	"affectation_service/internal/infrastructure/featureclient"
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFeatureServiceRepositoryFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/FeatureServer/0/query", r.URL.Path)
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[
			{"type":"Feature","id":7,"properties":{"SITECODE":"ES0000011"},
			 "geometry":{"type":"Polygon","coordinates":[[[-3.8,40.3],[-3.6,40.3],[-3.6,40.5],[-3.8,40.3]]]}}]}`)
	}))
	defer srv.Close()

	repo := NewFeatureServiceRepository(featureclient.NewClient(5*time.Second, 100, 5))
	layer := model.LayerDescriptor{ID: "zepa", Kind: model.SourceRemoteService, Locator: srv.URL + "/FeatureServer/0"}
	extent := model.Extent{Geographic: model.Envelope{MinX: -3.71, MinY: 40.41, MaxX: -3.70, MaxY: 40.42, CRS: model.CRSWGS84}}

	fs, err := repo.Fetch(context.Background(), layer, extent)
	require.NoError(t, err)
	assert.Equal(t, "zepa", fs.LayerID)
	assert.Equal(t, model.CRSWGS84, fs.CRS)
	require.Len(t, fs.Features, 1)
	assert.Equal(t, "7", fs.Features[0].ID)
	assert.Equal(t, "ES0000011", fs.Features[0].Attributes["SITECODE"])

	srv.Close()
	_, err = repo.Fetch(context.Background(), layer, extent)
	assert.ErrorContains(t, err, "zepa")
}

func TestFeatureServiceRepositoryNeedsGeographicExtent(t *testing.T) {
	repo := NewFeatureServiceRepository(featureclient.NewClient(time.Second, 100, 5))
	layer := model.LayerDescriptor{ID: "zepa", Kind: model.SourceRemoteService, Locator: "http://127.0.0.1:1/FeatureServer/0"}
	extent := model.Extent{Metric: model.Envelope{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100, CRS: "EPSG:2062"}}

	_, err := repo.Fetch(context.Background(), layer, extent)
	assert.ErrorIs(t, err, model.ErrUnsupportedCRS)
}
