package api

import (
	"affectation_service/internal/domain/model"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeAnalyzer struct {
	report    *model.AnalysisReport
	err       error
	layers    []model.LayerDescriptor
	gotParcel model.Parcel
	gotLayers []string
	gotOpts   model.Options
}

func (f *fakeAnalyzer) AnalyzeSelection(_ context.Context, parcel model.Parcel, selection []string, opts model.Options) (*model.AnalysisReport, error) {
	f.gotParcel, f.gotLayers, f.gotOpts = parcel, selection, opts
	return f.report, f.err
}

func (f *fakeAnalyzer) ListLayers(context.Context) ([]model.LayerDescriptor, error) {
	return f.layers, f.err
}

type fakeRecorder struct {
	saved []*model.AnalysisReport
	err   error
}

func (f *fakeRecorder) SaveReport(_ context.Context, r *model.AnalysisReport) error {
	f.saved = append(f.saved, r)
	return f.err
}

func sampleReport() *model.AnalysisReport {
	return &model.AnalysisReport{
		ID:         "r-1",
		ParcelID:   "parcel-1",
		Frame:      "EPSG:25830",
		ParcelArea: 10000,
		Results: []model.AffectationResult{{
			LayerID:      "montes",
			DisplayName:  "Montes",
			AffectedArea: 2000.004,
			Percentage:   20.00004,
			Breakdown:    map[string]float64{"bosque": 1000.001, "matorral": 1000.003},
			Origin:       "file:montes.gpkg#montes",
			FeatureCount: 2,
		}},
		Errors:          []model.LayerError{{LayerID: "vias", Message: "timed out"}},
		LayersEvaluated: 2,
		CreatedAt:       time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/analyze", bytes.NewBufferString(body)))
	return rec
}

func TestAnalyze(t *testing.T) {
	analyzer := &fakeAnalyzer{report: sampleReport()}
	recorder := &fakeRecorder{}
	h := NewHandler(analyzer, recorder, model.DefaultOptions(), zap.NewNop())

	rec := post(h.Analyze, `{
		"parcel_id": "parcel-1",
		"geometry": {"type":"Polygon","coordinates":[[[-3.7,40.4],[-3.69,40.4],[-3.69,40.41],[-3.7,40.4]]]},
		"layers": ["montes", "vias"],
		"min_percentage": 1.5,
		"timeout_per_layer_ms": 2500
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, model.CRSWGS84, analyzer.gotParcel.CRS)
	assert.Equal(t, model.FormatGeoJSON, analyzer.gotParcel.Geometry.Format)
	assert.Equal(t, []string{"montes", "vias"}, analyzer.gotLayers)
	assert.Equal(t, 1.5, analyzer.gotOpts.MinPercentage)
	assert.Equal(t, 2500*time.Millisecond, analyzer.gotOpts.TimeoutPerLayer)
	require.Len(t, recorder.saved, 1)

	var resp ReportResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Affected)
	assert.True(t, resp.Partial)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 2000.0, resp.Results[0].AffectedArea)
	assert.Equal(t, 20.0, resp.Results[0].Percentage)
}

func TestAnalyzeWKTAndRecorderFailure(t *testing.T) {
	analyzer := &fakeAnalyzer{report: sampleReport()}
	h := NewHandler(analyzer, &fakeRecorder{err: errors.New("db down")}, model.DefaultOptions(), zap.NewNop())

	rec := post(h.Analyze, `{"wkt":"POLYGON((0 0,100 0,100 100,0 100,0 0))","crs":"EPSG:25830"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.FormatWKT, analyzer.gotParcel.Geometry.Format)
	assert.Equal(t, model.CRS("EPSG:25830"), analyzer.gotParcel.CRS)
	assert.Nil(t, analyzer.gotLayers)
}

func TestAnalyzeRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest},
		{"no geometry", `{"parcel_id":"p"}`, nil, http.StatusBadRequest},
		{"null geometry", `{"geometry":null}`, nil, http.StatusBadRequest},
		{"bad percentage", `{"wkt":"POINT(0 0)","min_percentage":120}`, nil, http.StatusBadRequest},
		{"negative area", `{"wkt":"POINT(0 0)","min_absolute_area":-1}`, nil, http.StatusBadRequest},
		{"zero timeout", `{"wkt":"POINT(0 0)","timeout_per_layer_ms":0}`, nil, http.StatusBadRequest},
		{"invalid parcel", `{"wkt":"POINT(0 0)"}`, &model.InvalidGeometryError{Reason: "not polygonal"}, http.StatusBadRequest},
		{"engine failure", `{"wkt":"POINT(0 0)"}`, errors.New("catalog unavailable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &fakeRecorder{}
			h := NewHandler(&fakeAnalyzer{err: tt.err}, recorder, model.DefaultOptions(), zap.NewNop())
			rec := post(h.Analyze, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, recorder.saved)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHandler(&fakeAnalyzer{}, nil, model.DefaultOptions(), zap.NewNop())
	mux := http.NewServeMux()
	h.Routes(mux)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/analyze", nil),
		httptest.NewRequest(http.MethodPost, "/api/layers", nil),
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, req.URL.Path)
	}
}

func TestLayers(t *testing.T) {
	h := NewHandler(&fakeAnalyzer{}, nil, model.DefaultOptions(), zap.NewNop())
	rec := httptest.NewRecorder()
	h.Layers(rec, httptest.NewRequest(http.MethodGet, "/api/layers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	h = NewHandler(&fakeAnalyzer{layers: []model.LayerDescriptor{
		{ID: "enp", DisplayName: "ENP", Kind: model.SourceDatabase, Locator: "public.enp"},
	}}, nil, model.DefaultOptions(), zap.NewNop())
	rec = httptest.NewRecorder()
	h.Layers(rec, httptest.NewRequest(http.MethodGet, "/api/layers", nil))
	assert.JSONEq(t, `[{"layer_id":"enp","display_name":"ENP","source_kind":"database","locator":"public.enp"}]`, rec.Body.String())

	h = NewHandler(&fakeAnalyzer{err: errors.New("discovery down")}, nil, model.DefaultOptions(), zap.NewNop())
	rec = httptest.NewRecorder()
	h.Layers(rec, httptest.NewRequest(http.MethodGet, "/api/layers", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFormatReport(t *testing.T) {
	resp := FormatReport(sampleReport())

	assert.Equal(t, "EPSG:25830", resp.Frame)
	assert.Equal(t, 10000.0, resp.ParcelArea)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, []ClassShare{
		{Class: "bosque", Area: 1000, Percentage: 10},
		{Class: "matorral", Area: 1000, Percentage: 10},
	}, resp.Results[0].Breakdown, "ties after rounding sort by class")

	empty := FormatReport(&model.AnalysisReport{ParcelArea: 0, Results: []model.AffectationResult{
		{LayerID: "x", Breakdown: map[string]float64{"a": 0}},
	}})
	assert.NotNil(t, empty.Errors)
	assert.False(t, empty.Partial)
	assert.Equal(t, 0.0, empty.Results[0].Breakdown[0].Percentage)
}
