package api

import (
	"affectation_service/internal/domain/model"
	"affectation_service/internal/domain/repository"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"net/http"
	"strings"
	"time"
)

const maxRequestBody = 8 << 20

// Analyzer is the part of core.AffectationService the handlers use.
type Analyzer interface {
	AnalyzeSelection(ctx context.Context, parcel model.Parcel, selection []string, opts model.Options) (*model.AnalysisReport, error)
	ListLayers(ctx context.Context) ([]model.LayerDescriptor, error)
}

type Handler struct {
	service  Analyzer
	recorder repository.ReportRecorder
	defaults model.Options
	logger   *zap.Logger
}

// NewHandler wires the HTTP handlers. recorder may be nil when reports are
// not persisted.
func NewHandler(service Analyzer, recorder repository.ReportRecorder, defaults model.Options, logger *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		recorder: recorder,
		defaults: defaults,
		logger:   logger.Named("api"),
	}
}

// Routes registers the handlers on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/analyze", h.Analyze)
	mux.HandleFunc("/api/layers", h.Layers)
}

type AnalyzeRequest struct {
	ParcelID          string          `json:"parcel_id"`
	Geometry          json.RawMessage `json:"geometry"`
	WKT               string          `json:"wkt"`
	CRS               string          `json:"crs"`
	Layers            []string        `json:"layers"`
	MinPercentage     *float64        `json:"min_percentage"`
	MinAbsoluteArea   *float64        `json:"min_absolute_area"`
	TimeoutPerLayerMS *int64          `json:"timeout_per_layer_ms"`
}

func (req AnalyzeRequest) parcel() (model.Parcel, error) {
	p := model.Parcel{ID: req.ParcelID, CRS: model.CRS(req.CRS)}
	if p.CRS == "" {
		p.CRS = model.CRSWGS84
	}
	geometry := strings.TrimSpace(string(req.Geometry))
	switch {
	case geometry != "" && geometry != "null":
		p.Geometry = model.GeoJSONGeometry(req.Geometry)
	case strings.TrimSpace(req.WKT) != "":
		p.Geometry = model.WKT(req.WKT)
	default:
		return model.Parcel{}, fmt.Errorf("geometry or wkt is required")
	}
	return p, nil
}

func (req AnalyzeRequest) options(defaults model.Options) (model.Options, error) {
	opts := defaults
	if req.MinPercentage != nil {
		if *req.MinPercentage < 0 || *req.MinPercentage > 100 {
			return opts, fmt.Errorf("min_percentage must be within [0, 100]")
		}
		opts.MinPercentage = *req.MinPercentage
	}
	if req.MinAbsoluteArea != nil {
		if *req.MinAbsoluteArea < 0 {
			return opts, fmt.Errorf("min_absolute_area must not be negative")
		}
		opts.MinAbsoluteArea = *req.MinAbsoluteArea
	}
	if req.TimeoutPerLayerMS != nil {
		if *req.TimeoutPerLayerMS <= 0 {
			return opts, fmt.Errorf("timeout_per_layer_ms must be positive")
		}
		opts.TimeoutPerLayer = time.Duration(*req.TimeoutPerLayerMS) * time.Millisecond
	}
	return opts, nil
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	parcel, err := req.parcel()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := req.options(h.defaults)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.service.AnalyzeSelection(r.Context(), parcel, req.Layers, opts)
	if err != nil {
		var invalid *model.InvalidGeometryError
		if errors.As(err, &invalid) {
			http.Error(w, invalid.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("analysis failed", zap.String("parcel", parcel.ID), zap.Error(err))
		http.Error(w, fmt.Sprintf("Error analyzing parcel: %v", err), http.StatusInternalServerError)
		return
	}

	if h.recorder != nil {
		if err := h.recorder.SaveReport(r.Context(), report); err != nil {
			h.logger.Warn("failed to save report", zap.String("report", report.ID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, FormatReport(report))
}

func (h *Handler) Layers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	layers, err := h.service.ListLayers(r.Context())
	if err != nil {
		h.logger.Error("listing layers failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Error listing layers: %v", err), http.StatusServiceUnavailable)
		return
	}
	if layers == nil {
		layers = []model.LayerDescriptor{}
	}
	writeJSON(w, http.StatusOK, layers)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
