package core

import (
	"affectation_service/internal/domain/model"
	"github.com/google/uuid"
	"sort"
	"sync"
	"time"
)

// Aggregator collects per-layer outcomes from concurrent workers.
type Aggregator struct {
	mu        sync.Mutex
	parcelID  string
	frame     model.CRS
	area      float64
	results   []model.AffectationResult
	errors    []model.LayerError
	evaluated int
}

func NewAggregator(parcelID string, frame model.CRS, parcelArea float64) *Aggregator {
	return &Aggregator{parcelID: parcelID, frame: frame, area: parcelArea}
}

// Record stores a result that cleared the relevance filter.
func (a *Aggregator) Record(result model.AffectationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, result)
	a.evaluated++
}

// RecordFiltered counts a layer that was evaluated but produced no
// significant overlap.
func (a *Aggregator) RecordFiltered() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evaluated++
}

// RecordError stores a layer failure without affecting other layers.
func (a *Aggregator) RecordError(layerID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, model.LayerError{LayerID: layerID, Message: err.Error()})
}

// Finalize builds the report. Results are ordered by percentage descending,
// ties by display name then layer id; errors by layer id.
func (a *Aggregator) Finalize() *model.AnalysisReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := append([]model.AffectationResult(nil), a.results...)
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Percentage != results[j].Percentage {
			return results[i].Percentage > results[j].Percentage
		}
		if results[i].DisplayName != results[j].DisplayName {
			return results[i].DisplayName < results[j].DisplayName
		}
		return results[i].LayerID < results[j].LayerID
	})

	errs := append([]model.LayerError(nil), a.errors...)
	sort.SliceStable(errs, func(i, j int) bool {
		return errs[i].LayerID < errs[j].LayerID
	})

	if results == nil {
		results = []model.AffectationResult{}
	}
	if errs == nil {
		errs = []model.LayerError{}
	}

	return &model.AnalysisReport{
		ID:              uuid.NewString(),
		ParcelID:        a.parcelID,
		Frame:           a.frame,
		ParcelArea:      a.area,
		Results:         results,
		Errors:          errs,
		LayersEvaluated: a.evaluated,
		CreatedAt:       time.Now().UTC(),
	}
}
