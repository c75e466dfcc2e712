package model

import "time"

// UnclassifiedLabel is the synthetic breakdown class used when no class
// attribute can be resolved for an intersected area.
const UnclassifiedLabel = "unclassified"

// AffectationResult is the quantified overlap between the parcel and one layer.
// Areas are square metres in the report frame; Percentage is unrounded.
type AffectationResult struct {
	LayerID             string             `json:"layer_id"`
	DisplayName         string             `json:"display_name"`
	AffectedArea        float64            `json:"affected_area"`
	Percentage          float64            `json:"percentage"`
	Breakdown           map[string]float64 `json:"breakdown"`
	Origin              string             `json:"origin"`
	ClassificationField string             `json:"classification_field,omitempty"`
	FeatureCount        int                `json:"feature_count"`
}

// LayerError records a layer that could not be evaluated.
type LayerError struct {
	LayerID string `json:"layer_id"`
	Message string `json:"message"`
}

// AnalysisReport is the only value returned to callers. Results are sorted by
// percentage descending, then display name ascending.
type AnalysisReport struct {
	ID              string              `json:"id"`
	ParcelID        string              `json:"parcel_id"`
	Frame           CRS                 `json:"frame"`
	ParcelArea      float64             `json:"parcel_area"`
	Results         []AffectationResult `json:"results"`
	Errors          []LayerError        `json:"errors"`
	LayersEvaluated int                 `json:"layers_evaluated"`
	CreatedAt       time.Time           `json:"created_at"`
}

// HasErrors distinguishes partial coverage from "no affectations found".
func (r *AnalysisReport) HasErrors() bool {
	return len(r.Errors) > 0
}

// Result returns the outcome for a layer id, if it cleared the threshold.
func (r *AnalysisReport) Result(layerID string) (AffectationResult, bool) {
	for _, res := range r.Results {
		if res.LayerID == layerID {
			return res, true
		}
	}
	return AffectationResult{}, false
}
