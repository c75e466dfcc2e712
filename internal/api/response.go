package api

import (
	"affectation_service/internal/domain/model"
	"math"
	"sort"
	"time"
)

type ClassShare struct {
	Class      string  `json:"class"`
	Area       float64 `json:"area_m2"`
	Percentage float64 `json:"percentage"`
}

type AffectationResponse struct {
	LayerID             string       `json:"layer_id"`
	DisplayName         string       `json:"display_name"`
	Origin              string       `json:"origin"`
	AffectedArea        float64      `json:"affected_area_m2"`
	Percentage          float64      `json:"percentage"`
	ClassificationField string       `json:"classification_field,omitempty"`
	FeatureCount        int          `json:"feature_count"`
	Breakdown           []ClassShare `json:"breakdown"`
}

type ReportResponse struct {
	ID              string                `json:"id"`
	ParcelID        string                `json:"parcel_id"`
	Frame           string                `json:"frame"`
	ParcelArea      float64               `json:"parcel_area_m2"`
	Affected        bool                  `json:"affected"`
	Partial         bool                  `json:"partial"`
	LayersEvaluated int                   `json:"layers_evaluated"`
	Results         []AffectationResponse `json:"results"`
	Errors          []model.LayerError    `json:"errors"`
	CreatedAt       time.Time             `json:"created_at"`
}

// FormatReport renders a report for presentation. This is the only place
// where figures are rounded.
func FormatReport(report *model.AnalysisReport) ReportResponse {
	resp := ReportResponse{
		ID:              report.ID,
		ParcelID:        report.ParcelID,
		Frame:           string(report.Frame),
		ParcelArea:      round2(report.ParcelArea),
		Affected:        len(report.Results) > 0,
		Partial:         report.HasErrors(),
		LayersEvaluated: report.LayersEvaluated,
		Results:         make([]AffectationResponse, 0, len(report.Results)),
		Errors:          report.Errors,
		CreatedAt:       report.CreatedAt,
	}
	if resp.Errors == nil {
		resp.Errors = []model.LayerError{}
	}

	for _, r := range report.Results {
		shares := make([]ClassShare, 0, len(r.Breakdown))
		for class, area := range r.Breakdown {
			var pct float64
			if report.ParcelArea > 0 {
				pct = area / report.ParcelArea * 100
			}
			shares = append(shares, ClassShare{Class: class, Area: round2(area), Percentage: round2(pct)})
		}
		sort.Slice(shares, func(i, j int) bool {
			if shares[i].Area != shares[j].Area {
				return shares[i].Area > shares[j].Area
			}
			return shares[i].Class < shares[j].Class
		})

		resp.Results = append(resp.Results, AffectationResponse{
			LayerID:             r.LayerID,
			DisplayName:         r.DisplayName,
			Origin:              r.Origin,
			AffectedArea:        round2(r.AffectedArea),
			Percentage:          round2(r.Percentage),
			ClassificationField: r.ClassificationField,
			FeatureCount:        r.FeatureCount,
			Breakdown:           shares,
		})
	}
	return resp
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
