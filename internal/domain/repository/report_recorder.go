package repository

import (
	"affectation_service/internal/domain/model"
	"context"
	"encoding/json"
	"fmt"
	"github.com/jmoiron/sqlx"
)

type ReportRecorder interface {
	SaveReport(ctx context.Context, report *model.AnalysisReport) error
}

const reportSchema = `
	CREATE TABLE IF NOT EXISTS affectation_reports (
		id               UUID PRIMARY KEY,
		parcel_id        TEXT NOT NULL,
		frame            TEXT NOT NULL,
		parcel_area      DOUBLE PRECISION NOT NULL,
		layers_evaluated INTEGER NOT NULL,
		affected_layers  INTEGER NOT NULL,
		error_count      INTEGER NOT NULL,
		report           JSONB NOT NULL,
		recorded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

type PostgresReportRecorder struct {
	db *sqlx.DB
}

func NewPostgresReportRecorder(db *sqlx.DB) *PostgresReportRecorder {
	return &PostgresReportRecorder{db: db}
}

// EnsureSchema creates the report table when missing.
func (r *PostgresReportRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, reportSchema); err != nil {
		return fmt.Errorf("failed to create affectation_reports: %w", err)
	}
	return nil
}

func (r *PostgresReportRecorder) SaveReport(ctx context.Context, report *model.AnalysisReport) error {
	const query = `
		INSERT INTO affectation_reports (
			id, parcel_id, frame, parcel_area,
			layers_evaluated, affected_layers, error_count,
			report, recorded_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, NOW()
		)`

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		report.ID, report.ParcelID, string(report.Frame), report.ParcelArea,
		report.LayersEvaluated, len(report.Results), len(report.Errors),
		reportJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.ID, err)
	}
	return nil
}
