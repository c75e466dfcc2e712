package repository

import (
	"affectation_service/internal/domain/model"
	"context"
	"encoding/json"
	"fmt"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"strings"
	"time"
)

// envelopeMargin widens the geographic search window by roughly ten metres so
// that features touching the parcel only at an envelope corner survive the
// reprojection of the window into the table SRID.
const envelopeMargin = 0.0001

// metricMargin is the same widening in metres, used when the parcel frame has
// no geographic envelope and the window is built in the frame itself.
const metricMargin = 10.0

type PostGISRepository struct {
	db         *sqlx.DB
	schema     string
	geomColumn string
}

// OpenPostGIS connects to a PostGIS database and verifies the connection.
func OpenPostGIS(ctx context.Context, connStr string, maxOpenConns int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgis: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func NewPostGISRepository(db *sqlx.DB, schema, geomColumn string) *PostGISRepository {
	if schema == "" {
		schema = "public"
	}
	if geomColumn == "" {
		geomColumn = "geom"
	}
	return &PostGISRepository{db: db, schema: schema, geomColumn: geomColumn}
}

type tableRef struct {
	Schema string
	Table  string
	Column string
}

func (t tableRef) String() string {
	return t.Schema + "." + t.Table + "#" + t.Column
}

// parseTableLocator parses "schema.table#column"; schema and column are optional.
func parseTableLocator(locator, defaultSchema, defaultColumn string) (tableRef, error) {
	ref := tableRef{Schema: defaultSchema, Column: defaultColumn}
	rest := strings.TrimSpace(locator)
	if i := strings.Index(rest, "#"); i >= 0 {
		ref.Column = strings.TrimSpace(rest[i+1:])
		rest = rest[:i]
	}
	if i := strings.Index(rest, "."); i >= 0 {
		ref.Schema = strings.TrimSpace(rest[:i])
		rest = rest[i+1:]
	}
	ref.Table = strings.TrimSpace(rest)

	if ref.Schema == "" || ref.Table == "" || ref.Column == "" {
		return tableRef{}, fmt.Errorf("invalid table locator %q, want schema.table#column", locator)
	}
	return ref, nil
}

// featureQuery selects the features of one table overlapping the window,
// returned as WKB already transformed to the requested SRID.
// Args: $1..$4 window, $5..$7 schema/table/column for Find_SRID,
// $8 target SRID, $9 geometry column name removed from the attributes,
// $10 window SRID.
func featureQuery(ref tableRef) string {
	table := pq.QuoteIdentifier(ref.Schema) + "." + pq.QuoteIdentifier(ref.Table)
	col := "t." + pq.QuoteIdentifier(ref.Column)
	return fmt.Sprintf(`
		WITH window_geom AS (
			SELECT ST_Transform(
				ST_MakeEnvelope($1, $2, $3, $4, $10::integer),
				Find_SRID($5::varchar, $6::varchar, $7::varchar)
			) AS geom
		)
		SELECT
			ST_AsBinary(ST_Transform(%[2]s, $8::integer)) AS geom_wkb,
			(to_jsonb(t) - $9::text) AS attributes
		FROM %[1]s AS t, window_geom w
		WHERE %[2]s && w.geom
		AND ST_Intersects(%[2]s, w.geom)`, table, col)
}

type featureRow struct {
	GeomWKB    []byte `db:"geom_wkb"`
	Attributes []byte `db:"attributes"`
}

func (r *PostGISRepository) Fetch(ctx context.Context, layer model.LayerDescriptor, extent model.Extent) (*model.FeatureSet, error) {
	ref, err := parseTableLocator(layer.Locator, r.schema, r.geomColumn)
	if err != nil {
		return nil, err
	}
	srid, err := extent.Metric.CRS.EPSG()
	if err != nil {
		return nil, fmt.Errorf("metric frame: %w", err)
	}
	w, margin, windowSRID := extent.Geographic, envelopeMargin, 4326
	if !extent.HasGeographic() {
		w, margin, windowSRID = extent.Metric, metricMargin, srid
	}

	var rows []featureRow
	err = r.db.SelectContext(ctx, &rows, featureQuery(ref),
		w.MinX-margin, w.MinY-margin, w.MaxX+margin, w.MaxY+margin,
		ref.Schema, ref.Table, ref.Column,
		srid,
		ref.Column,
		windowSRID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", ref, err)
	}

	features := make([]model.Feature, 0, len(rows))
	for i, row := range rows {
		if len(row.GeomWKB) == 0 {
			continue
		}
		attrs := map[string]any{}
		if len(row.Attributes) > 0 {
			if err := json.Unmarshal(row.Attributes, &attrs); err != nil {
				return nil, fmt.Errorf("failed to decode attributes of %s row %d: %w", ref, i, err)
			}
		}
		features = append(features, model.Feature{
			ID:         featureID(attrs["id"], i),
			Geometry:   model.WKB(row.GeomWKB),
			Attributes: attrs,
		})
	}

	return &model.FeatureSet{LayerID: layer.ID, CRS: extent.Metric.CRS, Features: features}, nil
}

// Layers lists the geometry tables registered in geometry_columns for the
// configured schema.
func (r *PostGISRepository) Layers(ctx context.Context) ([]model.LayerDescriptor, error) {
	const query = `
		SELECT f_table_schema, f_table_name, f_geometry_column
		FROM geometry_columns
		WHERE f_table_schema = $1
		ORDER BY f_table_name, f_geometry_column`

	var refs []struct {
		Schema string `db:"f_table_schema"`
		Table  string `db:"f_table_name"`
		Column string `db:"f_geometry_column"`
	}
	if err := r.db.SelectContext(ctx, &refs, query, r.schema); err != nil {
		return nil, fmt.Errorf("failed to list geometry tables: %w", err)
	}

	layers := make([]model.LayerDescriptor, 0, len(refs))
	seen := map[string]bool{}
	for _, ref := range refs {
		// A table with several geometry columns is exposed once, by its first column.
		if seen[ref.Table] {
			continue
		}
		seen[ref.Table] = true
		layers = append(layers, model.LayerDescriptor{
			ID:          ref.Table,
			DisplayName: humanize(ref.Table),
			Kind:        model.SourceDatabase,
			Locator:     tableRef{Schema: ref.Schema, Table: ref.Table, Column: ref.Column}.String(),
			Group:       ref.Schema,
		})
	}
	return layers, nil
}
