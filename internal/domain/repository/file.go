package repository

import (
	"affectation_service/internal/domain/model"
	"context"
	"fmt"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileRepository serves layers stored as local vector datasets: GeoJSON
// feature collections and GeoPackage feature tables. It returns the whole
// dataset; spatial restriction is left to the overlay evaluation.
type FileRepository struct {
	dataDir string
	logger  *zap.Logger
}

func NewFileRepository(dataDir string, logger *zap.Logger) *FileRepository {
	return &FileRepository{dataDir: dataDir, logger: logger.Named("file")}
}

func (r *FileRepository) Fetch(ctx context.Context, layer model.LayerDescriptor, _ model.Extent) (*model.FeatureSet, error) {
	path, table := r.resolve(layer.Locator)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}

	var (
		features []model.Feature
		crs      model.CRS
		err      error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		features, crs, err = readGeoJSONFile(path)
	case ".gpkg":
		features, crs, err = readGeoPackage(ctx, path, table)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug("dataset loaded",
		zap.String("layer", layer.ID), zap.String("path", path), zap.Int("features", len(features)))
	return &model.FeatureSet{LayerID: layer.ID, CRS: crs, Features: features}, nil
}

// Layers lists every dataset found in the data directory. Each GeoPackage
// feature table is a separate layer.
func (r *FileRepository) Layers(ctx context.Context) ([]model.LayerDescriptor, error) {
	if r.dataDir == "" {
		return nil, fmt.Errorf("no data directory configured")
	}
	entries, err := os.ReadDir(r.dataDir)
	if err != nil {
		return nil, fmt.Errorf("scan data directory: %w", err)
	}

	var layers []model.LayerDescriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		base := strings.TrimSuffix(name, filepath.Ext(name))
		switch ext {
		case ".geojson", ".json":
			layers = append(layers, model.LayerDescriptor{
				ID:          base,
				DisplayName: humanize(base),
				Kind:        model.SourceFile,
				Locator:     name,
			})
		case ".gpkg":
			tables, err := geoPackageTables(ctx, filepath.Join(r.dataDir, name))
			if err != nil {
				r.logger.Warn("skipping unreadable geopackage", zap.String("path", name), zap.Error(err))
				continue
			}
			for _, t := range tables {
				layers = append(layers, model.LayerDescriptor{
					ID:          t.Table,
					DisplayName: humanize(t.Table),
					Kind:        model.SourceFile,
					Locator:     name + "#" + t.Table,
				})
			}
		}
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].ID < layers[j].ID })
	return layers, nil
}

func (r *FileRepository) resolve(locator string) (path, table string) {
	path = locator
	if i := strings.LastIndex(locator, "#"); i >= 0 {
		path, table = locator[:i], locator[i+1:]
	}
	if !filepath.IsAbs(path) && r.dataDir != "" {
		path = filepath.Join(r.dataDir, path)
	}
	return path, table
}

func readGeoJSONFile(path string) ([]model.Feature, model.CRS, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open geojson: %w", err)
	}
	defer f.Close()

	doc, raw, err := decodeGeoJSON(f)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return doc.features(raw), doc.crs(), nil
}

// ReadParcelFile reads a parcel from a GeoJSON Geometry, Feature or
// FeatureCollection (first feature). crs overrides the document's CRS.
func ReadParcelFile(path, id string, crs model.CRS) (model.Parcel, error) {
	features, docCRS, err := readGeoJSONFile(path)
	if err != nil {
		return model.Parcel{}, err
	}
	if len(features) == 0 {
		return model.Parcel{}, fmt.Errorf("%s: no geometry found", filepath.Base(path))
	}
	if crs == "" {
		crs = docCRS
	}
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return model.Parcel{ID: id, Geometry: features[0].Geometry, CRS: crs}, nil
}

type gpkgGeometryColumn struct {
	Table  string `db:"table_name"`
	Column string `db:"column_name"`
	SRSID  int    `db:"srs_id"`
}

func openGeoPackage(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open geopackage: %w", err)
	}
	return db, nil
}

func geoPackageTables(ctx context.Context, path string) ([]gpkgGeometryColumn, error) {
	db, err := openGeoPackage(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var cols []gpkgGeometryColumn
	err = db.SelectContext(ctx, &cols,
		`SELECT table_name, column_name, srs_id FROM gpkg_geometry_columns ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list geopackage tables: %w", err)
	}
	return cols, nil
}

func readGeoPackage(ctx context.Context, path, table string) ([]model.Feature, model.CRS, error) {
	db, err := openGeoPackage(path)
	if err != nil {
		return nil, "", err
	}
	defer db.Close()

	query := `SELECT table_name, column_name, srs_id FROM gpkg_geometry_columns`
	var args []any
	if table != "" {
		query += ` WHERE table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY table_name LIMIT 1`

	var col gpkgGeometryColumn
	if err := db.GetContext(ctx, &col, query, args...); err != nil {
		return nil, "", fmt.Errorf("geopackage geometry column for %q: %w", table, err)
	}
	crs := geoPackageCRS(ctx, db, col.SRSID)

	rows, err := db.QueryxContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, quoteSQLite(col.Table)))
	if err != nil {
		return nil, "", fmt.Errorf("query geopackage table %s: %w", col.Table, err)
	}
	defer rows.Close()

	var features []model.Feature
	for n := 0; rows.Next(); n++ {
		record := map[string]any{}
		if err := rows.MapScan(record); err != nil {
			return nil, "", fmt.Errorf("scan geopackage row: %w", err)
		}
		blob, _ := record[col.Column].([]byte)
		delete(record, col.Column)
		if len(blob) == 0 {
			continue
		}
		wkb, err := geoPackageWKB(blob)
		if err != nil {
			return nil, "", fmt.Errorf("geopackage row %d: %w", n, err)
		}
		for k, v := range record {
			if b, ok := v.([]byte); ok {
				record[k] = string(b)
			}
		}
		features = append(features, model.Feature{
			ID:         featureID(record["fid"], n),
			Geometry:   model.WKB(wkb),
			Attributes: record,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate geopackage rows: %w", err)
	}
	return features, crs, nil
}

// geoPackageCRS maps a GeoPackage srs_id onto an EPSG identifier, using
// gpkg_spatial_ref_sys when the package declares its organisation.
func geoPackageCRS(ctx context.Context, db *sqlx.DB, srsID int) model.CRS {
	var ref struct {
		Organization string `db:"organization"`
		Code         int    `db:"organization_coordsys_id"`
	}
	err := db.GetContext(ctx, &ref,
		`SELECT organization, organization_coordsys_id FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, srsID)
	if err == nil && strings.EqualFold(ref.Organization, "EPSG") && ref.Code > 0 {
		return model.EPSGCode(ref.Code)
	}
	return model.EPSGCode(srsID)
}

// geoPackageWKB strips the GeoPackage binary header (GeoPackage encoding standard, clause 2.1.3).
func geoPackageWKB(blob []byte) ([]byte, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, fmt.Errorf("not a geopackage geometry blob")
	}
	flags := blob[3]
	if flags&0x20 != 0 {
		return nil, fmt.Errorf("extended geopackage geometry types are not supported")
	}
	var envelope int
	switch (flags >> 1) & 0x07 {
	case 0:
	case 1:
		envelope = 32
	case 2, 3:
		envelope = 48
	case 4:
		envelope = 64
	default:
		return nil, fmt.Errorf("invalid envelope indicator in geopackage header")
	}
	start := 8 + envelope
	if len(blob) <= start {
		return nil, fmt.Errorf("truncated geopackage geometry")
	}
	return blob[start:], nil
}

func quoteSQLite(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func humanize(id string) string {
	s := strings.NewReplacer("_", " ", "-", " ").Replace(id)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
