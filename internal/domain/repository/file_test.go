package repository

import (
	"affectation_service/internal/domain/model"
	"bytes"
	"context"
	"encoding/binary"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"math"
	"os"
	"path/filepath"
	"testing"
)

const enpGeoJSON = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::25830"}},
  "features": [
    {"type": "Feature", "id": 7, "properties": {"nombre": "Sierra"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
    {"type": "Feature", "properties": {"nombre": "Sin geometria"}, "geometry": null},
    {"type": "Feature", "id": "b", "properties": {"nombre": "Vega"},
     "geometry": {"type": "Polygon", "coordinates": [[[10,0],[20,0],[20,10],[10,10],[10,0]]]}}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileRepositoryGeoJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "enp.geojson", enpGeoJSON)
	repo := NewFileRepository(dir, zaptest.NewLogger(t))

	fs, err := repo.Fetch(context.Background(),
		model.LayerDescriptor{ID: "enp", Kind: model.SourceFile, Locator: "enp.geojson"}, model.Extent{})
	require.NoError(t, err)

	assert.Equal(t, "enp", fs.LayerID)
	assert.Equal(t, model.CRS("urn:ogc:def:crs:EPSG::25830"), fs.CRS)
	require.Len(t, fs.Features, 2)
	assert.Equal(t, "7", fs.Features[0].ID)
	assert.Equal(t, "b", fs.Features[1].ID)
	assert.Equal(t, "Vega", fs.Features[1].Attributes["nombre"])
	assert.Equal(t, model.FormatGeoJSON, fs.Features[0].Geometry.Format)
}

func TestFileRepositoryDefaultsToWGS84(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "plain.json",
		`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`)
	repo := NewFileRepository("", zaptest.NewLogger(t))

	fs, err := repo.Fetch(context.Background(),
		model.LayerDescriptor{ID: "plain", Kind: model.SourceFile, Locator: path}, model.Extent{})
	require.NoError(t, err)
	assert.Equal(t, model.CRSWGS84, fs.CRS)
	assert.Len(t, fs.Features, 1)
}

func TestFileRepositoryErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.geojson", `{"type": "FeatureCollection", "features": [`)
	writeFile(t, dir, "layer.shp", "binary")
	repo := NewFileRepository(dir, zaptest.NewLogger(t))

	for _, locator := range []string{"missing.geojson", "broken.geojson", "layer.shp"} {
		_, err := repo.Fetch(context.Background(),
			model.LayerDescriptor{ID: "x", Kind: model.SourceFile, Locator: locator}, model.Extent{})
		assert.Error(t, err, locator)
	}
}

// polygonWKB encodes a single-ring polygon as little-endian WKB.
func polygonWKB(ring [][2]float64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(1)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(ring)))
	for _, p := range ring {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float64bits(p[0]))
		_ = binary.Write(&buf, binary.LittleEndian, math.Float64bits(p[1]))
	}
	return buf.Bytes()
}

// gpkgBlob wraps WKB in a GeoPackage header, optionally with an XY envelope.
func gpkgBlob(srsID int32, wkb []byte, withEnvelope bool) []byte {
	var buf bytes.Buffer
	buf.WriteString("GP")
	buf.WriteByte(0)
	flags := byte(0x01)
	if withEnvelope {
		flags |= 0x02
	}
	buf.WriteByte(flags)
	_ = binary.Write(&buf, binary.LittleEndian, srsID)
	if withEnvelope {
		for _, v := range []float64{0, 10, 0, 10} {
			_ = binary.Write(&buf, binary.LittleEndian, v)
		}
	}
	buf.Write(wkb)
	return buf.Bytes()
}

func createGeoPackage(t *testing.T, path string) []byte {
	t.Helper()
	db, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	wkb := polygonWKB([][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}})
	stmts := []string{
		`CREATE TABLE gpkg_spatial_ref_sys (srs_name TEXT, srs_id INTEGER PRIMARY KEY, organization TEXT, organization_coordsys_id INTEGER, definition TEXT)`,
		`INSERT INTO gpkg_spatial_ref_sys VALUES ('ETRS89 / UTM zone 30N', 25830, 'EPSG', 25830, 'undefined')`,
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT, geometry_type_name TEXT, srs_id INTEGER, z INTEGER, m INTEGER)`,
		`INSERT INTO gpkg_geometry_columns VALUES ('montes', 'geom', 'POLYGON', 25830, 0, 0)`,
		`INSERT INTO gpkg_geometry_columns VALUES ('vias', 'shape', 'POLYGON', 25830, 0, 0)`,
		`CREATE TABLE montes (fid INTEGER PRIMARY KEY, geom BLOB, nombre TEXT, codigo INTEGER)`,
		`CREATE TABLE vias (fid INTEGER PRIMARY KEY, shape BLOB, tipo TEXT)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	_, err = db.Exec(`INSERT INTO montes (fid, geom, nombre, codigo) VALUES (1, ?, 'Monte Alto', 12), (2, ?, 'Monte Bajo', 13), (3, NULL, 'Sin forma', 14)`,
		gpkgBlob(25830, wkb, false), gpkgBlob(25830, wkb, true))
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO vias (fid, shape, tipo) VALUES (1, ?, 'autovia')`, gpkgBlob(25830, wkb, false))
	require.NoError(t, err)
	return wkb
}

func TestFileRepositoryGeoPackage(t *testing.T) {
	dir := t.TempDir()
	wkb := createGeoPackage(t, filepath.Join(dir, "forestal.gpkg"))
	repo := NewFileRepository(dir, zaptest.NewLogger(t))

	fs, err := repo.Fetch(context.Background(),
		model.LayerDescriptor{ID: "montes", Kind: model.SourceFile, Locator: "forestal.gpkg#montes"}, model.Extent{})
	require.NoError(t, err)

	assert.Equal(t, model.CRS("EPSG:25830"), fs.CRS)
	require.Len(t, fs.Features, 2)
	for _, f := range fs.Features {
		assert.Equal(t, model.FormatWKB, f.Geometry.Format)
		assert.Equal(t, wkb, f.Geometry.Data)
		assert.NotContains(t, f.Attributes, "geom")
	}
	assert.Equal(t, "1", fs.Features[0].ID)
	assert.Equal(t, "Monte Alto", fs.Features[0].Attributes["nombre"])

	fs, err = repo.Fetch(context.Background(),
		model.LayerDescriptor{ID: "vias", Kind: model.SourceFile, Locator: "forestal.gpkg#vias"}, model.Extent{})
	require.NoError(t, err)
	require.Len(t, fs.Features, 1)
	assert.Equal(t, "autovia", fs.Features[0].Attributes["tipo"])
}

func TestFileRepositoryLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "enp.geojson", enpGeoJSON)
	writeFile(t, dir, "notes.txt", "ignored")
	createGeoPackage(t, filepath.Join(dir, "forestal.gpkg"))
	repo := NewFileRepository(dir, zaptest.NewLogger(t))

	layers, err := repo.Layers(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, l := range layers {
		ids = append(ids, l.ID)
		assert.Equal(t, model.SourceFile, l.Kind)
	}
	assert.Equal(t, []string{"enp", "montes", "vias"}, ids)
	assert.Equal(t, "forestal.gpkg#montes", layers[1].Locator)
}

func TestGeoPackageWKBRejectsGarbage(t *testing.T) {
	_, err := geoPackageWKB([]byte("XX0000000"))
	assert.Error(t, err)
	_, err = geoPackageWKB([]byte{'G', 'P', 0, 0x01 | 0x02, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestReadParcelFile(t *testing.T) {
	dir := t.TempDir()

	feature := writeFile(t, dir, "parcel.geojson",
		`{"type":"Feature","id":"28079A00100001","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}`)
	p, err := ReadParcelFile(feature, "", "")
	require.NoError(t, err)
	assert.Equal(t, "parcel", p.ID)
	assert.Equal(t, model.CRSWGS84, p.CRS)
	assert.Equal(t, model.FormatGeoJSON, p.Geometry.Format)

	geometry := writeFile(t, dir, "bare.json", `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`)
	p, err = ReadParcelFile(geometry, "ref-1", "EPSG:25830")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", p.ID)
	assert.Equal(t, model.CRS("EPSG:25830"), p.CRS)
	assert.JSONEq(t, `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`, string(p.Geometry.Data))

	empty := writeFile(t, dir, "empty.geojson", `{"type":"FeatureCollection","features":[]}`)
	_, err = ReadParcelFile(empty, "", "")
	assert.Error(t, err)
}
