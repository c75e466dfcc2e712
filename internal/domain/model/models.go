package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CRS identifies a coordinate reference system, e.g. "EPSG:25830".
type CRS string

const (
	CRSWGS84       CRS = "EPSG:4326"
	CRSETRS89      CRS = "EPSG:4258"
	CRSWebMercator CRS = "EPSG:3857"
)

// EPSG returns the numeric EPSG code of the reference system.
// Accepted forms: "EPSG:25830", "25830", "urn:ogc:def:crs:EPSG::25830",
// "http://www.opengis.net/def/crs/EPSG/0/25830" and the CRS84 aliases.
func (c CRS) EPSG() (int, error) {
	s := strings.TrimSpace(string(c))
	if s == "" {
		return 0, fmt.Errorf("empty crs")
	}
	upper := strings.ToUpper(s)
	if strings.HasSuffix(upper, "CRS84") {
		return 4326, nil
	}
	if i := strings.LastIndexAny(s, ":/"); i >= 0 {
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("unrecognised crs %q", string(c))
	}
	return code, nil
}

// EPSGCode builds the canonical identifier for an EPSG code.
func EPSGCode(code int) CRS {
	return CRS("EPSG:" + strconv.Itoa(code))
}

// GeometryFormat is the encoding of a RawGeometry.
type GeometryFormat string

const (
	FormatWKT     GeometryFormat = "wkt"
	FormatWKB     GeometryFormat = "wkb"
	FormatGeoJSON GeometryFormat = "geojson"
)

// RawGeometry is a geometry as delivered by a provider or a caller, still encoded.
type RawGeometry struct {
	Format GeometryFormat
	Data   []byte
}

func WKT(s string) RawGeometry { return RawGeometry{Format: FormatWKT, Data: []byte(s)} }

func WKB(b []byte) RawGeometry { return RawGeometry{Format: FormatWKB, Data: b} }

func GeoJSONGeometry(b []byte) RawGeometry { return RawGeometry{Format: FormatGeoJSON, Data: b} }

// IsEmpty reports whether no geometry payload is present.
func (g RawGeometry) IsEmpty() bool {
	return len(g.Data) == 0
}

// Parcel is the land parcel under analysis. It is owned by the caller and
// never modified by the engine.
type Parcel struct {
	ID       string
	Geometry RawGeometry
	CRS      CRS
}

// SourceKind is the backend family a layer is served from.
type SourceKind int

const (
	SourceFile SourceKind = iota + 1
	SourceDatabase
	SourceRemoteService
)

func (k SourceKind) String() string {
	switch k {
	case SourceFile:
		return "file"
	case SourceDatabase:
		return "database"
	case SourceRemoteService:
		return "remote"
	default:
		return "unknown"
	}
}

// ParseSourceKind maps catalog spellings onto a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "shapefile", "geojson", "gpkg", "geopackage":
		return SourceFile, nil
	case "database", "db", "postgis", "postgres":
		return SourceDatabase, nil
	case "remote", "remote_service", "remoteservice", "service", "wfs", "arcgis", "overpass":
		return SourceRemoteService, nil
	default:
		return 0, fmt.Errorf("unknown source kind %q", s)
	}
}

func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SourceKind) UnmarshalText(b []byte) error {
	parsed, err := ParseSourceKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// LayerDescriptor describes one candidate layer to test against the parcel.
type LayerDescriptor struct {
	ID                  string     `json:"layer_id" yaml:"id"`
	DisplayName         string     `json:"display_name" yaml:"name"`
	Kind                SourceKind `json:"source_kind" yaml:"kind"`
	Locator             string     `json:"locator" yaml:"locator"`
	ClassificationField string     `json:"classification_field,omitempty" yaml:"classification_field"`
	Group               string     `json:"group,omitempty" yaml:"group"`
}

// Name returns the display name, falling back to the id.
func (d LayerDescriptor) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// Origin is a short provenance label such as "database:public.enp".
func (d LayerDescriptor) Origin() string {
	return d.Kind.String() + ":" + d.Locator
}

func (d LayerDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("layer id is required")
	}
	switch d.Kind {
	case SourceFile, SourceDatabase, SourceRemoteService:
	default:
		return fmt.Errorf("layer %s: invalid source kind %d", d.ID, int(d.Kind))
	}
	if strings.TrimSpace(d.Locator) == "" {
		return fmt.Errorf("layer %s: locator is required", d.ID)
	}
	return nil
}

// Envelope is an axis-aligned bounding box in the given reference system.
type Envelope struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
	CRS  CRS
}

// Extent carries the parcel envelope in WGS84 and in the metric analysis frame.
// Geographic is left zero when the frame has no built-in projection.
type Extent struct {
	Geographic Envelope
	Metric     Envelope
}

func (e Extent) HasGeographic() bool {
	return e.Geographic.CRS != ""
}

// Feature is one record of a layer: an encoded geometry plus its attributes.
type Feature struct {
	ID         string
	Geometry   RawGeometry
	Attributes map[string]any
}

// FeatureSet is the output of one provider call. It is never persisted.
type FeatureSet struct {
	LayerID  string
	CRS      CRS
	Features []Feature
}

// Options tunes a single analysis call.
type Options struct {
	MinPercentage   float64
	MinAbsoluteArea float64
	TimeoutPerLayer time.Duration
}

// DefaultOptions returns the options used when the caller does not override them.
func DefaultOptions() Options {
	return Options{
		MinPercentage:   0.01,
		MinAbsoluteArea: 0,
		TimeoutPerLayer: 60 * time.Second,
	}
}
