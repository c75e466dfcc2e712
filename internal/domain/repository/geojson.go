package repository

import (
	"affectation_service/internal/domain/model"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

type geoJSONCRS struct {
	Type       string `json:"type"`
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	ID         any             `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// geoJSONDocument covers FeatureCollection, Feature and bare Geometry objects.
type geoJSONDocument struct {
	Type        string           `json:"type"`
	CRS         *geoJSONCRS      `json:"crs"`
	Features    []geoJSONFeature `json:"features"`
	Geometry    json.RawMessage  `json:"geometry"`
	Properties  map[string]any   `json:"properties"`
	ID          any              `json:"id"`
	Coordinates json.RawMessage  `json:"coordinates"`
	Geometries  json.RawMessage  `json:"geometries"`
}

func decodeGeoJSON(r io.Reader) (*geoJSONDocument, json.RawMessage, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read geojson: %w", err)
	}
	var doc geoJSONDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode geojson: %w", err)
	}
	if doc.Type == "" {
		return nil, nil, fmt.Errorf("decode geojson: missing type member")
	}
	return &doc, raw, nil
}

// crs returns the legacy named CRS of the document, EPSG:4326 when absent.
func (d *geoJSONDocument) crs() model.CRS {
	if d.CRS != nil && d.CRS.Properties.Name != "" {
		return model.CRS(d.CRS.Properties.Name)
	}
	return model.CRSWGS84
}

// features flattens the document into model features, skipping null geometries.
func (d *geoJSONDocument) features(raw json.RawMessage) []model.Feature {
	switch d.Type {
	case "FeatureCollection":
		out := make([]model.Feature, 0, len(d.Features))
		for i, f := range d.Features {
			if isNullGeometry(f.Geometry) {
				continue
			}
			out = append(out, model.Feature{
				ID:         featureID(f.ID, i),
				Geometry:   model.GeoJSONGeometry(f.Geometry),
				Attributes: f.Properties,
			})
		}
		return out
	case "Feature":
		if isNullGeometry(d.Geometry) {
			return nil
		}
		return []model.Feature{{
			ID:         featureID(d.ID, 0),
			Geometry:   model.GeoJSONGeometry(d.Geometry),
			Attributes: d.Properties,
		}}
	default:
		return []model.Feature{{ID: "0", Geometry: model.GeoJSONGeometry(raw)}}
	}
}

func isNullGeometry(g json.RawMessage) bool {
	g = bytes.TrimSpace(g)
	return len(g) == 0 || bytes.Equal(g, []byte("null"))
}

func featureID(id any, index int) string {
	switch v := id.(type) {
	case nil:
		return strconv.Itoa(index)
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
