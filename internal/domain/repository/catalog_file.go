package repository

import (
	"affectation_service/internal/domain/model"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// StaticCatalog is a fixed list of layer descriptors loaded from a file.
type StaticCatalog []model.LayerDescriptor

func (c StaticCatalog) Layers(context.Context) ([]model.LayerDescriptor, error) {
	return append([]model.LayerDescriptor(nil), c...), nil
}

// LoadCatalogFile reads a catalog from a .csv, .yaml or .yml file.
func LoadCatalogFile(path string) (StaticCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	var layers []model.LayerDescriptor
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		layers, err = ParseCatalogCSV(f)
	case ".yaml", ".yml":
		layers, err = ParseCatalogYAML(f)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return layers, nil
}

var csvColumnAliases = map[string]string{
	"id":      "layer_id",
	"layer":   "layer_id",
	"name":    "display_name",
	"kind":    "source_kind",
	"source":  "source_kind",
	"field":   "classification_field",
	"grupo":   "group",
	"locator": "locator",
}

// ParseCatalogCSV reads a header-driven CSV catalog. Required columns are
// layer_id, source_kind and locator.
func ParseCatalogCSV(r io.Reader) ([]model.LayerDescriptor, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty catalog")
		}
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if alias, ok := csvColumnAliases[name]; ok {
			name = alias
		}
		cols[name] = i
	}
	for _, required := range []string{"layer_id", "source_kind", "locator"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("catalog is missing column %q", required)
		}
	}

	get := func(record []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var layers []model.LayerDescriptor
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}

		kind, err := model.ParseSourceKind(get(record, "source_kind"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		d := model.LayerDescriptor{
			ID:                  get(record, "layer_id"),
			DisplayName:         get(record, "display_name"),
			Kind:                kind,
			Locator:             get(record, "locator"),
			ClassificationField: get(record, "classification_field"),
			Group:               get(record, "group"),
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		layers = append(layers, d)
	}
	return layers, nil
}

type yamlCatalog struct {
	Layers []model.LayerDescriptor `yaml:"layers"`
}

// ParseCatalogYAML reads a catalog of the form `layers: [{id, name, kind, locator, ...}]`.
func ParseCatalogYAML(r io.Reader) ([]model.LayerDescriptor, error) {
	var doc yamlCatalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty catalog")
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for i, d := range doc.Layers {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("layers[%d]: %w", i, err)
		}
	}
	return doc.Layers, nil
}
