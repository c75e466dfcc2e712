package repository

import (
	"affectation_service/internal/domain/model"
	"context"
	"encoding/json"
	"fmt"
	"github.com/serjvanilla/go-overpass"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
)

const overpassPrefix = "overpass:"

// IsOverpassLocator reports whether a remote locator is an Overpass tag
// filter such as "overpass:boundary=protected_area".
func IsOverpassLocator(locator string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(locator)), overpassPrefix)
}

// OverpassRepository serves remote layers from OpenStreetMap: closed ways and
// multipolygon or boundary relations carrying the locator tag that cross or
// enclose the parcel window.
type OverpassRepository struct {
	client  *overpass.Client
	timeout time.Duration
}

func NewOverpassRepository(endpoint string, maxParallel int, timeout time.Duration) *OverpassRepository {
	if maxParallel <= 0 {
		maxParallel = 2
	}
	httpClient := &http.Client{
		Timeout: timeout,
	}
	client := overpass.NewWithSettings(endpoint, maxParallel, httpClient)
	return &OverpassRepository{
		client:  &client,
		timeout: timeout,
	}
}

type tagFilter struct {
	Key   string
	Value string
}

var tagToken = regexp.MustCompile(`^[A-Za-z0-9_:\-]+$`)

func parseTagFilter(locator string) (tagFilter, error) {
	rest := strings.TrimSpace(locator)
	if !IsOverpassLocator(rest) {
		return tagFilter{}, fmt.Errorf("not an overpass locator: %q", locator)
	}
	rest = rest[len(overpassPrefix):]

	var f tagFilter
	if i := strings.Index(rest, "="); i >= 0 {
		f.Key, f.Value = strings.TrimSpace(rest[:i]), strings.TrimSpace(rest[i+1:])
		if f.Value == "" || strings.ContainsAny(f.Value, `"\`) {
			return tagFilter{}, fmt.Errorf("invalid tag value in %q", locator)
		}
	} else {
		f.Key = strings.TrimSpace(rest)
	}
	if !tagToken.MatchString(f.Key) {
		return tagFilter{}, fmt.Errorf("invalid tag key in %q", locator)
	}
	return f, nil
}

func (f tagFilter) selector() string {
	if f.Value == "" {
		return fmt.Sprintf(`["%s"]`, f.Key)
	}
	return fmt.Sprintf(`["%s"="%s"]`, f.Key, f.Value)
}

// areaRelations matches the relation types that describe polygons.
const areaRelations = `["type"~"^(multipolygon|boundary)$"]`

// buildOverpassQuery renders the QL request. Elements crossing the window are
// matched by bbox (south,west,north,east); elements enclosing it entirely have
// no node in the bbox and are found through the areas containing its centre.
func buildOverpassQuery(f tagFilter, w model.Envelope, timeout time.Duration) string {
	bbox := fmt.Sprintf("%f,%f,%f,%f", w.MinY, w.MinX, w.MaxY, w.MaxX)
	centre := fmt.Sprintf("%f,%f", (w.MinY+w.MaxY)/2, (w.MinX+w.MaxX)/2)
	seconds := int(timeout / time.Second)
	if seconds <= 0 {
		seconds = 60
	}
	sel := f.selector()
	return fmt.Sprintf(`
		[out:json][timeout:%[1]d];
		is_in(%[4]s)->.enclosing;
		(
			way%[2]s(%[3]s);
			relation%[2]s%[5]s(%[3]s);
			way(pivot.enclosing)%[2]s;
			relation(pivot.enclosing)%[2]s%[5]s;
		);
		out body;
		>;
		out skel qt;
	`, seconds, sel, bbox, centre, areaRelations)
}

func (r *OverpassRepository) Fetch(ctx context.Context, layer model.LayerDescriptor, extent model.Extent) (*model.FeatureSet, error) {
	filter, err := parseTagFilter(layer.Locator)
	if err != nil {
		return nil, err
	}
	if !extent.HasGeographic() {
		return nil, fmt.Errorf("%w: parcel frame %s has no geographic envelope", model.ErrUnsupportedCRS, extent.Metric.CRS)
	}

	result, err := r.executeQuery(ctx, buildOverpassQuery(filter, extent.Geographic, r.timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to execute overpass query for %s: %w", layer.ID, err)
	}

	features, err := convertToFeatures(result)
	if err != nil {
		return nil, err
	}
	return &model.FeatureSet{LayerID: layer.ID, CRS: model.CRSWGS84, Features: features}, nil
}

// executeQuery runs the blocking client call in a goroutine so that the
// caller's deadline is honoured.
func (r *OverpassRepository) executeQuery(ctx context.Context, query string) (*overpass.Result, error) {
	type outcome struct {
		result overpass.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.client.Query(query)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return nil, fmt.Errorf("overpass query failed: %w", o.err)
		}
		return &o.result, nil
	}
}

type lonLat [2]float64

// convertToFeatures turns closed ways and area relations into
// GeoJSON polygons. Open ways and untagged ways are ignored: the latter are
// relation members fetched by the recursion.
func convertToFeatures(result *overpass.Result) ([]model.Feature, error) {
	var features []model.Feature

	wayIDs := make([]int64, 0, len(result.Ways))
	for id := range result.Ways {
		wayIDs = append(wayIDs, id)
	}
	sort.Slice(wayIDs, func(i, j int) bool { return wayIDs[i] < wayIDs[j] })

	for _, id := range wayIDs {
		way := result.Ways[id]
		if len(way.Tags) == 0 {
			continue
		}
		ring, ok := wayRing(way)
		if !ok {
			continue
		}
		f, err := osmFeature(fmt.Sprintf("way/%d", id), way.Tags, [][][]lonLat{{ring}})
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}

	relIDs := make([]int64, 0, len(result.Relations))
	for id := range result.Relations {
		relIDs = append(relIDs, id)
	}
	sort.Slice(relIDs, func(i, j int) bool { return relIDs[i] < relIDs[j] })

	for _, id := range relIDs {
		rel := result.Relations[id]
		polygons := relationPolygons(rel)
		if len(polygons) == 0 {
			continue
		}
		f, err := osmFeature(fmt.Sprintf("relation/%d", id), rel.Tags, polygons)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

func osmFeature(id string, tags map[string]string, polygons [][][]lonLat) (model.Feature, error) {
	geometry, err := json.Marshal(map[string]any{
		"type":        "MultiPolygon",
		"coordinates": polygons,
	})
	if err != nil {
		return model.Feature{}, fmt.Errorf("failed to encode %s: %w", id, err)
	}
	attrs := make(map[string]any, len(tags))
	for k, v := range tags {
		attrs[k] = v
	}
	return model.Feature{ID: id, Geometry: model.GeoJSONGeometry(geometry), Attributes: attrs}, nil
}

func wayRing(way *overpass.Way) ([]lonLat, bool) {
	nodes, ok := wayNodes(way)
	if !ok || !closed(nodes) {
		return nil, false
	}
	return nodeRing(nodes), true
}

func wayNodes(way *overpass.Way) ([]*overpass.Node, bool) {
	nodes := make([]*overpass.Node, 0, len(way.Nodes))
	for _, n := range way.Nodes {
		if n == nil {
			return nil, false
		}
		nodes = append(nodes, n)
	}
	return nodes, len(nodes) >= 2
}

func closed(nodes []*overpass.Node) bool {
	return len(nodes) >= 4 && nodes[0].ID == nodes[len(nodes)-1].ID
}

func nodeRing(nodes []*overpass.Node) []lonLat {
	ring := make([]lonLat, len(nodes))
	for i, n := range nodes {
		ring[i] = lonLat{n.Lon, n.Lat}
	}
	return ring
}

// relationPolygons assembles the outer and inner members into rings and
// attaches each inner ring to the outer ring containing it. Members with
// other roles (label nodes, subareas) are ignored.
func relationPolygons(rel *overpass.Relation) [][][]lonLat {
	var outerWays, innerWays []*overpass.Way
	for _, m := range rel.Members {
		if m.Way == nil {
			continue
		}
		switch m.Role {
		case "inner":
			innerWays = append(innerWays, m.Way)
		case "outer", "":
			outerWays = append(outerWays, m.Way)
		}
	}
	outers := assembleRings(outerWays)
	inners := assembleRings(innerWays)

	polygons := make([][][]lonLat, len(outers))
	for i, outer := range outers {
		polygons[i] = [][]lonLat{outer}
	}
	for _, inner := range inners {
		for i, outer := range outers {
			if ringContains(outer, inner[0]) {
				polygons[i] = append(polygons[i], inner)
				break
			}
		}
	}
	return polygons
}

// assembleRings joins member ways that share end nodes into closed rings.
// Chains that never close are dropped.
func assembleRings(ways []*overpass.Way) [][]lonLat {
	var (
		rings [][]lonLat
		open  [][]*overpass.Node
	)
	for _, w := range ways {
		nodes, ok := wayNodes(w)
		if !ok {
			continue
		}
		if closed(nodes) {
			rings = append(rings, nodeRing(nodes))
			continue
		}
		open = append(open, nodes)
	}

	for len(open) > 0 {
		chain := append([]*overpass.Node(nil), open[0]...)
		open = open[1:]
		for !closed(chain) {
			i, next := nextSegment(open, chain[len(chain)-1].ID)
			if i < 0 {
				break
			}
			chain = append(chain, next[1:]...)
			open = append(open[:i], open[i+1:]...)
		}
		if closed(chain) {
			rings = append(rings, nodeRing(chain))
		}
	}
	return rings
}

// nextSegment finds an open segment touching tail, oriented to start there.
func nextSegment(open [][]*overpass.Node, tail int64) (int, []*overpass.Node) {
	for i, seg := range open {
		if seg[0].ID == tail {
			return i, seg
		}
		if seg[len(seg)-1].ID == tail {
			reversed := make([]*overpass.Node, len(seg))
			for j, n := range seg {
				reversed[len(seg)-1-j] = n
			}
			return i, reversed
		}
	}
	return -1, nil
}

// ringContains is an even-odd ray cast.
func ringContains(ring []lonLat, p lonLat) bool {
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a[1] > p[1]) != (b[1] > p[1]) &&
			p[0] < (b[0]-a[0])*(p[1]-a[1])/(b[1]-a[1])+a[0] {
			inside = !inside
		}
	}
	return inside
}
