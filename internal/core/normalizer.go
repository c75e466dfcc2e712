package core

import (
	"affectation_service/internal/domain/model"
	"fmt"
	"github.com/twpayne/go-geos"
)

// Normalizer decodes geometries and brings them into one metric frame so
// that no area is ever compared across frames.
type Normalizer struct {
	geosCtx *geos.Context
}

func NewNormalizer(geosCtx *geos.Context) *Normalizer {
	return &Normalizer{geosCtx: geosCtx}
}

// Decode parses a raw geometry with the engine's GEOS context.
func (n *Normalizer) Decode(raw model.RawGeometry) (*geos.Geom, error) {
	if raw.IsEmpty() {
		return nil, fmt.Errorf("empty geometry payload")
	}
	switch raw.Format {
	case model.FormatWKT:
		return n.geosCtx.NewGeomFromWKT(string(raw.Data))
	case model.FormatWKB:
		return n.geosCtx.NewGeomFromWKB(raw.Data)
	case model.FormatGeoJSON:
		return n.geosCtx.NewGeomFromGeoJSON(string(raw.Data))
	default:
		return nil, fmt.Errorf("unsupported geometry format %q", raw.Format)
	}
}

// Normalize validates the parcel and projects it to its metric frame.
// Projected parcels pass through, even in frames without a built-in
// projection; geographic ones go to the UTM frame of their centre.
func (n *Normalizer) Normalize(parcel model.Parcel) (*geos.Geom, model.CRS, error) {
	invalid := func(format string, args ...any) error {
		return &model.InvalidGeometryError{ParcelID: parcel.ID, Reason: fmt.Sprintf(format, args...)}
	}

	g, err := n.Decode(parcel.Geometry)
	if err != nil {
		return nil, "", invalid("decode: %v", err)
	}
	if g.IsEmpty() {
		return nil, "", invalid("geometry is empty")
	}
	switch g.TypeID() {
	case geos.TypeIDPolygon, geos.TypeIDMultiPolygon:
	default:
		return nil, "", invalid("expected polygon or multipolygon, got %s", typeName(g.TypeID()))
	}
	if !g.IsValid() {
		return nil, "", invalid("%s", g.IsValidReason())
	}

	if _, err := parcel.CRS.EPSG(); err != nil {
		return nil, "", invalid("%v: %v", model.ErrUnsupportedCRS, err)
	}
	src, err := projectionFor(parcel.CRS)
	if err != nil {
		// Other frames are taken as projected and used as they are; layers
		// must then be delivered in the same frame.
		if looksGeographic(g.Bounds()) {
			return nil, "", invalid("%v: coordinates look geographic", err)
		}
		return g, parcel.CRS, nil
	}
	if _, ok := src.(transverseMercator); ok {
		return g, parcel.CRS, nil
	}

	bounds := g.Bounds()
	lon, lat := src.inverse((bounds.MinX+bounds.MaxX)/2, (bounds.MinY+bounds.MaxY)/2)
	frame := metricFrameFor(lon, lat)

	projected, err := n.ToFrame(g, parcel.CRS, frame)
	if err != nil {
		return nil, "", invalid("%v", err)
	}
	if projected == nil || projected.IsEmpty() {
		return nil, "", invalid("projection produced an empty geometry")
	}
	return projected, frame, nil
}

// Supports reports whether crs has a built-in projection.
func (n *Normalizer) Supports(crs model.CRS) bool {
	_, err := projectionFor(crs)
	return err == nil
}

// CanTransform reports whether geometries can be moved from one frame to
// the other.
func (n *Normalizer) CanTransform(from, to model.CRS) bool {
	_, err := newCoordTransform(from, to)
	return err == nil
}

func looksGeographic(b *geos.Box2D) bool {
	return b.MinX >= -180 && b.MaxX <= 180 && b.MinY >= -90 && b.MaxY <= 90
}

// ToFrame reprojects a polygonal geometry between supported frames. It
// returns nil for geometries without polygonal parts.
func (n *Normalizer) ToFrame(g *geos.Geom, from, to model.CRS) (*geos.Geom, error) {
	transform, err := newCoordTransform(from, to)
	if err != nil {
		return nil, err
	}
	if transform == nil {
		return n.Polygonal(g), nil
	}

	var polygons []*geos.Geom
	n.collectPolygons(g, transform, &polygons)
	switch len(polygons) {
	case 0:
		return nil, nil
	case 1:
		return polygons[0], nil
	default:
		return n.geosCtx.NewCollection(geos.TypeIDMultiPolygon, polygons), nil
	}
}

// Envelope returns the bounds of g, taken after reprojection to the target frame.
func (n *Normalizer) Envelope(g *geos.Geom, from, to model.CRS) (model.Envelope, error) {
	projected, err := n.ToFrame(g, from, to)
	if err != nil {
		return model.Envelope{}, err
	}
	if projected == nil {
		return model.Envelope{}, fmt.Errorf("geometry has no polygonal parts")
	}
	b := projected.Bounds()
	return model.Envelope{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY, CRS: to}, nil
}

// Polygonal returns the polygonal part of g as a Polygon or MultiPolygon,
// or nil when g has none.
func (n *Normalizer) Polygonal(g *geos.Geom) *geos.Geom {
	if g == nil || g.IsEmpty() {
		return nil
	}
	switch g.TypeID() {
	case geos.TypeIDPolygon, geos.TypeIDMultiPolygon:
		return g
	case geos.TypeIDGeometryCollection:
	default:
		return nil
	}
	var polygons []*geos.Geom
	n.collectPolygons(g, func(x, y float64) (float64, float64) { return x, y }, &polygons)
	switch len(polygons) {
	case 0:
		return nil
	case 1:
		return polygons[0]
	default:
		return n.geosCtx.NewCollection(geos.TypeIDMultiPolygon, polygons)
	}
}

func (n *Normalizer) collectPolygons(g *geos.Geom, transform coordTransform, out *[]*geos.Geom) {
	if g.IsEmpty() {
		return
	}
	switch g.TypeID() {
	case geos.TypeIDPolygon:
		rings := make([][][]float64, 0, 1+g.NumInteriorRings())
		rings = append(rings, transformRing(g.ExteriorRing(), transform))
		for i := 0; i < g.NumInteriorRings(); i++ {
			rings = append(rings, transformRing(g.InteriorRing(i), transform))
		}
		*out = append(*out, n.geosCtx.NewPolygon(rings))
	case geos.TypeIDMultiPolygon, geos.TypeIDGeometryCollection:
		for i := 0; i < g.NumGeometries(); i++ {
			n.collectPolygons(g.Geometry(i), transform, out)
		}
	}
}

func transformRing(ring *geos.Geom, transform coordTransform) [][]float64 {
	coords := ring.CoordSeq().ToCoords()
	out := make([][]float64, len(coords))
	for i, c := range coords {
		x, y := transform(c[0], c[1])
		out[i] = []float64{x, y}
	}
	return out
}

func typeName(id geos.TypeID) string {
	switch id {
	case geos.TypeIDPoint:
		return "Point"
	case geos.TypeIDLineString:
		return "LineString"
	case geos.TypeIDLinearRing:
		return "LinearRing"
	case geos.TypeIDPolygon:
		return "Polygon"
	case geos.TypeIDMultiPoint:
		return "MultiPoint"
	case geos.TypeIDMultiLineString:
		return "MultiLineString"
	case geos.TypeIDMultiPolygon:
		return "MultiPolygon"
	case geos.TypeIDGeometryCollection:
		return "GeometryCollection"
	default:
		return fmt.Sprintf("type %d", int(id))
	}
}
