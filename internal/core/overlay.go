package core

import (
	"affectation_service/internal/domain/model"
	"fmt"
	"github.com/dhconnelly/rtreego"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"
	"math"
	"sort"
	"strings"
)

// DefaultClassificationFields is the precedence list tried, in order, when a
// layer has no explicit classification field. Spanish names come first since
// most catalogued datasets use them.
var DefaultClassificationFields = []string{
	"nombre", "name",
	"tipo", "type",
	"uso", "use",
	"categoria", "category",
	"codigo", "code",
	"zona", "zone",
	"descripcion", "description",
	"clase", "class",
}

// Classifier resolves which attribute groups an intersected area.
type Classifier struct {
	candidates []string
}

func NewClassifier(candidates []string) Classifier {
	if len(candidates) == 0 {
		candidates = DefaultClassificationFields
	}
	return Classifier{candidates: append([]string(nil), candidates...)}
}

// ResolveField returns the attribute to group by, or "" when none applies.
// An explicit field missing from every feature yields
// ClassificationFieldNotFoundError together with "".
func (c Classifier) ResolveField(layerID, explicit string, features []model.Feature) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		for _, f := range features {
			if _, ok := lookupAttr(f.Attributes, explicit); ok {
				return explicit, nil
			}
		}
		return "", &model.ClassificationFieldNotFoundError{LayerID: layerID, Field: explicit}
	}
	for _, candidate := range c.candidates {
		for _, f := range features {
			if v, ok := lookupAttr(f.Attributes, candidate); ok && attrLabel(v) != "" {
				return candidate, nil
			}
		}
	}
	return "", nil
}

// Label returns the class of a feature for the resolved field.
func (c Classifier) Label(attrs map[string]any, field string) string {
	if field == "" {
		return model.UnclassifiedLabel
	}
	v, ok := lookupAttr(attrs, field)
	if !ok {
		return model.UnclassifiedLabel
	}
	if label := attrLabel(v); label != "" {
		return label
	}
	return model.UnclassifiedLabel
}

func lookupAttr(attrs map[string]any, name string) (any, bool) {
	if v, ok := attrs[name]; ok {
		return v, true
	}
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func attrLabel(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Intersection summarises the overlap of the parcel with one feature set.
type Intersection struct {
	ParcelArea   float64
	AffectedArea float64
	Percentage   float64
	Breakdown    map[string]float64
	Field        string
	FeatureCount int
	Skipped      int
}

// Evaluator computes parcel ∩ features in the parcel's metric frame.
type Evaluator struct {
	normalizer *Normalizer
	classifier Classifier
	logger     *zap.Logger
}

func NewEvaluator(normalizer *Normalizer, classifier Classifier, logger *zap.Logger) *Evaluator {
	return &Evaluator{normalizer: normalizer, classifier: classifier, logger: logger}
}

type candidateFeature struct {
	index int
	geom  *geos.Geom
	rect  rtreego.Rect
}

func (c *candidateFeature) Bounds() rtreego.Rect { return c.rect }

// Evaluate intersects the parcel with every feature. Area shared by several
// features is credited once, to the first feature in set order, so the
// breakdown always sums to AffectedArea and AffectedArea never exceeds the
// parcel area.
func (e *Evaluator) Evaluate(parcel *geos.Geom, frame model.CRS, fs *model.FeatureSet, explicitField string) (result *Intersection, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("geometry engine failure: %v", r)
		}
	}()

	parcelArea := parcel.Area()
	result = &Intersection{ParcelArea: parcelArea, Breakdown: map[string]float64{}}
	if parcelArea <= 0 || fs == nil || len(fs.Features) == 0 {
		return result, nil
	}

	field, ferr := e.classifier.ResolveField(fs.LayerID, explicitField, fs.Features)
	if ferr != nil {
		e.logger.Warn("classification field not found, using single class",
			zap.String("layer", fs.LayerID), zap.Error(ferr))
	}
	result.Field = field

	candidates, skipped, err := e.prepare(fs, frame)
	if err != nil {
		return nil, err
	}
	result.Skipped = skipped

	pb := parcel.Bounds()
	hits := rtreego.NewTree(2, 4, 16, candidates...).SearchIntersect(boxRect(pb.MinX, pb.MinY, pb.MaxX, pb.MaxY))
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].(*candidateFeature).index < hits[j].(*candidateFeature).index
	})

	var covered *geos.Geom
	for _, hit := range hits {
		c := hit.(*candidateFeature)
		if !parcel.Intersects(c.geom) {
			continue
		}
		piece := e.normalizer.Polygonal(parcel.Intersection(c.geom))
		if piece == nil || piece.Area() <= 0 {
			continue
		}
		if covered != nil {
			piece = e.normalizer.Polygonal(piece.Difference(covered))
			if piece == nil || piece.Area() <= 0 {
				continue
			}
			covered = covered.Union(piece)
		} else {
			covered = piece
		}

		area := piece.Area()
		label := e.classifier.Label(fs.Features[c.index].Attributes, field)
		result.Breakdown[label] += area
		result.AffectedArea += area
		result.FeatureCount++
	}

	result.Percentage = percentageOf(result.AffectedArea, parcelArea)
	return result, nil
}

// prepare decodes and reprojects features into the parcel frame, dropping
// features that cannot be decoded or carry no polygonal part.
func (e *Evaluator) prepare(fs *model.FeatureSet, frame model.CRS) ([]rtreego.Spatial, int, error) {
	candidates := make([]rtreego.Spatial, 0, len(fs.Features))
	skipped := 0
	for i, f := range fs.Features {
		g, err := e.normalizer.Decode(f.Geometry)
		if err != nil {
			skipped++
			e.logger.Debug("skipping undecodable feature",
				zap.String("layer", fs.LayerID), zap.String("feature", f.ID), zap.Error(err))
			continue
		}
		projected, err := e.normalizer.ToFrame(g, fs.CRS, frame)
		if err != nil {
			return nil, skipped, fmt.Errorf("reproject layer %s: %w", fs.LayerID, err)
		}
		if projected != nil && !projected.IsValid() {
			projected = e.normalizer.Polygonal(projected.MakeValid())
		}
		if projected == nil || projected.IsEmpty() {
			continue
		}
		b := projected.Bounds()
		candidates = append(candidates, &candidateFeature{
			index: i,
			geom:  projected,
			rect:  boxRect(b.MinX, b.MinY, b.MaxX, b.MaxY),
		})
	}
	if skipped > 0 && skipped == len(fs.Features) {
		return nil, skipped, fmt.Errorf("none of the %d features of layer %s could be decoded", skipped, fs.LayerID)
	}
	return candidates, skipped, nil
}

func boxRect(minX, minY, maxX, maxY float64) rtreego.Rect {
	rect, _ := rtreego.NewRectFromPoints(rtreego.Point{minX, minY}, rtreego.Point{maxX, maxY})
	return rect
}

func percentageOf(area, parcelArea float64) float64 {
	if parcelArea <= 0 || area <= 0 {
		return 0
	}
	return math.Min(area/parcelArea*100, 100)
}
