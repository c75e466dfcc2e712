package core

import (
	"affectation_service/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"
	"testing"
)

func TestClassifierResolveField(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name     string
		explicit string
		features []model.Feature
		want     string
		wantErr  bool
	}{
		{
			name:     "precedence picks name over tipo",
			features: []model.Feature{{Attributes: map[string]any{"tipo": "a", "name": "b"}}},
			want:     "name",
		},
		{
			name:     "nombre first",
			features: []model.Feature{{Attributes: map[string]any{"clase": "x", "NOMBRE": "Doñana"}}},
			want:     "nombre",
		},
		{
			name: "empty values are skipped",
			features: []model.Feature{
				{Attributes: map[string]any{"nombre": "", "uso": "residencial"}},
				{Attributes: map[string]any{"nombre": nil, "uso": "industrial"}},
			},
			want: "uso",
		},
		{
			name:     "no candidate",
			features: []model.Feature{{Attributes: map[string]any{"area": 12.5}}},
			want:     "",
		},
		{
			name:     "explicit field case insensitive",
			explicit: "Calificacion",
			features: []model.Feature{{Attributes: map[string]any{"nombre": "x"}}, {Attributes: map[string]any{"CALIFICACION": "SNU"}}},
			want:     "Calificacion",
		},
		{
			name:     "explicit field missing",
			explicit: "calificacion",
			features: []model.Feature{{Attributes: map[string]any{"nombre": "x"}}},
			want:     "",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ResolveField("layer", tt.explicit, tt.features)
			if tt.wantErr {
				var notFound *model.ClassificationFieldNotFoundError
				require.ErrorAs(t, err, &notFound)
				assert.Equal(t, tt.explicit, notFound.Field)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifierCustomCandidates(t *testing.T) {
	c := NewClassifier([]string{"calificacion", "nombre"})
	got, err := c.ResolveField("layer", "", []model.Feature{{Attributes: map[string]any{"nombre": "a", "calificacion": "b"}}})
	require.NoError(t, err)
	assert.Equal(t, "calificacion", got)
}

func TestClassifierLabel(t *testing.T) {
	c := NewClassifier(nil)
	assert.Equal(t, "bosque", c.Label(map[string]any{"tipo": " bosque "}, "tipo"))
	assert.Equal(t, "3", c.Label(map[string]any{"codigo": float64(3)}, "codigo"))
	assert.Equal(t, "2.5", c.Label(map[string]any{"codigo": 2.5}, "codigo"))
	assert.Equal(t, "7", c.Label(map[string]any{"codigo": int64(7)}, "codigo"))
	assert.Equal(t, model.UnclassifiedLabel, c.Label(map[string]any{"tipo": ""}, "tipo"))
	assert.Equal(t, model.UnclassifiedLabel, c.Label(map[string]any{}, "tipo"))
	assert.Equal(t, model.UnclassifiedLabel, c.Label(map[string]any{"tipo": "x"}, ""))
}

func TestPercentageOf(t *testing.T) {
	assert.Equal(t, 0.0, percentageOf(10, 0))
	assert.Equal(t, 0.0, percentageOf(0, 100))
	assert.Equal(t, 25.0, percentageOf(25, 100))
	assert.Equal(t, 100.0, percentageOf(100.0000001, 100))
}

func TestEvaluatorSkipsUndecodableFeatures(t *testing.T) {
	n := NewNormalizer(geos.NewContext())
	e := NewEvaluator(n, NewClassifier(nil), zap.NewNop())
	parcel, err := n.Decode(model.WKT(rect(0, 0, 100, 100)))
	require.NoError(t, err)

	fs := featureSet("A",
		feature("bad", "POLYGON((", nil),
		feature("good", rect(0, 0, 50, 100), nil),
	)
	inter, err := e.Evaluate(parcel, utm30, fs, "")
	require.NoError(t, err)
	assert.Equal(t, 1, inter.Skipped)
	assert.InDelta(t, 50, inter.Percentage, 1e-9)

	_, err = e.Evaluate(parcel, utm30, featureSet("B", feature("bad", "POLYGON((", nil)), "")
	assert.Error(t, err)
}

func TestEvaluatorRepairsInvalidFeatures(t *testing.T) {
	n := NewNormalizer(geos.NewContext())
	e := NewEvaluator(n, NewClassifier(nil), zap.NewNop())
	parcel, err := n.Decode(model.WKT(rect(0, 0, 100, 100)))
	require.NoError(t, err)

	bowtie := "POLYGON((440000 4470000, 440100 4470100, 440100 4470000, 440000 4470100, 440000 4470000))"
	inter, err := e.Evaluate(parcel, utm30, featureSet("A", feature("1", bowtie, nil)), "")
	require.NoError(t, err)
	// The two triangles of the repaired bowtie cover half of the square.
	assert.InDelta(t, 5000, inter.AffectedArea, 1e-6)
}
