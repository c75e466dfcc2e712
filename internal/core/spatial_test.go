package core

import (
	"affectation_service/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geos"
	"testing"
)

func TestTransverseMercatorKnownValues(t *testing.T) {
	tm := utm(wgs84, 30, false)

	x, y := tm.forward(-3, 0)
	assert.InDelta(t, 500000, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)

	// Northing of 45°N on the central meridian.
	_, y = tm.forward(-3, 45)
	assert.InDelta(t, 4982950.40, y, 0.5)
}

func TestTransverseMercatorRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		proj     transverseMercator
		lon, lat float64
	}{
		{"madrid", utm(grs80, 30, false), -3.7038, 40.4168},
		{"canarias", utm(grs80, 28, false), -16.2546, 28.4636},
		{"sydney", utm(wgs84, 56, true), 151.2093, -33.8688},
		{"zone edge", utm(wgs84, 31, false), 5.99, 60.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := tt.proj.forward(tt.lon, tt.lat)
			lon, lat := tt.proj.inverse(x, y)
			assert.InDelta(t, tt.lon, lon, 1e-8)
			assert.InDelta(t, tt.lat, lat, 1e-8)
		})
	}
}

func TestWebMercatorRoundTrip(t *testing.T) {
	x, y := webMercator{}.forward(-3.7038, 40.4168)
	lon, lat := webMercator{}.inverse(x, y)
	assert.InDelta(t, -3.7038, lon, 1e-9)
	assert.InDelta(t, 40.4168, lat, 1e-9)
}

func TestMetricFrameFor(t *testing.T) {
	tests := []struct {
		name     string
		lon, lat float64
		want     model.CRS
	}{
		{"madrid", -3.7, 40.4, "EPSG:25830"},
		{"barcelona", 2.17, 41.38, "EPSG:25831"},
		{"tenerife", -16.5, 28.3, "EPSG:25828"},
		{"new york", -74.0, 40.7, "EPSG:32618"},
		{"sydney", 151.2, -33.9, "EPSG:32756"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, metricFrameFor(tt.lon, tt.lat))
		})
	}
}

func TestProjectionFor(t *testing.T) {
	for _, crs := range []model.CRS{"EPSG:4326", "urn:ogc:def:crs:OGC:1.3:CRS84", "EPSG:3857", "EPSG:25830", "EPSG:32630", "EPSG:32756"} {
		_, err := projectionFor(crs)
		assert.NoError(t, err, crs)
	}
	for crs, zone := range map[model.CRS]int{"EPSG:4082": 27, "EPSG:4083": 28, "EPSG:3042": 30, "EPSG:25830": 30} {
		p, err := projectionFor(crs)
		require.NoError(t, err, crs)
		assert.Equal(t, utm(grs80, zone, false), p, crs)
	}
	p, err := projectionFor("EPSG:4081")
	require.NoError(t, err)
	assert.Equal(t, geographic{}, p)

	_, err = projectionFor("EPSG:2062")
	assert.ErrorIs(t, err, model.ErrUnsupportedCRS)
	_, err = projectionFor("")
	assert.ErrorIs(t, err, model.ErrUnsupportedCRS)
}

func TestNormalizerToFrameKeepsArea(t *testing.T) {
	n := NewNormalizer(geos.NewContext())
	g, err := n.Decode(model.WKT(rect(0, 0, 100, 100)))
	require.NoError(t, err)

	geographic, err := n.ToFrame(g, utm30, model.CRSWGS84)
	require.NoError(t, err)
	back, err := n.ToFrame(geographic, model.CRSWGS84, utm30)
	require.NoError(t, err)
	assert.InDelta(t, 10000, back.Area(), 1e-3)

	line, err := n.Decode(model.WKT("LINESTRING(0 0, 1 1)"))
	require.NoError(t, err)
	projected, err := n.ToFrame(line, model.CRSWGS84, utm30)
	require.NoError(t, err)
	assert.Nil(t, projected)
}

func TestNormalizerEnvelope(t *testing.T) {
	n := NewNormalizer(geos.NewContext())
	g, err := n.Decode(model.WKT(rect(0, 0, 100, 100)))
	require.NoError(t, err)

	env, err := n.Envelope(g, utm30, model.CRSWGS84)
	require.NoError(t, err)
	assert.Equal(t, model.CRSWGS84, env.CRS)
	assert.Less(t, env.MinX, env.MaxX)
	assert.Less(t, env.MinY, env.MaxY)
	assert.InDelta(t, -3.7, env.MinX, 0.05)
	assert.InDelta(t, 40.38, env.MinY, 0.05)
}
