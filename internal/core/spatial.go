package core

import (
	"affectation_service/internal/domain/model"
	"fmt"
	"math"
)

type ellipsoid struct {
	a float64 // semi-major axis, metres
	f float64 // flattening
}

var (
	grs80 = ellipsoid{a: 6378137, f: 1 / 298.257222101}
	wgs84 = ellipsoid{a: 6378137, f: 1 / 298.257223563}
)

const utmScale = 0.9996

// projection converts between a reference system and geographic lon/lat degrees.
type projection interface {
	forward(lon, lat float64) (x, y float64)
	inverse(x, y float64) (lon, lat float64)
}

type geographic struct{}

func (geographic) forward(lon, lat float64) (float64, float64) { return lon, lat }
func (geographic) inverse(x, y float64) (float64, float64)     { return x, y }

type webMercator struct{}

func (webMercator) forward(lon, lat float64) (float64, float64) {
	x := wgs84.a * lon * math.Pi / 180
	y := wgs84.a * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

func (webMercator) inverse(x, y float64) (float64, float64) {
	lon := x / wgs84.a * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/wgs84.a)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}

// transverseMercator implements the Snyder series (USGS PP 1395, §8),
// accurate to the millimetre inside a UTM zone.
type transverseMercator struct {
	ell           ellipsoid
	lon0          float64 // central meridian, degrees
	falseNorthing float64
}

func utm(ell ellipsoid, zone int, south bool) transverseMercator {
	tm := transverseMercator{ell: ell, lon0: float64(zone*6 - 183)}
	if south {
		tm.falseNorthing = 10000000
	}
	return tm
}

func (tm transverseMercator) params() (e2, ep2 float64) {
	e2 = tm.ell.f * (2 - tm.ell.f)
	return e2, e2 / (1 - e2)
}

func (tm transverseMercator) meridianArc(phi, e2 float64) float64 {
	e4 := e2 * e2
	e6 := e4 * e2
	return tm.ell.a * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

func (tm transverseMercator) forward(lon, lat float64) (float64, float64) {
	e2, ep2 := tm.params()
	phi := lat * math.Pi / 180
	sinPhi, cosPhi, tanPhi := math.Sin(phi), math.Cos(phi), math.Tan(phi)

	n := tm.ell.a / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := ep2 * cosPhi * cosPhi
	a := (lon - tm.lon0) * math.Pi / 180 * cosPhi
	m := tm.meridianArc(phi, e2)

	x := utmScale*n*(a+(1-t+c)*math.Pow(a, 3)/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120) + 500000
	y := utmScale*(m+n*tanPhi*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720)) + tm.falseNorthing
	return x, y
}

func (tm transverseMercator) inverse(x, y float64) (float64, float64) {
	e2, ep2 := tm.params()
	e4 := e2 * e2
	e6 := e4 * e2

	m := (y - tm.falseNorthing) / utmScale
	mu := m / (tm.ell.a * (1 - e2/4 - 3*e4/64 - 5*e6/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	phi1 := mu + (3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sin1, cos1, tan1 := math.Sin(phi1), math.Cos(phi1), math.Tan(phi1)
	c1 := ep2 * cos1 * cos1
	t1 := tan1 * tan1
	n1 := tm.ell.a / math.Sqrt(1-e2*sin1*sin1)
	r1 := tm.ell.a * (1 - e2) / math.Pow(1-e2*sin1*sin1, 1.5)
	d := (x - 500000) / (n1 * utmScale)

	phi := phi1 - (n1*tan1/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	lambda := (d - (1+2*t1+c1)*math.Pow(d, 3)/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120) / cos1

	return tm.lon0 + lambda*180/math.Pi, phi * 180 / math.Pi
}

func projectionFor(crs model.CRS) (projection, error) {
	code, err := crs.EPSG()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnsupportedCRS, err)
	}
	switch {
	case code == 4326 || code == 4258 || code == 4937 || code == 4979 || code == 4080 || code == 4081:
		return geographic{}, nil
	case code == 3857 || code == 900913 || code == 102100:
		return webMercator{}, nil
	case code >= 25828 && code <= 25838:
		return utm(grs80, code-25800, false), nil
	case code >= 3040 && code <= 3049:
		// ETRS89 / UTM 28N-37N (N-E)
		return utm(grs80, code-3012, false), nil
	case code == 4082 || code == 4083:
		// REGCAN95 / UTM 27N, 28N
		return utm(grs80, code-4055, false), nil
	case code >= 32601 && code <= 32660:
		return utm(wgs84, code-32600, false), nil
	case code >= 32701 && code <= 32760:
		return utm(wgs84, code-32700, true), nil
	}
	return nil, fmt.Errorf("%w: EPSG:%d", model.ErrUnsupportedCRS, code)
}

func utmZone(lon float64) int {
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone < 1 {
		return 1
	}
	if zone > 60 {
		return 60
	}
	return zone
}

// metricFrameFor picks the UTM frame for a location: ETRS89 inside the
// European extent (which covers the Canary Islands), WGS84 elsewhere.
func metricFrameFor(lon, lat float64) model.CRS {
	zone := utmZone(lon)
	switch {
	case lat >= 27 && lat <= 72 && zone >= 28 && zone <= 38:
		return model.EPSGCode(25800 + zone)
	case lat >= 0:
		return model.EPSGCode(32600 + zone)
	default:
		return model.EPSGCode(32700 + zone)
	}
}

type coordTransform func(x, y float64) (float64, float64)

// newCoordTransform returns nil when from and to describe the same frame.
func newCoordTransform(from, to model.CRS) (coordTransform, error) {
	if sameFrame(from, to) {
		return nil, nil
	}
	src, err := projectionFor(from)
	if err != nil {
		return nil, err
	}
	dst, err := projectionFor(to)
	if err != nil {
		return nil, err
	}
	if src == dst {
		return nil, nil
	}
	return func(x, y float64) (float64, float64) {
		lon, lat := src.inverse(x, y)
		return dst.forward(lon, lat)
	}, nil
}

func sameFrame(a, b model.CRS) bool {
	ca, err := a.EPSG()
	if err != nil {
		return false
	}
	cb, err := b.EPSG()
	return err == nil && ca == cb
}
