// Package tilemath implements the closed-form projection transforms and
// slippy-map tile arithmetic used by the tile engine and compositor.
//
// Only the three projections the proxy is allowed to serve are supported
// (EPSG:4326, EPSG:3857, EPSG:3395); there is no general PROJ-style
// dispatch, by design (see SPEC_FULL.md §5 Non-goals).
package tilemath

import (
	"fmt"
	"math"
)

// Projection identifies one of the three supported spatial reference
// systems. EPSG:900913 and EPSG:3785 are aliases of EPSG:3857 and are
// resolved to it by ParseProjection.
type Projection string

const (
	EPSG4326 Projection = "EPSG:4326"
	EPSG3857 Projection = "EPSG:3857"
	EPSG3395 Projection = "EPSG:3395"
)

var aliases = map[Projection]Projection{
	"EPSG:900913": EPSG3857,
	"EPSG:3785":   EPSG3857,
}

// Bounds is the native lon/lat extent of a projection, beyond which the
// projection is not defined (e.g. the Mercator poles).
type Bounds struct {
	LonMin, LatMin, LonMax, LatMax float64
}

var bounds = map[Projection]Bounds{
	EPSG4326: {-180.0, -90.0, 180.0, 90.0},
	EPSG3395: {-180.0, -85.0840591556, 180.0, 85.0840590501},
	EPSG3857: {-180.0, -85.0511287798, 180.0, 85.0511287798},
}

// ParseProjection resolves an EPSG string (with aliases) to a supported
// Projection, or reports an error if the projection is not one of the
// three the engine implements.
func ParseProjection(srs string) (Projection, error) {
	p := Projection(srs)
	if alias, ok := aliases[p]; ok {
		p = alias
	}
	if _, ok := bounds[p]; !ok {
		return "", fmt.Errorf("tilemath: unsupported projection %q", srs)
	}
	return p, nil
}

// NativeBounds returns the projection's defined lon/lat extent.
func NativeBounds(p Projection) Bounds {
	return bounds[p]
}

// earthRadius is R = 20037508.342789244/π, the spherical-Mercator
// constant used by the 4326<->3857 closed-form transform.
const earthRadius = 20037508.342789244 / math.Pi

// mercatorEccentricity is the WGS84 first eccentricity used by the
// ellipsoidal-Mercator (EPSG:3395) series expansion.
const mercatorEccentricity = 0.0818191908426

// Point is a (x, y) pair; its meaning (lon/lat degrees or projected
// meters) depends on context.
type Point struct {
	X, Y float64
}

// To4326 converts a point expressed in projection p to EPSG:4326 lon/lat.
func To4326(pt Point, p Projection) (Point, error) {
	p, err := resolveAlias(p)
	if err != nil {
		return Point{}, err
	}
	switch p {
	case EPSG4326:
		return pt, nil
	case EPSG3857:
		lon := pt.X / 111319.49079327358
		lat := math.Atan(math.Sinh(pt.Y/earthRadius)) * 180 / math.Pi
		return Point{lon, lat}, nil
	case EPSG3395:
		return mercator3395To4326(pt), nil
	default:
		return Point{}, fmt.Errorf("tilemath: unsupported projection %q", p)
	}
}

// From4326 converts an EPSG:4326 lon/lat point to projection p.
func From4326(pt Point, p Projection) (Point, error) {
	p, err := resolveAlias(p)
	if err != nil {
		return Point{}, err
	}
	switch p {
	case EPSG4326:
		return pt, nil
	case EPSG3857:
		x := pt.X * 111319.49079327358
		latRad := pt.Y * math.Pi / 180
		y := math.Log(math.Tan(math.Pi/4+latRad/2)) * earthRadius
		return Point{x, y}, nil
	case EPSG3395:
		return mercator4326To3395(pt), nil
	default:
		return Point{}, fmt.Errorf("tilemath: unsupported projection %q", p)
	}
}

func resolveAlias(p Projection) (Projection, error) {
	if alias, ok := aliases[p]; ok {
		p = alias
	}
	if _, ok := bounds[p]; !ok {
		return "", fmt.Errorf("tilemath: unsupported projection %q", p)
	}
	return p, nil
}

// mercator4326To3395 implements the ellipsoidal Mercator forward series,
// ported from the closed-form expansion in the original twms
// projections.py (`_c4326t3395`).
func mercator4326To3395(pt Point) Point {
	const e = mercatorEccentricity
	latRad := pt.Y * math.Pi / 180
	tmp := math.Tan(math.Pi/4 + latRad/2)
	powTmp := math.Pow(math.Tan(math.Pi/4+math.Asin(e*math.Sin(latRad))/2), e)
	x := pt.X * 111319.49079327358
	y := 6378137.0 * math.Log(tmp/powTmp)
	return Point{x, y}
}

// mercator3395To4326 inverts the ellipsoidal Mercator series iteratively
// (<=15 iterations, tolerance 1e-7), as specified in spec.md §4.2.
func mercator3395To4326(pt Point) Point {
	const rMajor = 6378137.000
	const rMinorOverMajor = 6356752.3142 / 6378137.000
	es := 1.0 - rMinorOverMajor*rMinorOverMajor
	eccent := math.Sqrt(es)
	ts := math.Exp(-pt.Y / rMajor)
	const halfPi = math.Pi / 2
	eccnth := 0.5 * eccent
	phi := halfPi - 2.0*math.Atan(ts)
	const maxIter = 15
	const tol = 1e-7
	dphi := 0.1
	for i := 0; i < maxIter && math.Abs(dphi) > tol; i++ {
		con := eccent * math.Sin(phi)
		dphi = halfPi - 2.0*math.Atan(ts*math.Pow((1.0-con)/(1.0+con), eccnth)) - phi
		phi += dphi
	}
	lon := pt.X / 111319.49079327358
	return Point{lon, phi * 180 / math.Pi}
}
