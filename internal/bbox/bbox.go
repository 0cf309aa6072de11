// Package bbox implements the lon-lat rectangle utilities used by the
// compositor to normalise, expand and intersect request bounding boxes,
// ported from the original twms bbox.py.
package bbox

import "github.com/rkurbatov/twms/internal/tilemath"

// Bbox is an alias of tilemath.Bbox kept local so callers that only need
// bbox arithmetic don't have to import tilemath for the type.
type Bbox = tilemath.Bbox

// Point is an EPSG:4326 (lon, lat) pair.
type Point struct {
	Lon, Lat float64
}

// Normalize brings a bbox into (lonMin <= lonMax) order, wrapping a
// western edge below -180 by +360, and reports whether the latitude
// ordering was flipped (in which case the caller must vertically mirror
// the rendered output at the end, per spec.md §3).
func Normalize(b Bbox) (Bbox, bool) {
	for b[0] < -180.0 {
		b[0] += 360.0
		b[2] += 360.0
	}
	if b[0] > b[2] {
		b[2] += 360.0
	}
	flipH := false
	if b[1] > b[3] {
		flipH = true
		b[1], b[3] = b[3], b[1]
	}
	return b, flipH
}

// Add returns the smallest bbox containing both b1 and b2.
func Add(b1, b2 Bbox) Bbox {
	return Bbox{
		min(b1[0], b2[0]),
		min(b1[1], b2[1]),
		max(b1[2], b2[2]),
		max(b1[3], b2[3]),
	}
}

// ExpandToPoints grows b to contain every point in pts.
func ExpandToPoints(b Bbox, pts []Point) Bbox {
	for _, p := range pts {
		b = Add(b, Bbox{p.Lon, p.Lat, p.Lon, p.Lat})
	}
	return b
}

// Intersects reports whether two EPSG:4326 bboxes overlap. This is the
// "rectangles intersect" semantics spec.md §9 says to implement for the
// ambiguous `bbox_is_in(..., fully=false)` branch in the original source
// — the reachable early-return path in that function tests intersection,
// not containment, so that is what is implemented here.
func Intersects(a, b Bbox) bool {
	an, _ := Normalize(a)
	bn, _ := Normalize(b)
	if an[0] > bn[0] {
		an, bn = bn, an
	}
	if bn[0] > an[2] {
		return false
	}
	if an[1] > bn[1] {
		an, bn = bn, an
	}
	return bn[1] <= an[3]
}

// Contains reports whether outer fully contains inner.
func Contains(outer, inner Bbox) bool {
	on, _ := Normalize(outer)
	in, _ := Normalize(inner)
	return on[0] <= in[0] && on[2] >= in[2] && on[1] <= in[1] && on[3] >= in[3]
}
