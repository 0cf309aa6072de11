package tilemath

import "math"

// Bbox is an EPSG:4326 rectangle (lonMin, latMin, lonMax, latMax).
type Bbox [4]float64

// CoordsByTile returns the EPSG:4326 coordinates of the tile's top-left
// (north-west) corner, for the (z, x, y) tile of the given projection's
// slippy-map pyramid. Ported from the original twms `coords_by_tile`.
func CoordsByTile(z uint8, x, y int64, p Projection) (Point, error) {
	projBounds, err := projectedBounds(p)
	if err != nil {
		return Point{}, err
	}
	n := math.Pow(2, float64(z))
	normX := float64(x) / n
	normY := 1.0 - float64(y)/n
	maxX := projBounds[2] - projBounds[0]
	maxY := projBounds[3] - projBounds[1]
	projected := Point{
		X: normX*maxX + projBounds[0],
		Y: normY*maxY + projBounds[1],
	}
	return To4326(projected, p)
}

// BboxByTile returns the EPSG:4326 bbox covered by tile (z, x, y) in the
// given projection.
func BboxByTile(z uint8, x, y int64, p Projection) (Bbox, error) {
	a, err := CoordsByTile(z, x, y, p)
	if err != nil {
		return Bbox{}, err
	}
	b, err := CoordsByTile(z, x+1, y+1, p)
	if err != nil {
		return Bbox{}, err
	}
	return Bbox{a.X, b.Y, b.X, a.Y}, nil
}

// TileByCoords returns the fractional tile coordinates of an EPSG:4326
// point at the given zoom level and projection. The integer part is the
// tile index; the fractional part is the sub-tile offset (×256 for
// pixels).
func TileByCoords(pt Point, z uint8, p Projection) (float64, float64, error) {
	projBounds, err := projectedBounds(p)
	if err != nil {
		return 0, 0, err
	}
	projected, err := From4326(pt, p)
	if err != nil {
		return 0, 0, err
	}
	px := projected.X - projBounds[0]
	py := projected.Y - projBounds[1]
	maxX := projBounds[2] - projBounds[0]
	maxY := projBounds[3] - projBounds[1]
	normX := px / maxX
	normY := py / maxY
	n := math.Pow(2, float64(z))
	return normX * n, (1 - normY) * n, nil
}

// TileByBbox converts an EPSG:4326 bbox to fractional tile coordinates
// (fx, fy, tx, ty) at the given zoom/projection, wrapping the right edge
// across the antimeridian if it numerically precedes the left edge.
func TileByBbox(bbox Bbox, z uint8, p Projection) (fx, fy, tx, ty float64, err error) {
	a1, a2, err := TileByCoords(Point{bbox[0], bbox[1]}, z, p)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	b1, b2, err := TileByCoords(Point{bbox[2], bbox[3]}, z, p)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if b1 < a1 {
		b1 += math.Pow(2, float64(z)-1)
	}
	return a1, a2, b1, b2, nil
}

// defaultMaxSize is the original twms `zoom_for_bbox`'s fallback cap on
// the tile grid's pixel extent when the caller has no opinion.
const defaultMaxSize = 10000

// ZoomForBbox returns the smallest zoom in [minZoom, maxZoom) whose tile
// grid covering bbox reaches at least 90% of the requested size (or half
// of maxSize); if none qualifies, it returns maxZoom. Ported from
// twms bbox.py `zoom_for_bbox`.
func ZoomForBbox(bbox Bbox, size [2]int, p Projection, minZoom, maxZoom uint8, maxSize [2]int) uint8 {
	h, w := size[0], size[1]
	if maxSize[0] == 0 {
		maxSize[0] = defaultMaxSize
	}
	if maxSize[1] == 0 {
		maxSize[1] = defaultMaxSize
	}
	for z := minZoom; z < maxZoom; z++ {
		fx, fy, tx, ty, err := TileByBbox(bbox, z, p)
		if err != nil {
			continue
		}
		if w != 0 && (tx-fx)*256 >= float64(w)*0.9 {
			return z
		}
		if h != 0 && (fy-ty)*256 >= float64(h)*0.9 {
			return z
		}
		if (fy-ty)*256 >= float64(maxSize[0])/2 {
			return z
		}
		if (tx-fx)*256 >= float64(maxSize[1])/2 {
			return z
		}
	}
	return maxZoom
}

func projectedBounds(p Projection) (Bbox, error) {
	resolved, err := resolveAlias(p)
	if err != nil {
		return Bbox{}, err
	}
	b := bounds[resolved]
	min, err := From4326(Point{b.LonMin, b.LatMin}, resolved)
	if err != nil {
		return Bbox{}, err
	}
	max, err := From4326(Point{b.LonMax, b.LatMax}, resolved)
	if err != nil {
		return Bbox{}, err
	}
	return Bbox{min.X, min.Y, max.X, max.Y}, nil
}

// WrapX reduces a tile's X coordinate modulo the number of columns at
// zoom z, handling the antimeridian silently as spec.md §3 requires.
func WrapX(x int64, z uint8) int64 {
	n := int64(1) << z
	x %= n
	if x < 0 {
		x += n
	}
	return x
}

// ValidY reports whether y is a valid row index at zoom z (0 <= y < 2^z).
func ValidY(y int64, z uint8) bool {
	if z == 0 {
		return y == 0
	}
	n := int64(1) << z
	return y >= 0 && y < n
}
