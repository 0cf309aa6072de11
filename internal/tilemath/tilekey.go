package tilemath

import "fmt"

// TileKey packs a zoom/x/y slippy-map tile into a uint64, bit-interleaving
// x and y MSB-first the way the teacher's tilerank-builder does for its
// external sort order. Containing tiles (shallower zoom) sort before the
// tiles nested inside them; otherwise it is an opaque identifier. The
// engine's LRU does not use it (it keys on its own struct).
type TileKey uint64

// MakeTileKey returns a TileKey for the given zoom/x/y tile coordinates.
// zoom is stored in the low 5 bits and must be at most 29, so that the
// 2*zoom interleaved bits stay clear of it.
func MakeTileKey(zoom uint8, x, y uint32) TileKey {
	val := uint64(zoom)
	shift := uint8(64 - 2*zoom)
	for bit := uint8(0); bit < zoom; bit++ {
		xm := uint64((x>>bit)&1) << shift
		ym := uint64((y>>bit)&1) << (shift + 1)
		val |= xm | ym
		shift += 2
	}
	return TileKey(val)
}

// ZoomXY unpacks a TileKey back into its zoom/x/y coordinates.
func (t TileKey) ZoomXY() (zoom uint8, x, y uint32) {
	val := uint64(t)
	zoom = uint8(val) & 0x1f
	shift := uint8(64 - 2*zoom)
	for bit := uint8(0); bit < zoom; bit++ {
		x |= (uint32(val>>shift) & 1) << bit
		y |= (uint32(val>>(shift+1)) & 1) << bit
		shift += 2
	}
	return zoom, x, y
}

func (t TileKey) String() string {
	z, x, y := t.ZoomXY()
	return fmt.Sprintf("%d/%d/%d", z, x, y)
}

// Quadkey returns the Bing quadkey string for tile (z, x, y), MSB-first.
// zoom 0 yields the empty string; there is exactly one tile at zoom 0 and
// it has no addressable quadkey digits.
func Quadkey(z uint8, x, y uint32) string {
	digits := make([]byte, z)
	for i := uint8(0); i < z; i++ {
		bit := z - i
		mask := uint32(1) << (bit - 1)
		digit := byte('0')
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		digits[i] = digit
	}
	return string(digits)
}

// TMSInvertedY returns the OSGeo-TMS-style inverted Y coordinate for a
// tile at zoom z, i.e. 2^z - y - 1, as used by the `{-y}` remote-template
// placeholder (spec.md §6.1).
func TMSInvertedY(z uint8, y uint32) uint32 {
	n := uint32(1) << z
	return n - y - 1
}
