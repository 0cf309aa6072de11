package tilemath

import (
	"math"
	"testing"
)

func TestQuadkeyVectors(t *testing.T) {
	cases := []struct {
		z       uint8
		x, y    uint32
		want    string
	}{
		{1, 0, 0, "0"},
		{4, 9, 5, "1203"},
		{16, 38354, 20861, "1203010313232212"},
	}
	for _, c := range cases {
		got := Quadkey(c.z, c.x, c.y)
		if got != c.want {
			t.Errorf("Quadkey(%d,%d,%d) = %q, want %q", c.z, c.x, c.y, got, c.want)
		}
	}
}

func TestTMSInvertedY(t *testing.T) {
	if got := TMSInvertedY(3, 0); got != 7 {
		t.Errorf("TMSInvertedY(3,0) = %d, want 7", got)
	}
	if got := TMSInvertedY(3, 7); got != 0 {
		t.Errorf("TMSInvertedY(3,7) = %d, want 0", got)
	}
}

func TestTileKeyRoundTrip(t *testing.T) {
	for z := uint8(0); z < 20; z++ {
		n := uint32(1) << z
		xs := []uint32{0, n / 3, n - 1}
		for _, x := range xs {
			for _, y := range xs {
				k := MakeTileKey(z, x%max(n, 1), y%max(n, 1))
				gz, gx, gy := k.ZoomXY()
				if gz != z || gx != x%max(n, 1) || gy != y%max(n, 1) {
					t.Fatalf("round trip z=%d x=%d y=%d -> %d/%d/%d", z, x, y, gz, gx, gy)
				}
			}
		}
	}
}

func TestCoordsByTileRoundTrip(t *testing.T) {
	z := uint8(4)
	var x, y int64 = 9, 5
	pt, err := CoordsByTile(z, x, y, EPSG3857)
	if err != nil {
		t.Fatal(err)
	}
	fx, fy, err := TileByCoords(Point{pt.X, pt.Y}, z, EPSG3857)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(fx-float64(x)) > 1e-6 || math.Abs(fy-float64(y)) > 1e-6 {
		t.Errorf("round trip mismatch: got fx=%.6f fy=%.6f, want %d,%d", fx, fy, x, y)
	}
}

func TestWrapX(t *testing.T) {
	if got := WrapX(-1, 3); got != 7 {
		t.Errorf("WrapX(-1,3) = %d, want 7", got)
	}
	if got := WrapX(8, 3); got != 0 {
		t.Errorf("WrapX(8,3) = %d, want 0", got)
	}
}

func TestValidY(t *testing.T) {
	if !ValidY(0, 0) {
		t.Error("ValidY(0,0) should be true")
	}
	if ValidY(1, 0) {
		t.Error("ValidY(1,0) should be false")
	}
	if !ValidY(3, 2) {
		t.Error("ValidY(3,2) should be true (n=4)")
	}
	if ValidY(4, 2) {
		t.Error("ValidY(4,2) should be false (n=4)")
	}
}

func TestZoomForBboxReturnsMaxWhenNoneQualify(t *testing.T) {
	bbox := Bbox{0, 0, 0.0001, 0.0001}
	z := ZoomForBbox(bbox, [2]int{0, 0}, EPSG4326, 0, 18, [2]int{0, 0})
	if z != 18 {
		t.Errorf("ZoomForBbox with zero size hints = %d, want fallback maxZoom 18", z)
	}
}
