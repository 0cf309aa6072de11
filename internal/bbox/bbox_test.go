package bbox

import "testing"

func TestNormalizeWrapsWest(t *testing.T) {
	got, flip := Normalize(Bbox{-200, 0, -190, 10})
	want := Bbox{160, 0, 170, 10}
	if got != want {
		t.Errorf("Normalize = %+v, want %+v", got, want)
	}
	if flip {
		t.Error("did not expect latitude flip")
	}
}

func TestNormalizeAntimeridian(t *testing.T) {
	got, _ := Normalize(Bbox{170, 0, -170, 10})
	if got[2] <= got[0] {
		t.Errorf("expected lonMax > lonMin after antimeridian wrap, got %+v", got)
	}
}

func TestNormalizeFlipsLatitude(t *testing.T) {
	_, flip := Normalize(Bbox{0, 10, 10, 0})
	if !flip {
		t.Error("expected latitude flip to be reported")
	}
}

func TestIntersects(t *testing.T) {
	a := Bbox{0, 0, 10, 10}
	b := Bbox{5, 5, 15, 15}
	if !Intersects(a, b) {
		t.Error("expected overlapping bboxes to intersect")
	}
	c := Bbox{20, 20, 30, 30}
	if Intersects(a, c) {
		t.Error("expected disjoint bboxes to not intersect")
	}
}

func TestContains(t *testing.T) {
	outer := Bbox{0, 0, 10, 10}
	inner := Bbox{2, 2, 8, 8}
	if !Contains(outer, inner) {
		t.Error("expected outer to contain inner")
	}
	if Contains(inner, outer) {
		t.Error("did not expect inner to contain outer")
	}
}

func TestAdd(t *testing.T) {
	got := Add(Bbox{0, 0, 5, 5}, Bbox{-5, -5, 2, 2})
	want := Bbox{-5, -5, 5, 5}
	if got != want {
		t.Errorf("Add = %+v, want %+v", got, want)
	}
}
