package fetcher

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rkurbatov/twms/internal/httpsession"
	"github.com/rkurbatov/twms/internal/layer"
	"github.com/rkurbatov/twms/internal/tilecache"
	"github.com/rkurbatov/twms/internal/tilemath"
)

func pngTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{10, 20, 30, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testLayer(remote string) *layer.Layer {
	return &layer.Layer{
		ID:             "sat",
		Mimetype:       "image/png",
		Projection:     tilemath.EPSG3857,
		MaxZoom:        18,
		RemoteTemplate: remote + "/{z}/{x}/{y}.png",
		Workers:        2,
	}
}

func TestFetchSuccessWritesCache(t *testing.T) {
	body := pngTile(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	cache := tilecache.New(t.TempDir())
	f := New(testLayer(srv.URL), httpsession.New(httpsession.WithRetry(1, 0, 1)), cache, nil)

	res, err := f.Fetch(4, 9, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected a non-nil result")
	}
	if !cache.Exists("sat", 4, 9, 5, "png") {
		t.Error("expected fetch to persist the tile to cache")
	}
}

func TestFetch404WritesTNE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := tilecache.New(t.TempDir())
	f := New(testLayer(srv.URL), httpsession.New(httpsession.WithRetry(1, 0, 1)), cache, nil)

	res, err := f.Fetch(4, 9, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Error("expected nil result for a 404")
	}
	_, kind, err := cache.Read("sat", 4, 9, 5, "png")
	if err == nil || kind != tilecache.KindTNE {
		t.Errorf("expected a TNE marker, got kind=%v err=%v", kind, err)
	}
}

func TestFetch403DoesNotWriteTNE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cache := tilecache.New(t.TempDir())
	f := New(testLayer(srv.URL), httpsession.New(httpsession.WithRetry(1, 0, 1)), cache, nil)

	res, err := f.Fetch(4, 9, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Error("expected nil result for a 403")
	}
	if cache.Exists("sat", 4, 9, 5, "png") {
		t.Error("403 must not be recorded as a TNE")
	}
}

func TestFetchOutOfZoomRangeSkipsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	l := testLayer(srv.URL)
	l.MinZoom = 5
	cache := tilecache.New(t.TempDir())
	f := New(l, httpsession.New(httpsession.WithRetry(1, 0, 1)), cache, nil)

	res, err := f.Fetch(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Error("expected nil result below min_zoom")
	}
	if called {
		t.Error("expected no network call below min_zoom")
	}
}

func TestFetchReadsExistingCacheWithoutNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	cache := tilecache.New(t.TempDir())
	if err := cache.Write("sat", 4, 9, 5, "png", tilecache.KindFetched, pngTile(t)); err != nil {
		t.Fatal(err)
	}
	f := New(testLayer(srv.URL), httpsession.New(httpsession.WithRetry(1, 0, 1)), cache, nil)

	res, err := f.Fetch(4, 9, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected cached result")
	}
	if called {
		t.Error("expected no network call when the cache already has the tile")
	}
}
