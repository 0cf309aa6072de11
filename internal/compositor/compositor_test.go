package compositor

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rkurbatov/twms/internal/engine"
	"github.com/rkurbatov/twms/internal/fetcher"
	"github.com/rkurbatov/twms/internal/httpsession"
	"github.com/rkurbatov/twms/internal/layer"
	"github.com/rkurbatov/twms/internal/tilecache"
	"github.com/rkurbatov/twms/internal/tilemath"
)

func pngTile(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestCompositor(t *testing.T) (*Compositor, *layer.Layer, *tilecache.Cache) {
	c, l, cache, _ := newTestCompositorCountingRequests(t)
	return c, l, cache
}

func newTestCompositorCountingRequests(t *testing.T) (*Compositor, *layer.Layer, *tilecache.Cache, *int) {
	t.Helper()
	body := pngTile(t, color.RGBA{10, 20, 30, 255})
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	l := &layer.Layer{
		ID:             "sat",
		Mimetype:       "image/png",
		Projection:     tilemath.EPSG3857,
		MaxZoom:        18,
		RemoteTemplate: srv.URL + "/{z}/{x}/{y}.png",
		Workers:        2,
	}
	cache := tilecache.New(t.TempDir())
	f := fetcher.New(l, httpsession.New(httpsession.WithRetry(1, 0, 1)), cache, nil)
	layers := map[string]*layer.Layer{"sat": l}
	eng := engine.New(layers, map[string]*fetcher.Fetcher{"sat": f}, 64)
	return New(eng, cache, layers), l, cache, &requests
}

func TestOutputSizeDefaults(t *testing.T) {
	w, h := outputSize([2]int{0, 0}, 256, 256)
	if w != 350 || h != 350 {
		t.Errorf("outputSize default = %d,%d, want 350,350", w, h)
	}
}

func TestOutputSizePreservesAspect(t *testing.T) {
	w, h := outputSize([2]int{0, 200}, 256, 512)
	if w != 200 {
		t.Errorf("w = %d, want 200", w)
	}
	if h != 400 {
		t.Errorf("h = %d, want 400 (aspect preserved)", h)
	}
}

func TestRenderProducesEncodedImage(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	req := Request{
		Bbox:       tilemath.Bbox{30, 50, 31, 51},
		Size:       [2]int{256, 256},
		Projection: tilemath.EPSG4326,
		LayerIDs:   []string{"sat"},
		Mimetype:   "image/png",
	}
	data, mimetype, err := c.Render(req)
	if err != nil {
		t.Fatal(err)
	}
	if mimetype != "image/png" {
		t.Errorf("mimetype = %q, want image/png", mimetype)
	}
	if len(data) == 0 {
		t.Error("expected non-empty encoded image")
	}
}

func TestRenderUnknownLayerErrors(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	req := Request{
		Bbox:       tilemath.Bbox{30, 50, 31, 51},
		Size:       [2]int{256, 256},
		Projection: tilemath.EPSG4326,
		LayerIDs:   []string{"bogus"},
	}
	if _, _, err := c.Render(req); err == nil {
		t.Error("expected an error for an unknown layer")
	}
}

func TestTMSFastPathServesCachedBytesDirectly(t *testing.T) {
	c, l, cache := newTestCompositor(t)
	want := pngTile(t, color.RGBA{1, 2, 3, 255})
	if err := cache.Write(l.ID, 4, 9, 5, "png", tilecache.KindFetched, want); err != nil {
		t.Fatal(err)
	}
	bb, err := tilemath.BboxByTile(4, 9, 5, tilemath.EPSG3857)
	if err != nil {
		t.Fatal(err)
	}
	req := Request{
		Bbox:       bb,
		Size:       [2]int{256, 256},
		Projection: tilemath.EPSG3857,
		LayerIDs:   []string{"sat"},
		Mimetype:   "image/png",
	}
	data, _, err := c.Render(req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, want) {
		t.Error("expected TMS fast path to return cached bytes verbatim")
	}
}

func TestResponseCacheSkipsSecondRender(t *testing.T) {
	c, l, _, requests := newTestCompositorCountingRequests(t)
	l.ResponseCacheable = true
	req := Request{
		Bbox:       tilemath.Bbox{30, 50, 31.5, 51.5},
		Size:       [2]int{300, 300},
		Projection: tilemath.EPSG4326,
		LayerIDs:   []string{"sat"},
		Mimetype:   "image/png",
	}

	first, _, err := c.Render(req)
	if err != nil {
		t.Fatal(err)
	}
	firstRequests := *requests
	if firstRequests == 0 {
		t.Fatal("expected the first render to hit the upstream server")
	}

	second, _, err := c.Render(req)
	if err != nil {
		t.Fatal(err)
	}
	if *requests != firstRequests {
		t.Errorf("expected no new upstream requests on a repeated request shape, got %d more", *requests-firstRequests)
	}
	if !bytes.Equal(first, second) {
		t.Error("expected the cached response to match the original render")
	}
}

func TestResponseCacheNotUsedWhenDisabled(t *testing.T) {
	c, _, _, _ := newTestCompositorCountingRequests(t)
	req := Request{
		Bbox:       tilemath.Bbox{30, 50, 31.5, 51.5},
		Size:       [2]int{300, 300},
		Projection: tilemath.EPSG4326,
		LayerIDs:   []string{"sat"},
		Mimetype:   "image/png",
	}

	if _, _, err := c.Render(req); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Render(req); err != nil {
		t.Fatal(err)
	}
	if n := len(c.respMap); n != 0 {
		t.Errorf("expected no response cache entries when ResponseCacheable is unset, got %d", n)
	}
}
