// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rkurbatov/twms/internal/compositor"
	"github.com/rkurbatov/twms/internal/engine"
	"github.com/rkurbatov/twms/internal/fetcher"
	"github.com/rkurbatov/twms/internal/httpsession"
	"github.com/rkurbatov/twms/internal/layer"
	"github.com/rkurbatov/twms/internal/tilecache"
	"github.com/rkurbatov/twms/internal/tilemath"
)

func newTestServer(t *testing.T) (*server, *tilecache.Cache) {
	t.Helper()
	dir := t.TempDir()
	cache := tilecache.New(dir)

	l := &layer.Layer{
		ID:         "osm",
		Mimetype:   "image/png",
		Projection: tilemath.Projection("EPSG:3857"),
		MinZoom:    0,
		MaxZoom:    19,
		EmptyColor: layer.Color{R: 255, G: 255, B: 255, A: 255},
		Workers:    1,
	}
	layers := map[string]*layer.Layer{"osm": l}
	fetchers := map[string]*fetcher.Fetcher{
		"osm": fetcher.New(l, httpsession.New(), cache, nil),
	}
	eng := engine.New(layers, fetchers, 64)
	comp := compositor.New(eng, cache, layers)
	return &server{compositor: comp, layers: layers, cache: cache}, cache
}

func pngBytes() []byte {
	// A minimal valid 1x1 PNG, used as stand-in cached tile content.
	return []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
		0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
		0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
		0x42, 0x60, 0x82,
	}
}

func TestHandleTMSCacheHit(t *testing.T) {
	srv, cache := newTestServer(t)
	if err := cache.Write("osm", 10, 512, 340, "png", tilecache.KindFetched, pngBytes()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tiles/osm/10/512/340.png", nil)
	w := httptest.NewRecorder()
	srv.HandleTMS(w, req)

	res := w.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", res.StatusCode)
	}
	if got := res.Header.Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", got)
	}
}

func TestHandleTMSCacheMissIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tiles/osm/10/512/340.png", nil)
	w := httptest.NewRecorder()
	srv.HandleTMS(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("want 404 on cache miss, got %d", w.Result().StatusCode)
	}
}

func TestHandleTMSUnknownLayer(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tiles/nope/10/512/340.png", nil)
	w := httptest.NewRecorder()
	srv.HandleTMS(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("want 404 for unknown layer, got %d", w.Result().StatusCode)
	}
}

func TestHandleWMSGetMapCacheHit(t *testing.T) {
	srv, cache := newTestServer(t)
	if err := cache.Write("osm", 10, 512, 340, "png", tilecache.KindFetched, pngBytes()); err != nil {
		t.Fatal(err)
	}
	bbox, err := tilemath.BboxByTile(10, 512, 340, tilemath.Projection("EPSG:3857"))
	if err != nil {
		t.Fatal(err)
	}

	url := fmt.Sprintf("/wms?request=GetMap&layers=osm&srs=EPSG:3857&bbox=%g,%g,%g,%g&width=256&height=256&format=image/png",
		bbox[0], bbox[1], bbox[2], bbox[3])
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	srv.HandleWMS(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Result().StatusCode)
	}
}

func TestHandleWMSGetTileByCoordinate(t *testing.T) {
	srv, cache := newTestServer(t)
	if err := cache.Write("osm", 10, 512, 340, "png", tilecache.KindFetched, pngBytes()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/wms?request=GetTile&layers=osm&srs=EPSG:3857&z=10&x=512&y=340&format=image/png", nil)
	w := httptest.NewRecorder()
	srv.HandleWMS(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Result().StatusCode)
	}
}

func TestHandleWMSGetTileMissingCoordinateIs400(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/wms?request=GetTile&layers=osm", nil)
	w := httptest.NewRecorder()
	srv.HandleWMS(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("want 400 when neither bbox nor z/x/y is given, got %d", w.Result().StatusCode)
	}
}

func TestHandleWMSUnknownLayer(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/wms?request=GetMap&layers=bogus&bbox=0,0,1,1&width=256&height=256", nil)
	w := httptest.NewRecorder()
	srv.HandleWMS(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("want 404 for unknown layer, got %d", w.Result().StatusCode)
	}
}

func TestHandleWMSGetCapabilities(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/wms?request=GetCapabilities", nil)
	w := httptest.NewRecorder()
	srv.HandleWMS(w, req)

	res := w.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", res.StatusCode)
	}
	if got := res.Header.Get("Content-Type"); got != "application/xml" {
		t.Errorf("Content-Type = %q, want application/xml", got)
	}
}

func TestHandleRobotsTxt(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/robots.txt", nil)
	w := httptest.NewRecorder()
	srv.HandleRobotsTxt(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Result().StatusCode)
	}
	if got := w.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
}
