// Package compositor implements component G: it turns a bbox/size/layer
// request into a single composited raster, handling multi-layer overlay
// blending, the TMS serve-if-cached fast path, and the optional quad
// perspective warp for requests whose projected footprint is not
// axis-aligned to the output canvas. Grounded on the original source's
// ImageryHandler.getimg and the main handler's per-layer blend loop, and
// on the teacher's use of github.com/fogleman/gg for canvas assembly.
package compositor

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/rkurbatov/twms/internal/bbox"
	"github.com/rkurbatov/twms/internal/engine"
	"github.com/rkurbatov/twms/internal/imagecodec"
	"github.com/rkurbatov/twms/internal/layer"
	"github.com/rkurbatov/twms/internal/metrics"
	"github.com/rkurbatov/twms/internal/tilecache"
	"github.com/rkurbatov/twms/internal/tilemath"
)

// ForceFlags are the request-level overrides spec.md §4.5 names.
type ForceFlags struct {
	NoBlend   bool
	NoResize  bool
	NoCorrect bool
}

// Request describes one render() call.
type Request struct {
	Bbox       tilemath.Bbox
	Size       [2]int // height, width
	Projection tilemath.Projection
	LayerIDs   []string
	Force      ForceFlags
	Mimetype   string
	MaxSize    [2]int
}

// Compositor renders composited tile imagery for a set of configured
// layers, using an Engine to resolve individual tiles and a Cache to
// serve the TMS fast path without going through the Engine at all.
type Compositor struct {
	engine   *engine.Engine
	cache    *tilecache.Cache
	layers   map[string]*layer.Layer
	respMu   sync.Mutex
	respMap  map[string]renderedResponse
	respKeys []string
}

// responseCacheCapacity bounds the second-level composited-response cache
// (one entry per distinct request shape), the same insertion-order
// eviction as the Tile Engine's in-RAM LRU.
const responseCacheCapacity = 256

type renderedResponse struct {
	data     []byte
	mimetype string
}

// New returns a Compositor over the engine's layer set.
func New(eng *engine.Engine, cache *tilecache.Cache, layers map[string]*layer.Layer) *Compositor {
	return &Compositor{
		engine:  eng,
		cache:   cache,
		layers:  layers,
		respMap: make(map[string]renderedResponse),
	}
}

// Render implements spec.md §4.5 steps 1-10, returning the encoded bytes
// and the mimetype actually produced (== req.Mimetype unless it was
// empty, in which case image/jpeg is assumed).
func (c *Compositor) Render(req Request) ([]byte, string, error) {
	start := time.Now()
	defer func() { metrics.RenderDuration.Observe(time.Since(start).Seconds()) }()

	if len(req.LayerIDs) == 0 {
		return nil, "", fmt.Errorf("compositor: no layers requested")
	}
	mimetype := req.Mimetype
	if mimetype == "" {
		mimetype = "image/jpeg"
	}

	if data, ok, err := c.tmsFastPath(req, mimetype); err != nil {
		return nil, "", err
	} else if ok {
		return data, mimetype, nil
	}

	firstLayer, ok := c.layers[req.LayerIDs[0]]
	if !ok {
		return nil, "", fmt.Errorf("compositor: unknown layer %q", req.LayerIDs[0])
	}

	cacheable := firstLayer.ResponseCacheable
	var respKey string
	if cacheable {
		respKey = responseKey(req, mimetype)
		if resp, ok := c.responseCacheGet(respKey); ok {
			metrics.ResponseCacheLookups.WithLabelValues("hit").Inc()
			return resp.data, resp.mimetype, nil
		}
		metrics.ResponseCacheLookups.WithLabelValues("miss").Inc()
	}

	normBbox, flipH := bbox.Normalize(req.Bbox)

	corners := fourCorners(normBbox)
	expanded := bbox.ExpandToPoints(normBbox, corners)

	z := tilemath.ZoomForBbox(expanded, req.Size, req.Projection, firstLayer.MinZoom, firstLayer.MaxZoom, req.MaxSize)

	fx, fy, tx, ty, err := tilemath.TileByBbox(expanded, z, req.Projection)
	if err != nil {
		return nil, "", err
	}
	ix0, iy0 := int(math.Floor(fx)), int(math.Floor(ty))
	ix1, iy1 := int(math.Floor(tx)), int(math.Floor(fy))
	if ix1 < ix0 {
		ix1 = ix0
	}
	if iy1 < iy0 {
		iy1 = iy0
	}
	cols := ix1 - ix0 + 1
	rows := iy1 - iy0 + 1

	var composed image.Image
	for i, layerID := range req.LayerIDs {
		l, ok := c.layers[layerID]
		if !ok {
			continue
		}
		layerImg, err := c.renderLayer(l, z, ix0, iy0, cols, rows)
		if err != nil {
			return nil, "", err
		}

		cropOffX := int((fx - math.Floor(fx)) * 256)
		cropOffY := int((ty - math.Floor(ty)) * 256)
		cropW := int((tx - fx) * 256)
		cropH := int((fy - ty) * 256)
		if cropW <= 0 {
			cropW = layerImg.Bounds().Dx() - cropOffX
		}
		if cropH <= 0 {
			cropH = layerImg.Bounds().Dy() - cropOffY
		}
		cropped := cropImage(layerImg, cropOffX, cropOffY, cropW, cropH)

		w, h := outputSize(req.Size, cropped.Bounds().Dx(), cropped.Bounds().Dy())
		var resized *image.RGBA
		if !req.Force.NoResize {
			resized = resizeBilinear(cropped, w, h)
		} else {
			resized = toRGBACopy(cropped)
		}

		corrector := l.Corrector
		if corrector == nil {
			corrector = layer.IdentityCorrection
		}
		correctedCorners := make([]bbox.Point, len(corners))
		for ci, pt := range corners {
			lon, lat := corrector(pt.Lon, pt.Lat)
			correctedCorners[ci] = bbox.Point{Lon: lon, Lat: lat}
		}
		if !req.Force.NoCorrect && isQuadrilateral(corners, correctedCorners) {
			resized = warpQuad(resized, correctedCorners, normBbox)
		}

		if i > 0 && l.Overlay && l.EmptyColor != (layer.Color{}) {
			alphaZeroNear(resized, l.EmptyColor, l.EmptyColorDelta)
		}

		if i == 0 {
			composed = resized
		} else {
			composed = blend(composed, resized, req.Force.NoBlend)
		}
	}

	final := toRGBACopy(composed)
	if flipH {
		final = flipVertical(final)
	}

	data, err := imagecodec.Encode(final, mimetype, imagecodec.EncodeOptions{
		JPEGQuality: firstLayer.JPEGQuality,
		Progressive: firstLayer.Progressive,
		PNGOptimize: firstLayer.PNGOptimize,
	})
	if err != nil {
		return nil, "", err
	}
	if cacheable {
		c.responseCachePut(respKey, renderedResponse{data: data, mimetype: mimetype})
	}
	return data, mimetype, nil
}

// responseKey identifies a request's exact shape for the second-level
// composited-response cache: same srs, layers, force flags, size, format
// and bbox always produce the same bytes.
func responseKey(req Request, mimetype string) string {
	return fmt.Sprintf("%s|%s|%v|%dx%d|%s|%g,%g,%g,%g",
		req.Projection, strings.Join(req.LayerIDs, ","), req.Force,
		req.Size[0], req.Size[1], mimetype,
		req.Bbox[0], req.Bbox[1], req.Bbox[2], req.Bbox[3])
}

func (c *Compositor) responseCacheGet(key string) (renderedResponse, bool) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	resp, ok := c.respMap[key]
	return resp, ok
}

func (c *Compositor) responseCachePut(key string, resp renderedResponse) {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if _, exists := c.respMap[key]; exists {
		c.respMap[key] = resp
		return
	}
	c.respMap[key] = resp
	c.respKeys = append(c.respKeys, key)
	if len(c.respKeys) > responseCacheCapacity {
		oldest := c.respKeys[0]
		c.respKeys = c.respKeys[1:]
		delete(c.respMap, oldest)
	}
}

// renderLayer assembles the tile grid [ix0..ix0+cols)x[iy0..iy0+rows) for
// one layer into a single canvas, painting empty_color where the Engine
// returns no tile (spec.md §4.5 step 5). Grid cells are resolved
// concurrently, bounded the way the teacher's cmd/tilerank-builder/tilelogs.go
// fans out per-shard work with errgroup.
func (c *Compositor) renderLayer(l *layer.Layer, z uint8, ix0, iy0, cols, rows int) (image.Image, error) {
	tiles := make([]imagecodec.Image, cols*rows)
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(8)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			row, col := row, col
			g.Go(func() error {
				x := tilemath.WrapX(int64(ix0+col), z)
				y := int64(iy0 + row)
				if tilemath.ValidY(y, z) {
					img, err := c.engine.TileImage(l.ID, z, uint32(x), uint32(y), true, true)
					if err != nil {
						return err
					}
					tiles[row*cols+col] = img
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dc := gg.NewContext(256*cols, 256*rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			tileImg := tiles[row*cols+col]
			if tileImg == nil {
				tileImg = engine.EmptyTile(l.EmptyColor)
			}
			dc.DrawImage(tileImg, col*256, row*256)
		}
	}
	return dc.Image(), nil
}

func (c *Compositor) tmsFastPath(req Request, mimetype string) ([]byte, bool, error) {
	if len(req.LayerIDs) != 1 || req.Size != [2]int{256, 256} {
		return nil, false, nil
	}
	l, ok := c.layers[req.LayerIDs[0]]
	if !ok || l.Projection != req.Projection || l.CacheTTL != nil {
		return nil, false, nil
	}
	if req.Force != (ForceFlags{}) {
		return nil, false, nil
	}
	z := tilemath.ZoomForBbox(req.Bbox, req.Size, req.Projection, l.MinZoom, l.MaxZoom, req.MaxSize)
	fx, _, _, ty, err := tilemath.TileByBbox(req.Bbox, z, req.Projection)
	if err != nil {
		return nil, false, err
	}
	x := uint32(math.Floor(fx))
	y := uint32(math.Floor(ty))
	extStr := imagecodec.ExtForMimetype(l.Mimetype)
	data, kind, err := c.cache.Read(l.ID, z, x, y, extStr)
	if err != nil {
		return nil, false, nil
	}
	if kind == tilecache.KindTNE {
		return nil, false, nil
	}
	return data, true, nil
}

func fourCorners(b tilemath.Bbox) []bbox.Point {
	return []bbox.Point{
		{Lon: b[0], Lat: b[1]},
		{Lon: b[2], Lat: b[1]},
		{Lon: b[2], Lat: b[3]},
		{Lon: b[0], Lat: b[3]},
	}
}

// quadEpsilonDeg is how far a corrected corner must move from its
// uncorrected position, in degrees, before the canvas is treated as a
// true quadrilateral rather than the rectangle a straight resize already
// produces.
const quadEpsilonDeg = 1e-9

// isQuadrilateral reports whether corrector has perturbed any of the four
// projected corners enough that the canvas is no longer the axis-aligned
// rectangle a straight resize would already produce.
func isQuadrilateral(corners, corrected []bbox.Point) bool {
	for i := range corners {
		if math.Abs(corners[i].Lon-corrected[i].Lon) > quadEpsilonDeg ||
			math.Abs(corners[i].Lat-corrected[i].Lat) > quadEpsilonDeg {
			return true
		}
	}
	return false
}

func outputSize(requested [2]int, srcW, srcH int) (w, h int) {
	h, w = requested[0], requested[1]
	if w == 0 && h == 0 {
		w = 350
		h = int(float64(w) * float64(srcH) / float64(srcW))
		return w, h
	}
	if w == 0 {
		w = int(float64(h) * float64(srcW) / float64(srcH))
	}
	if h == 0 {
		h = int(float64(w) * float64(srcH) / float64(srcW))
	}
	return w, h
}

func cropImage(img image.Image, x, y, w, h int) image.Image {
	b := img.Bounds()
	r := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h).Intersect(b)
	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r)
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

func resizeBilinear(img image.Image, w, h int) *image.RGBA {
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(out, out.Bounds(), img, img.Bounds(), draw.Src, nil)
	return out
}

func toRGBACopy(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		out := image.NewRGBA(rgba.Bounds())
		draw.Draw(out, out.Bounds(), rgba, rgba.Bounds().Min, draw.Src)
		return out
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}

func flipVertical(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		srcY := b.Max.Y - 1 - (y - b.Min.Y)
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, srcY))
		}
	}
	return out
}

func blend(base, over image.Image, noBlend bool) image.Image {
	baseR := toRGBACopy(base)
	overR := toRGBACopy(over)
	if baseR.Bounds() != overR.Bounds() {
		overR = resizeBilinear(overR, baseR.Bounds().Dx(), baseR.Bounds().Dy())
	}
	out := image.NewRGBA(baseR.Bounds())
	for y := baseR.Bounds().Min.Y; y < baseR.Bounds().Max.Y; y++ {
		for x := baseR.Bounds().Min.X; x < baseR.Bounds().Max.X; x++ {
			bc := baseR.RGBAAt(x, y)
			oc := overR.RGBAAt(x, y)
			if noBlend {
				if oc.A > 0 {
					out.SetRGBA(x, y, oc)
				} else {
					out.SetRGBA(x, y, bc)
				}
				continue
			}
			out.SetRGBA(x, y, color.RGBA{
				R: uint8((uint16(oc.R) + uint16(bc.R)) / 2),
				G: uint8((uint16(oc.G) + uint16(bc.G)) / 2),
				B: uint8((uint16(oc.B) + uint16(bc.B)) / 2),
				A: uint8((uint16(oc.A) + uint16(bc.A)) / 2),
			})
		}
	}
	return out
}

func alphaZeroNear(img *image.RGBA, target layer.Color, delta int) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			if within(int(c.R), int(target.R), delta) && within(int(c.G), int(target.G), delta) && within(int(c.B), int(target.B), delta) {
				c.A = 0
				img.SetRGBA(x, y, c)
			}
		}
	}
}

func within(v, target, delta int) bool {
	return v >= target-delta && v <= target+delta
}

// warpQuad applies a perspective QUAD->rectangle transform: it treats
// corrected as the true (possibly non-axis-aligned) positions of bounds'
// four corners within img, and resamples img so that the output canvas
// holds what would be seen by straightening that quadrilateral back into
// a rectangle. This is the hand-rolled inverse-bilinear-quad mapping
// PIL's Image.transform(QUAD, ...) implements; no library in the
// dependency set offers it, so it is implemented directly (see the
// project's dependency ledger).
func warpQuad(img *image.RGBA, corrected []bbox.Point, bounds tilemath.Bbox) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 2 || h < 2 {
		return img
	}

	toPixel := func(p bbox.Point) (float64, float64) {
		px := (p.Lon - bounds[0]) / (bounds[2] - bounds[0]) * float64(w)
		py := (bounds[3] - p.Lat) / (bounds[3] - bounds[1]) * float64(h)
		return px, py
	}
	blX, blY := toPixel(corrected[0])
	brX, brY := toPixel(corrected[1])
	trX, trY := toPixel(corrected[2])
	tlX, tlY := toPixel(corrected[3])

	out := image.NewRGBA(b)
	for y := 0; y < h; y++ {
		t := float64(y) / float64(h-1)
		for x := 0; x < w; x++ {
			s := float64(x) / float64(w-1)
			topX, topY := lerp(tlX, trX, s), lerp(tlY, trY, s)
			botX, botY := lerp(blX, brX, s), lerp(blY, brY, s)
			srcX, srcY := lerp(topX, botX, t), lerp(topY, botY, t)
			out.SetRGBA(b.Min.X+x, b.Min.Y+y, bilinearSample(img, srcX, srcY))
		}
	}
	return out
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// bilinearSample reads img at fractional pixel coordinates (x,y),
// clamping to the image bounds, a primitive PIL's QUAD transform relies
// on under the hood.
func bilinearSample(img *image.RGBA, x, y float64) color.RGBA {
	b := img.Bounds()
	clampX := func(v int) int {
		if v < b.Min.X {
			return b.Min.X
		}
		if v > b.Max.X-1 {
			return b.Max.X - 1
		}
		return v
	}
	clampY := func(v int) int {
		if v < b.Min.Y {
			return b.Min.Y
		}
		if v > b.Max.Y-1 {
			return b.Max.Y - 1
		}
		return v
	}
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx, fy := x-float64(x0), y-float64(y0)
	x0, x1 := clampX(x0), clampX(x0+1)
	y0c, y1 := clampY(y0), clampY(y0+1)

	c00 := img.RGBAAt(x0, y0c)
	c10 := img.RGBAAt(x1, y0c)
	c01 := img.RGBAAt(x0, y1)
	c11 := img.RGBAAt(x1, y1)

	mix := func(a, b, c, d uint8) uint8 {
		top := float64(a) + (float64(b)-float64(a))*fx
		bot := float64(c) + (float64(d)-float64(c))*fx
		return uint8(top + (bot-top)*fy)
	}
	return color.RGBA{
		R: mix(c00.R, c10.R, c01.R, c11.R),
		G: mix(c00.G, c10.G, c01.G, c11.G),
		B: mix(c00.B, c10.B, c01.B, c11.B),
		A: mix(c00.A, c10.A, c01.A, c11.A),
	}
}
