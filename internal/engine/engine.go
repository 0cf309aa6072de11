// Package engine implements the Tile Engine (component F): it resolves a
// single (layer, z, x, y) tile through the process-global LRU, recursive
// downscale-from-4 synthesis, the layer's Fetcher, and recursive
// upscale-from-parent synthesis, in that order (spec.md §4.4).
package engine

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/rkurbatov/twms/internal/bbox"
	"github.com/rkurbatov/twms/internal/fetcher"
	"github.com/rkurbatov/twms/internal/imagecodec"
	"github.com/rkurbatov/twms/internal/layer"
	"github.com/rkurbatov/twms/internal/tilemath"
)

// Engine resolves tiles for a fixed set of layers, each with its own
// Fetcher, sharing one process-global LRU across all of them.
type Engine struct {
	layers   map[string]*layer.Layer
	fetchers map[string]*fetcher.Fetcher
	cache    *lru
}

// New returns an Engine over the given layers and their Fetchers, with an
// LRU capacity of maxRAMTiles (spec.md §4.4 default 1024-2048).
func New(layers map[string]*layer.Layer, fetchers map[string]*fetcher.Fetcher, maxRAMTiles int) *Engine {
	return &Engine{
		layers:   layers,
		fetchers: fetchers,
		cache:    newLRU(maxRAMTiles),
	}
}

// TileImage resolves a single tile, or returns (nil, nil) if the
// coordinate is out of range, out of the layer's data bounds, or the
// upstream genuinely has no tile there.
//
// tryBetter enables downscale-from-4 synthesis; real additionally enables
// upscale-from-parent synthesis when nothing better is available — the
// two knobs exist so recursive calls can disable one path and avoid
// runaway recursion (spec.md §4.4).
func (e *Engine) TileImage(layerID string, z uint8, x, y uint32, tryBetter, real bool) (imagecodec.Image, error) {
	l, ok := e.layers[layerID]
	if !ok {
		return nil, nil
	}

	n := uint32(1) << z
	x = x % n
	if !tilemath.ValidY(int64(y), z) {
		return nil, nil
	}

	tileBbox, err := tilemath.BboxByTile(z, int64(x), int64(y), l.Projection)
	if err != nil {
		return nil, err
	}
	bounds := l.Bounds
	if bounds == ([4]float64{}) {
		bounds = tilemath.Bbox{-180, -90, 180, 90}
	}
	if !bbox.Intersects(tileBbox, bounds) {
		return nil, nil
	}

	key := tileKey{layerID: layerID, z: z, x: x, y: y}
	if img, ok := e.cache.get(key); ok {
		return img, nil
	}

	if l.Scalable && z < l.MaxZoom && tryBetter {
		img, err := e.downscaleFromChildren(l, z, x, y)
		if err != nil {
			return nil, err
		}
		if img != nil {
			e.cache.put(key, img)
			return img, nil
		}
	}

	if f, ok := e.fetchers[layerID]; ok {
		res, err := f.Fetch(z, x, y)
		if err != nil {
			return nil, err
		}
		if res != nil {
			e.cache.put(key, res.Image)
			return res.Image, nil
		}
	}

	if real && z > 0 {
		img, err := e.upscaleFromParent(l, z, x, y)
		if err != nil {
			return nil, err
		}
		if img != nil {
			e.cache.put(key, img)
			return img, nil
		}
	}

	return nil, nil
}

func (e *Engine) downscaleFromChildren(l *layer.Layer, z uint8, x, y uint32) (imagecodec.Image, error) {
	children := [4]struct{ x, y uint32 }{
		{2 * x, 2 * y},
		{2*x + 1, 2 * y},
		{2 * x, 2*y + 1},
		{2*x + 1, 2*y + 1},
	}
	imgs := [4]imagecodec.Image{}
	var g errgroup.Group
	for i, c := range children {
		i, c := i, c
		g.Go(func() error {
			img, err := e.TileImage(l.ID, z+1, c.x, c.y, true, false)
			if err != nil {
				return err
			}
			imgs[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, img := range imgs {
		if img == nil {
			return nil, nil
		}
	}

	canvas := image.NewRGBA(image.Rect(0, 0, 512, 512))
	offsets := [4]image.Point{{0, 0}, {256, 0}, {0, 256}, {256, 256}}
	for i, img := range imgs {
		draw.Draw(canvas, image.Rect(offsets[i].X, offsets[i].Y, offsets[i].X+256, offsets[i].Y+256), img, img.Bounds().Min, draw.Src)
	}

	out := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.BiLinear.Scale(out, out.Bounds(), canvas, canvas.Bounds(), draw.Src, nil)
	return out, nil
}

func (e *Engine) upscaleFromParent(l *layer.Layer, z uint8, x, y uint32) (imagecodec.Image, error) {
	parent, err := e.TileImage(l.ID, z-1, x/2, y/2, false, true)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, nil
	}
	ox := int(x%2) * 128
	oy := int(y%2) * 128
	cropRect := image.Rect(ox, oy, ox+128, oy+128).Add(parent.Bounds().Min)
	cropped := image.NewRGBA(image.Rect(0, 0, 128, 128))
	draw.Draw(cropped, cropped.Bounds(), parent, cropRect.Min, draw.Src)

	out := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.BiLinear.Scale(out, out.Bounds(), cropped, cropped.Bounds(), draw.Src, nil)
	return out, nil
}

// EmptyTile returns a solid-fill raster the size of one tile, used by the
// Compositor when TileImage returns nil.
func EmptyTile(c layer.Color) imagecodec.Image {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{c.R, c.G, c.B, c.A}), image.Point{}, draw.Src)
	return img
}
