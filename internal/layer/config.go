package layer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rkurbatov/twms/internal/tilemath"
)

// jsonLayer mirrors the on-disk layer table format, grounded on the
// original source's twms.conf dict-of-dicts shape, translated into a
// strict JSON schema the way spec.md §9's "typed Layer struct" redesign
// note calls for.
type jsonLayer struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"display_name"`
	Mimetype        string            `json:"mimetype"`
	Projection      string            `json:"projection"`
	Bounds          [4]float64        `json:"bounds"`
	MinZoom         uint8             `json:"min_zoom"`
	MaxZoom         uint8             `json:"max_zoom"`
	Scalable        bool              `json:"scalable"`
	Overlay         bool              `json:"overlay"`
	EmptyColor      [4]uint8          `json:"empty_color"`
	EmptyColorDelta int               `json:"empty_color_delta"`
	CacheTTLSeconds *int64            `json:"cache_ttl_seconds"`
	FetchKind       string            `json:"fetch_kind"`
	RemoteTemplate  string            `json:"remote_template"`
	HTTPHeaders     map[string]string `json:"http_headers"`
	DeadTile        *jsonDeadTile     `json:"dead_tile"`
	JPEGQuality     int               `json:"jpeg_quality"`
	PNGOptimize     bool              `json:"png_optimize"`
	Progressive     bool              `json:"progressive"`
	ResponseCacheable bool            `json:"cache_tile_responses"`
	Workers         int               `json:"workers"`
}

type jsonDeadTile struct {
	HTTPStatus []int    `json:"http_status"`
	MD5        []string `json:"md5"`
}

// LoadConfig reads a JSON layer table from path and returns the decoded
// Layer records keyed by ID, with process-wide defaults applied.
func LoadConfig(path string, defaults Defaults) (map[string]*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("layer: reading config %s: %w", path, err)
	}
	var raw []jsonLayer
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("layer: parsing config %s: %w", path, err)
	}

	layers := make(map[string]*Layer, len(raw))
	for _, jl := range raw {
		if jl.ID == "" {
			return nil, fmt.Errorf("layer: config %s has an entry with no id", path)
		}
		proj, err := tilemath.ParseProjection(jl.Projection)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", jl.ID, err)
		}
		l := &Layer{
			ID:              jl.ID,
			DisplayName:     jl.DisplayName,
			Mimetype:        jl.Mimetype,
			Projection:      proj,
			Bounds:          tilemath.Bbox(jl.Bounds),
			MinZoom:         jl.MinZoom,
			MaxZoom:         jl.MaxZoom,
			Scalable:        jl.Scalable,
			Overlay:         jl.Overlay,
			EmptyColor:      Color{jl.EmptyColor[0], jl.EmptyColor[1], jl.EmptyColor[2], jl.EmptyColor[3]},
			EmptyColorDelta: jl.EmptyColorDelta,
			FetchKind:       FetchKind(jl.FetchKind),
			RemoteTemplate:  jl.RemoteTemplate,
			HTTPHeaders:     jl.HTTPHeaders,
			JPEGQuality:     jl.JPEGQuality,
			PNGOptimize:     jl.PNGOptimize,
			Progressive:     jl.Progressive,
			ResponseCacheable: jl.ResponseCacheable,
			Workers:         jl.Workers,
		}
		if jl.CacheTTLSeconds != nil {
			d := time.Duration(*jl.CacheTTLSeconds) * time.Second
			l.CacheTTL = &d
		}
		if jl.DeadTile != nil {
			dt := &DeadTileCriterion{HTTPStatus: jl.DeadTile.HTTPStatus}
			if len(jl.DeadTile.MD5) > 0 {
				dt.MD5 = make(map[string]struct{}, len(jl.DeadTile.MD5))
				for _, h := range jl.DeadTile.MD5 {
					dt.MD5[h] = struct{}{}
				}
			}
			l.DeadTile = dt
		}
		l.ApplyDefaults(defaults)
		layers[l.ID] = l
	}
	return layers, nil
}
