// Package layer holds the Layer configuration record (spec.md §3). The
// mutable state of the Google-satellite fetch variant lives on
// fetcher.Fetcher, not here.
//
// Layer itself is a read-only record filled in once at config load, per
// spec.md §9's "typed Layer struct with explicit Option/nullable fields;
// defaults filled at config-load, not at access" redesign note.
package layer

import (
	"time"

	"github.com/rkurbatov/twms/internal/tilemath"
)

// FetchKind selects the remote-fetch strategy a Fetcher uses for a layer.
type FetchKind string

const (
	FetchTMS          FetchKind = "tms"
	FetchTMSGoogleSat FetchKind = "tms_google_sat"
)

// DeadTileCriterion describes how to recognise an upstream response that
// looks successful but means "no data here" (spec.md §4.3 step 6,
// glossary "Dead tile").
type DeadTileCriterion struct {
	HTTPStatus []int
	MD5        map[string]struct{}
}

// Matches reports whether an HTTP status or body MD5 hex digest matches
// this layer's dead-tile criterion.
func (d *DeadTileCriterion) Matches(status int, md5hex string) bool {
	if d == nil {
		return false
	}
	for _, s := range d.HTTPStatus {
		if s == status {
			return true
		}
	}
	if d.MD5 != nil {
		if _, ok := d.MD5[md5hex]; ok {
			return true
		}
	}
	return false
}

// TileTransform maps a requested (z,x,y) to the coordinates actually sent
// upstream, e.g. to compensate for an off-by-one zoom convention.
type TileTransform func(z uint8, x, y uint32) (uint8, uint32, uint32)

// Color is an RGB(A) hint, used both as the empty-tile fill and (for
// overlay layers) as the post-process transparency key.
type Color struct {
	R, G, B, A uint8
}

// Layer is the immutable-at-runtime per-layer configuration record
// (spec.md §3).
type Layer struct {
	ID          string
	DisplayName string
	Mimetype    string
	Projection  tilemath.Projection
	Bounds      tilemath.Bbox
	MinZoom     uint8
	MaxZoom     uint8
	Scalable    bool
	Overlay     bool
	EmptyColor  Color
	// EmptyColorDelta is the RGB cube half-width around EmptyColor within
	// which an overlay layer's pixels are alpha-zeroed during composite
	// (spec.md §4.5 step 8). Zero means exact-match only.
	EmptyColorDelta int

	CacheTTL      *time.Duration
	FetchKind     FetchKind
	RemoteTemplate string
	TileTransform TileTransform
	HTTPHeaders   map[string]string
	DeadTile      *DeadTileCriterion

	// JPEGQuality and PNGOptimize configure lossy re-encoding when an
	// upstream tile's format differs from Mimetype (spec.md §4.3 step 6,
	// §4.6). Progressive is passed on to imagecodec.Encode, which ignores
	// it: JPEG output is always baseline and PNG output non-interlaced.
	JPEGQuality int
	PNGOptimize bool
	Progressive bool

	// Corrector, if set, perturbs the compositor's 4 projected bbox
	// corners before the quad-transform step (SPEC_FULL.md §4
	// "Geometry correction hook"). Skipped when the `nocorrect` force
	// flag is present.
	Corrector CorrectionFunc

	// ResponseCacheable opts a layer set into the second-level composited
	// response cache (SPEC_FULL.md §4).
	ResponseCacheable bool

	// Workers bounds the per-layer fetch worker pool (spec.md §4.3,
	// default 5).
	Workers int
}

// CorrectionFunc adjusts a single EPSG:4326 point, e.g. to compensate for
// a known datum shift in a layer's source imagery.
type CorrectionFunc func(lon, lat float64) (float64, float64)

// IdentityCorrection performs no adjustment; it is the default Corrector
// has no effect but gives the `nocorrect` force flag and the correction
// hook point something concrete to skip in tests.
func IdentityCorrection(lon, lat float64) (float64, float64) {
	return lon, lat
}

// ApplyDefaults fills zero-value optional fields with process-wide
// defaults, the way spec.md §9 calls for ("defaults filled at
// config-load, not at access"). It is called once per layer right after
// unmarshalling, never again.
func (l *Layer) ApplyDefaults(defaults Defaults) {
	if l.MaxZoom == 0 {
		l.MaxZoom = defaults.MaxZoom
	}
	if l.Workers == 0 {
		l.Workers = defaults.Workers
	}
	if l.JPEGQuality == 0 {
		l.JPEGQuality = defaults.JPEGQuality
	}
	if l.Mimetype == "" {
		l.Mimetype = "image/jpeg"
	}
	if (l.EmptyColor == Color{}) {
		l.EmptyColor = defaults.EmptyColor
	}
	if l.FetchKind == "" {
		l.FetchKind = FetchTMS
	}
}

// Defaults holds the process-wide fallback values applied by
// ApplyDefaults.
type Defaults struct {
	MaxZoom     uint8
	Workers     int
	JPEGQuality int
	EmptyColor  Color
}
