// Package fetcher implements the per-layer Tile Fetcher (component E):
// it turns a (z,x,y) request into an upstream HTTP GET against a layer's
// remote template, classifies the response, and keeps the Tile File
// Cache in sync (dead-tile markers, re-encoding on mimetype mismatch).
// Grounded on the original source's fetchers.py Tile/WMS functions and
// tile_to_quadkey, and on the teacher's pattern of a dedicated worker
// pool per data source (cmd/tilerank-builder's bounded errgroup use).
package fetcher

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rkurbatov/twms/internal/httpsession"
	"github.com/rkurbatov/twms/internal/imagecodec"
	"github.com/rkurbatov/twms/internal/layer"
	"github.com/rkurbatov/twms/internal/metrics"
	"github.com/rkurbatov/twms/internal/tilecache"
	"github.com/rkurbatov/twms/internal/tilemath"
)

// Result is what fetch returns on success: the decoded raster plus the
// bytes actually persisted to cache (which may differ from the upstream
// bytes if re-encoding was needed).
type Result struct {
	Image imagecodec.Image
	Bytes []byte
}

// Fetcher owns one layer's remote access: its HTTP session, worker pool,
// and (for the Google satellite variant) the mutable discovered
// remote_template.
type Fetcher struct {
	layer   *layer.Layer
	session *httpsession.Session
	cache   *tilecache.Cache
	logger  *log.Logger
	sem     chan struct{}

	googleMu   sync.Mutex
	googleTmpl string
}

// New returns a Fetcher for layer l, backed by session and cache. logger
// may be nil, in which case log output goes to log.Default().
func New(l *layer.Layer, session *httpsession.Session, cache *tilecache.Cache, logger *log.Logger) *Fetcher {
	if logger == nil {
		logger = log.Default()
	}
	workers := l.Workers
	if workers <= 0 {
		workers = 5
	}
	return &Fetcher{
		layer:   l,
		session: session,
		cache:   cache,
		logger:  logger,
		sem:     make(chan struct{}, workers),
	}
}

// Fetch runs the fetch(z,x,y) algorithm (spec.md §4.3) and returns nil,
// nil when the tile genuinely has no image (a dead tile, an out-of-range
// zoom, or a transient failure) — callers must not treat a nil Result as
// an error.
func (f *Fetcher) Fetch(z uint8, x, y uint32) (*Result, error) {
	f.sem <- struct{}{}
	defer func() { <-f.sem }()

	if z < f.layer.MinZoom || z > f.layer.MaxZoom {
		return nil, nil
	}

	needsFetch := f.cache.NeedsFetch(f.layer.ID, z, x, y, imagecodec.ExtForMimetype(f.layer.Mimetype), f.layer.CacheTTL)
	if !needsFetch {
		return f.readCached(z, x, y)
	}

	tz, tx, ty := z, x, y
	if f.layer.TileTransform != nil {
		tz, tx, ty = f.layer.TileTransform(z, x, y)
	}

	tmpl := f.layer.RemoteTemplate
	if f.layer.FetchKind == layer.FetchTMSGoogleSat {
		var err error
		tmpl, err = f.googleTemplate()
		if err != nil {
			f.logger.Printf("fetcher[%s]: discovering google sat template: %v", f.layer.ID, err)
			return nil, nil
		}
	}

	url, err := substitutePlaceholders(tmpl, tz, tx, ty, f.layer.Projection)
	if err != nil {
		return nil, fmt.Errorf("fetcher[%s]: %w", f.layer.ID, err)
	}

	fetchStart := time.Now()
	resp, err := f.session.Get(url, f.layer.HTTPHeaders)
	metrics.FetchDuration.WithLabelValues(f.layer.ID).Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		metrics.FetchTotal.WithLabelValues(f.layer.ID, "error").Inc()
		f.logger.Printf("fetcher[%s]: transport error fetching %s: %v", f.layer.ID, url, err)
		if f.layer.FetchKind == layer.FetchTMSGoogleSat {
			f.invalidateGoogleTemplate()
		}
		return nil, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.FetchTotal.WithLabelValues(f.layer.ID, "tne").Inc()
		if err := f.cache.WriteTNE(f.layer.ID, z, x, y, imagecodec.ExtForMimetype(f.layer.Mimetype)); err != nil {
			return nil, err
		}
		return nil, nil
	case resp.StatusCode == http.StatusForbidden:
		metrics.FetchTotal.WithLabelValues(f.layer.ID, "forbidden").Inc()
		f.logger.Printf("fetcher[%s]: 403 from %s", f.layer.ID, url)
		return nil, nil
	}
	if f.layer.DeadTile != nil && f.layer.DeadTile.Matches(resp.StatusCode, "") {
		metrics.FetchTotal.WithLabelValues(f.layer.ID, "tne").Inc()
		if err := f.cache.WriteTNE(f.layer.ID, z, x, y, imagecodec.ExtForMimetype(f.layer.Mimetype)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.FetchTotal.WithLabelValues(f.layer.ID, "error").Inc()
		return nil, nil
	}

	body, err := httpsession.ReadAllClose(resp)
	if err != nil {
		f.logger.Printf("fetcher[%s]: reading body from %s: %v", f.layer.ID, url, err)
		return nil, nil
	}

	sum := md5.Sum(body)
	md5hex := hex.EncodeToString(sum[:])
	if f.layer.DeadTile != nil && f.layer.DeadTile.Matches(0, md5hex) {
		metrics.FetchTotal.WithLabelValues(f.layer.ID, "tne").Inc()
		if err := f.cache.WriteTNE(f.layer.ID, z, x, y, imagecodec.ExtForMimetype(f.layer.Mimetype)); err != nil {
			return nil, err
		}
		return nil, nil
	}

	img, mimetype, err := imagecodec.Decode(body)
	if err != nil {
		metrics.FetchTotal.WithLabelValues(f.layer.ID, "decode_error").Inc()
		f.logger.Printf("fetcher[%s]: decoding body from %s: %v", f.layer.ID, url, err)
		return nil, nil
	}

	persisted := body
	if mimetype != f.layer.Mimetype {
		persisted, err = imagecodec.Encode(img, f.layer.Mimetype, imagecodec.EncodeOptions{
			JPEGQuality: f.layer.JPEGQuality,
			Progressive: f.layer.Progressive,
			PNGOptimize: f.layer.PNGOptimize,
		})
		if err != nil {
			f.logger.Printf("fetcher[%s]: re-encoding %s to %s: %v", f.layer.ID, url, f.layer.Mimetype, err)
			return nil, nil
		}
	}

	if err := f.cache.Write(f.layer.ID, z, x, y, imagecodec.ExtForMimetype(f.layer.Mimetype), tilecache.KindFetched, persisted); err != nil {
		return nil, err
	}

	if f.layer.FetchKind == layer.FetchTMSGoogleSat {
		f.confirmGoogleTemplate(tmpl)
	}

	metrics.FetchTotal.WithLabelValues(f.layer.ID, "ok").Inc()
	return &Result{Image: img, Bytes: persisted}, nil
}

func (f *Fetcher) readCached(z uint8, x, y uint32) (*Result, error) {
	data, kind, err := f.cache.Read(f.layer.ID, z, x, y, imagecodec.ExtForMimetype(f.layer.Mimetype))
	if err != nil {
		if err == tilecache.ErrTileNotExists {
			metrics.CacheLookups.WithLabelValues(f.layer.ID, "tne").Inc()
			return nil, nil
		}
		if err == tilecache.ErrNotExist {
			metrics.CacheLookups.WithLabelValues(f.layer.ID, "miss").Inc()
			return nil, nil
		}
		return nil, err
	}
	metrics.CacheLookups.WithLabelValues(f.layer.ID, "hit").Inc()
	if kind == tilecache.KindTNE {
		return nil, nil
	}
	img, _, err := imagecodec.Decode(data)
	if err != nil {
		f.logger.Printf("fetcher[%s]: decoding cached tile %d/%d/%d: %v", f.layer.ID, z, x, y, err)
		return nil, nil
	}
	return &Result{Image: img, Bytes: data}, nil
}

// substitutePlaceholders expands the Layer remote_template placeholders
// (spec.md §6.1 / §4.3 step 4).
func substitutePlaceholders(tmpl string, z uint8, x, y uint32, p tilemath.Projection) (string, error) {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(int(z)),
		"{x}", strconv.Itoa(int(x)),
		"{y}", strconv.Itoa(int(y)),
		"{-y}", strconv.Itoa(int(tilemath.TMSInvertedY(z, y))),
		"{q}", tilemath.Quadkey(z, x, y),
	)
	out := r.Replace(tmpl)
	if strings.Contains(out, "{bbox}") || strings.Contains(out, "{width}") || strings.Contains(out, "{height}") || strings.Contains(out, "{proj}") {
		projBbox, err := tilemath.BboxByTile(z, int64(x), int64(y), p)
		if err != nil {
			return "", err
		}
		bboxStr := fmt.Sprintf("%g,%g,%g,%g", projBbox[0], projBbox[1], projBbox[2], projBbox[3])
		out = strings.NewReplacer(
			"{bbox}", bboxStr,
			"{width}", "256",
			"{height}", "256",
			"{proj}", string(p),
		).Replace(out)
	}
	return out, nil
}

var googleVersionRe = regexp.MustCompile(`https://khms\d+\.googleapis\.com/kh\?v=(\d+)`)

func (f *Fetcher) googleTemplate() (string, error) {
	f.googleMu.Lock()
	defer f.googleMu.Unlock()
	if f.googleTmpl != "" {
		return f.googleTmpl, nil
	}
	resp, err := f.session.Get("https://maps.googleapis.com/maps/api/js", nil)
	if err != nil {
		return "", err
	}
	body, err := httpsession.ReadAllClose(resp)
	if err != nil {
		return "", err
	}
	m := googleVersionRe.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("fetcher: google satellite version marker not found")
	}
	f.googleTmpl = fmt.Sprintf("https://kh.google.com/kh/v=%s?x={x}&y={y}&z={z}", string(m[1]))
	return f.googleTmpl, nil
}

func (f *Fetcher) confirmGoogleTemplate(tmpl string) {
	f.googleMu.Lock()
	f.googleTmpl = tmpl
	f.googleMu.Unlock()
}

func (f *Fetcher) invalidateGoogleTemplate() {
	f.googleMu.Lock()
	f.googleTmpl = ""
	f.googleMu.Unlock()
}
