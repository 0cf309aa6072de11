// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/orcaman/writerseeker"

	"github.com/rkurbatov/twms/internal/compositor"
	"github.com/rkurbatov/twms/internal/imagecodec"
	"github.com/rkurbatov/twms/internal/layer"
	"github.com/rkurbatov/twms/internal/tilecache"
	"github.com/rkurbatov/twms/internal/tilemath"
)

// paramCaser case-folds WMS query parameter names so "LAYERS", "Layers"
// and "layers" are all recognised, per spec.md §6.2's "normalised,
// case-folded parameter mapping". Stateless and safe for concurrent use,
// the way the teacher's cmd/qrank-builder/util.go caser is.
var paramCaser = cases.Fold()

// timeZero is passed as http.ServeContent's modtime: composited responses
// have no stable last-modified time of their own, so ServeContent skips
// If-Modified-Since handling for them, which is correct for this content.
var timeZero time.Time

type server struct {
	compositor *compositor.Compositor
	layers     map[string]*layer.Layer
	cache      *tilecache.Cache
}

func (s *server) HandleMain(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `<html>
<head><title>Tile map proxy</title></head>
<body>
<h1>Tile map proxy</h1>
<p>WMS endpoint: <a href="/wms?request=GetCapabilities">/wms</a></p>
<p>TMS endpoint: /tiles/{layer}/{z}/{x}/{y}.{ext}</p>
<p>WMTS capabilities: <a href="/wmts/1.0.0/WMTSCapabilities.xml">/wmts/1.0.0/WMTSCapabilities.xml</a></p>
</body></html>`)
}

// HandleRobotsTxt mirrors the teacher's cmd/webserver robots.txt handler:
// without it, a front-end proxy might inject its own deny-all response.
func (s *server) HandleRobotsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "User-Agent: *\nAllow: /\n")
}

// HandleTMS implements render_tms (spec.md §6.2): a strict pass-through
// of a cached tile at /tiles/{layer}/{z}/{x}/{y}.{ext}. It never fetches
// on a miss.
func (s *server) HandleTMS(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tiles/")
	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		http.Error(w, "tileserver: malformed tile path", http.StatusNotFound)
		return
	}
	layerID := parts[0]
	z, errZ := strconv.Atoi(parts[1])
	x, errX := strconv.Atoi(parts[2])
	yExt := parts[3]
	dot := strings.LastIndexByte(yExt, '.')
	if dot < 0 || errZ != nil || errX != nil {
		http.Error(w, "tileserver: malformed tile path", http.StatusNotFound)
		return
	}
	y, errY := strconv.Atoi(yExt[:dot])
	if errY != nil {
		http.Error(w, "tileserver: malformed tile path", http.StatusNotFound)
		return
	}

	l, ok := s.layers[layerID]
	if !ok {
		http.Error(w, fmt.Sprintf("tileserver: unknown layer %q", layerID), http.StatusNotFound)
		return
	}

	data, kind, err := s.cache.Read(l.ID, uint8(z), uint32(x), uint32(y), imagecodec.ExtForMimetype(l.Mimetype))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if kind == tilecache.KindTNE {
		http.NotFound(w, r)
		return
	}
	serveBytes(w, r, data, l.Mimetype)
}

// HandleWMS implements render_wms (spec.md §6.2): GetCapabilities,
// GetMap and GetTile requests with case-folded parameter names.
func (s *server) HandleWMS(w http.ResponseWriter, r *http.Request) {
	params := foldParams(r.URL.Query())

	switch strings.ToLower(params["request"]) {
	case "", "getmap", "gettile":
		s.handleGetMap(w, r, params)
	case "getcapabilities":
		s.HandleWMTSCapabilities(w, r)
	default:
		http.Error(w, fmt.Sprintf("tileserver: unsupported request %q", params["request"]), http.StatusBadRequest)
	}
}

func (s *server) handleGetMap(w http.ResponseWriter, r *http.Request, params map[string]string) {
	layerIDs := strings.Split(params["layers"], ",")
	if len(layerIDs) == 0 || layerIDs[0] == "" {
		http.Error(w, "tileserver: missing layers parameter", http.StatusBadRequest)
		return
	}
	for _, id := range layerIDs {
		if _, ok := s.layers[id]; !ok {
			http.Error(w, fmt.Sprintf("tileserver: unknown layer %q", id), http.StatusNotFound)
			return
		}
	}

	proj, err := tilemath.ParseProjection(firstNonEmpty(params["srs"], params["crs"], "EPSG:3857"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var bbox tilemath.Bbox
	if params["bbox"] != "" {
		bbox, err = parseBbox(params["bbox"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else if params["z"] != "" {
		// GetTile addresses a tile by z/x/y instead of a bbox; derive the
		// equivalent bbox with tilemath.BboxByTile in the request projection.
		z, zerr := strconv.Atoi(params["z"])
		x, xerr := strconv.Atoi(params["x"])
		y, yerr := strconv.Atoi(params["y"])
		if zerr != nil || xerr != nil || yerr != nil || z < 0 || z > 255 {
			http.Error(w, "tileserver: invalid z/x/y parameters", http.StatusBadRequest)
			return
		}
		bbox, err = tilemath.BboxByTile(uint8(z), int64(x), int64(y), proj)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		http.Error(w, "tileserver: missing bbox or z/x/y parameters", http.StatusBadRequest)
		return
	}

	width, _ := strconv.Atoi(params["width"])
	height, _ := strconv.Atoi(params["height"])
	if params["z"] != "" && params["bbox"] == "" {
		if width == 0 {
			width = 256
		}
		if height == 0 {
			height = 256
		}
	}

	mimetype := params["format"]
	if mimetype == "" {
		mimetype = s.layers[layerIDs[0]].Mimetype
	}

	req := compositor.Request{
		Bbox:       bbox,
		Size:       [2]int{height, width},
		Projection: proj,
		LayerIDs:   layerIDs,
		Force:      parseForceFlags(params["force"]),
		Mimetype:   mimetype,
	}

	data, outMime, err := s.compositor.Render(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	serveBytes(w, r, data, outMime)
}

func parseBbox(s string) (tilemath.Bbox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return tilemath.Bbox{}, fmt.Errorf("tileserver: bbox must have 4 comma-separated floats, got %q", s)
	}
	var b tilemath.Bbox
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return tilemath.Bbox{}, fmt.Errorf("tileserver: invalid bbox component %q: %w", p, err)
		}
		b[i] = v
	}
	return b, nil
}

func parseForceFlags(s string) compositor.ForceFlags {
	var f compositor.ForceFlags
	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(tok)) {
		case "noblend":
			f.NoBlend = true
		case "noresize":
			f.NoResize = true
		case "nocorrect":
			f.NoCorrect = true
		}
	}
	return f
}

func foldParams(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) == 0 {
			continue
		}
		out[paramCaser.String(k)] = v[0]
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// serveBytes wraps data in a seekable buffer the way the teacher's
// cmd/tilerank-builder raster tests use writerseeker.WriterSeeker as an
// in-memory io.Writer, then serves it through http.ServeContent so
// clients get Range handling for free. The modtime passed is timeZero, so
// If-Modified-Since is not handled.
func serveBytes(w http.ResponseWriter, r *http.Request, data []byte, mimetype string) {
	w.Header().Set("Content-Type", mimetype)
	var ws writerseeker.WriterSeeker
	if _, err := ws.Write(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, path.Base(r.URL.Path), timeZero, ws.BytesReader())
}
