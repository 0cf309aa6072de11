// SPDX-License-Identifier: MIT

// Command tileserver runs the tile-map proxy HTTP front-end: WMS and TMS
// endpoints backed by the Tile File Cache, Tile Engine and Compositor,
// grounded on the teacher's cmd/webserver and cmd/qrank-webserver (flag
// parsing, /metrics via promhttp, landing page and robots.txt).
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rkurbatov/twms/internal/compositor"
	"github.com/rkurbatov/twms/internal/engine"
	"github.com/rkurbatov/twms/internal/fetcher"
	"github.com/rkurbatov/twms/internal/httpsession"
	"github.com/rkurbatov/twms/internal/layer"
	"github.com/rkurbatov/twms/internal/metrics"
	"github.com/rkurbatov/twms/internal/tilecache"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		portFlag        = flag.Int("port", 0, "port for serving HTTP requests")
		layersFlag      = flag.String("layers", "layers.json", "path to the layer configuration file")
		cacheDirFlag    = flag.String("cache-dir", "./cache", "directory for the on-disk tile cache")
		maxRAMTilesFlag = flag.Int("max-ram-tiles", 1024, "capacity of the in-RAM decoded-tile cache")
		s3KeyFlag       = flag.String("s3-key", "", "path to a JSON {endpoint,key,secret,bucket} file for mirroring fetched tiles to S3-compatible storage; empty disables mirroring")
	)
	flag.Parse()

	port := *portFlag
	if port == 0 {
		port, _ = strconv.Atoi(os.Getenv("PORT"))
	}

	defaults := layer.Defaults{
		MaxZoom:     18,
		Workers:     5,
		JPEGQuality: 85,
		EmptyColor:  layer.Color{R: 255, G: 255, B: 255, A: 255},
	}
	layers, err := layer.LoadConfig(*layersFlag, defaults)
	if err != nil {
		log.Fatalf("loading layer config %s: %v", *layersFlag, err)
	}

	cache := tilecache.New(*cacheDirFlag)
	if *s3KeyFlag != "" {
		mirror, bucket, err := newS3Mirror(*s3KeyFlag)
		if err != nil {
			log.Fatalf("configuring S3 mirror: %v", err)
		}
		log.Printf("mirroring fetched tiles to bucket %q", bucket)
		cache.SetMirror(mirror)
	}

	session := httpsession.New()
	fetchers := make(map[string]*fetcher.Fetcher, len(layers))
	for id, l := range layers {
		fetchers[id] = fetcher.New(l, session, cache, log.Default())
	}
	eng := engine.New(layers, fetchers, *maxRAMTilesFlag)
	comp := compositor.New(eng, cache, layers)

	metrics.MustRegister()

	srv := &server{compositor: comp, layers: layers, cache: cache}
	http.HandleFunc("/", srv.HandleMain)
	http.HandleFunc("/robots.txt", srv.HandleRobotsTxt)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/wms", srv.HandleWMS)
	http.HandleFunc("/tiles/", srv.HandleTMS)
	http.HandleFunc("/wmts/1.0.0/WMTSCapabilities.xml", srv.HandleWMTSCapabilities)

	log.Printf("Listening for HTTP requests on port %d", port)
	log.Fatal(http.ListenAndServe(":"+strconv.Itoa(port), nil))
}

// newS3Mirror reads the {endpoint,key,secret,bucket} credential file the
// same way the teacher's cmd/webserver Storage.NewStorage does, and
// returns a ready-to-use Mirror.
func newS3Mirror(keypath string) (tilecache.Mirror, string, error) {
	data, err := os.ReadFile(keypath)
	if err != nil {
		return nil, "", err
	}
	var config struct{ Endpoint, Key, Secret, Bucket string }
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, "", err
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Key, config.Secret, ""),
		Secure: true,
	})
	if err != nil {
		return nil, "", err
	}
	client.SetAppInfo("TWMSTileserver", "0.1")
	return tilecache.NewS3Mirror(client, config.Bucket), config.Bucket, nil
}
