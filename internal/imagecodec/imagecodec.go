// Package imagecodec implements component H: decoding arbitrary upstream
// tile bytes to a raster and re-encoding a raster to one of the four
// mimetypes the proxy is allowed to serve. Grounded on the pure-Go
// decode/encode dispatch in the sibling geotiff2pmtiles example (format
// switch over image/jpeg, image/png and gen2brain/webp), generalized here
// to also cover GIF and to add the encode direction.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/webp"
)

// Image is the decoded raster type every package downstream of the codec
// works with; it is always already alpha-aware (RGBA), regardless of the
// source format.
type Image = *image.RGBA

// softwareTag is the server-identity string. Encode writes no EXIF
// metadata, so it does not appear in encoded output.
const softwareTag = "twms"

// Decode sniffs and decodes raw tile bytes, returning the raster and the
// mimetype it detected. The Fetcher uses it both to validate an upstream
// response and to read cached files back.
func Decode(data []byte) (Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if webpImg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
			return toRGBA(webpImg), "image/webp", nil
		}
		return nil, "", fmt.Errorf("imagecodec: decoding: %w", err)
	}
	mimetype := map[string]string{
		"jpeg": "image/jpeg",
		"png":  "image/png",
		"gif":  "image/gif",
		"webp": "image/webp",
	}[format]
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	return toRGBA(img), mimetype, nil
}

func toRGBA(img image.Image) Image {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
}

// EncodeOptions configures lossy re-encoding (spec.md §4.6). Encode does
// not use Progressive: JPEG output is always baseline and PNG output
// non-interlaced.
type EncodeOptions struct {
	JPEGQuality int
	Progressive bool
	PNGOptimize bool
	WebPQuality int
}

// Encode renders img to bytes in the given mimetype. JPEG output is
// flattened onto opaque white before encoding, since JPEG carries no
// alpha channel.
func Encode(img Image, mimetype string, opts EncodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	switch mimetype {
	case "image/jpeg", "image/jpg":
		flat := flattenToOpaque(img, color.White)
		quality := opts.JPEGQuality
		if quality <= 0 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("imagecodec: encoding jpeg: %w", err)
		}
	case "image/png":
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if opts.PNGOptimize {
			enc.CompressionLevel = png.BestCompression
		}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("imagecodec: encoding png: %w", err)
		}
	case "image/gif":
		if err := gif.Encode(&buf, img, &gif.Options{NumColors: 256}); err != nil {
			return nil, fmt.Errorf("imagecodec: encoding gif: %w", err)
		}
	case "image/webp":
		quality := opts.WebPQuality
		if quality <= 0 {
			quality = 85
		}
		if err := webp.Encode(&buf, img, webp.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("imagecodec: encoding webp: %w", err)
		}
	default:
		return nil, fmt.Errorf("imagecodec: unsupported mimetype %q", mimetype)
	}
	return buf.Bytes(), nil
}

func flattenToOpaque(img Image, bg color.Color) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(out, bounds, img, bounds.Min, draw.Over)
	return out
}

// ExtForMimetype returns the cache-file extension for one of the four
// mimetypes the proxy serves, defaulting to "jpg" for anything else.
func ExtForMimetype(mimetype string) string {
	switch mimetype {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

// MimetypeForExt is ExtForMimetype's inverse, defaulting to "image/jpeg".
func MimetypeForExt(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
