// Package format decides which uploads can be processed and how their
// container format is decoded and re-encoded.
package format

import (
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// JPEGQuality is used when re-encoding resized JPEG variants.
const JPEGQuality = 90

// Codec decodes and encodes one raster container format.
type Codec struct {
	// Name is the canonical format name, e.g. "jpeg".
	Name string
	// Extensions lists the lower-case file extensions handled by this codec.
	Extensions []string
	// ContentType is the MIME type objects of this format are stored with.
	ContentType string

	Decode       func(r io.Reader) (image.Image, error)
	DecodeConfig func(r io.Reader) (image.Config, error)
	Encode       func(w io.Writer, img image.Image) error
}

// Registry holds the codecs available in this build.
type Registry struct {
	codecs []Codec
}

// NewRegistry returns a registry with the given codecs, or the built-in set when none are given.
func NewRegistry(codecs ...Codec) *Registry {
	if len(codecs) == 0 {
		codecs = builtinCodecs()
	}
	return &Registry{codecs: codecs}
}

// Codecs returns the registered codecs in registration order.
func (r *Registry) Codecs() []Codec {
	out := make([]Codec, len(r.codecs))
	copy(out, r.codecs)
	return out
}

// Names returns every extension the registry can read, in lower and upper case.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.codecs)*4)
	for _, c := range r.codecs {
		names = append(names, c.names()...)
	}
	return names
}

func (c Codec) names() []string {
	names := make([]string, 0, len(c.Extensions)*2)
	for _, ext := range c.Extensions {
		names = append(names, strings.ToLower(ext), strings.ToUpper(ext))
	}
	return names
}

func builtinCodecs() []Codec {
	return []Codec{
		{
			Name:         "jpeg",
			Extensions:   []string{"jpg", "jpeg"},
			ContentType:  "image/jpeg",
			Decode:       jpeg.Decode,
			DecodeConfig: jpeg.DecodeConfig,
			Encode: func(w io.Writer, img image.Image) error {
				return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
			},
		},
		{
			Name:         "png",
			Extensions:   []string{"png"},
			ContentType:  "image/png",
			Decode:       png.Decode,
			DecodeConfig: png.DecodeConfig,
			Encode: func(w io.Writer, img image.Image) error {
				enc := png.Encoder{CompressionLevel: png.BestCompression}
				return enc.Encode(w, img)
			},
		},
		{
			Name:         "gif",
			Extensions:   []string{"gif"},
			ContentType:  "image/gif",
			Decode:       gif.Decode,
			DecodeConfig: gif.DecodeConfig,
			Encode: func(w io.Writer, img image.Image) error {
				return gif.Encode(w, img, nil)
			},
		},
		{
			Name:         "bmp",
			Extensions:   []string{"bmp"},
			ContentType:  "image/bmp",
			Decode:       bmp.Decode,
			DecodeConfig: bmp.DecodeConfig,
			Encode:       bmp.Encode,
		},
		{
			Name:         "tiff",
			Extensions:   []string{"tif", "tiff"},
			ContentType:  "image/tiff",
			Decode:       tiff.Decode,
			DecodeConfig: tiff.DecodeConfig,
			Encode: func(w io.Writer, img image.Image) error {
				return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
			},
		},
	}
}
