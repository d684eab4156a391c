// Package variant derives the smaller renditions of an uploaded image.
package variant

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/memohai/imgscalr/internal/format"
	"github.com/memohai/imgscalr/internal/keygen"
	"github.com/memohai/imgscalr/internal/logger"
)

// Spec is one row of the variant table.
type Spec struct {
	Label  string
	Suffix string
	Width  int
}

// Artifact is a variant written to disk.
type Artifact struct {
	Label  string
	Path   string
	Width  int
	Height int
	Size   int64
}

// Observer receives one event per attempted variant.
type Observer interface {
	RecordVariant(label string, duration time.Duration, err error)
}

// Generator resizes an original into every configured width smaller than it.
type Generator struct {
	specs    []Spec
	workers  int
	observer Observer
	logger   *slog.Logger
}

// NewGenerator creates a generator. specs must be ascending by width.
func NewGenerator(log *slog.Logger, specs []Spec, workers int, observer Observer) *Generator {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Generator{
		specs:    specs,
		workers:  workers,
		observer: observer,
		logger:   log.With(slog.String("service", "variant")),
	}
}

// Specs returns the configured variant table.
func (g *Generator) Specs() []Spec {
	out := make([]Spec, len(g.specs))
	copy(out, g.specs)
	return out
}

// Generate writes each variant next to dir using key for naming and returns
// the artifacts that were produced, in table order. Variants not strictly
// narrower than src are skipped; a variant that fails is logged and omitted.
// Work that has not started when ctx is done is abandoned.
func (g *Generator) Generate(ctx context.Context, src image.Image, key keygen.UploadKey, dir string, codec format.Codec) []Artifact {
	log := logger.FromContextOr(ctx, g.logger)
	srcWidth := src.Bounds().Dx()
	results := make([]*Artifact, len(g.specs))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i, spec := range g.specs {
		if srcWidth <= spec.Width {
			continue
		}
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return nil
			}
			start := time.Now()
			path := filepath.Join(dir, key.VariantFileName(spec.Suffix))
			artifact, err := resizeToFile(src, spec, path, codec)
			if g.observer != nil {
				g.observer.RecordVariant(spec.Label, time.Since(start), err)
			}
			if err != nil {
				log.Error("generate variant failed",
					slog.String("label", spec.Label),
					slog.String("path", path),
					slog.Any("error", err),
				)
				_ = os.Remove(path)
				return nil
			}
			log.Debug("generated variant",
				slog.String("label", spec.Label),
				slog.String("path", path),
				slog.Int("width", artifact.Width),
				slog.Int("height", artifact.Height),
			)
			results[i] = &artifact
			return nil
		})
	}
	_ = eg.Wait()

	out := make([]Artifact, 0, len(results))
	for _, a := range results {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// FitToWidth returns the height that keeps the aspect ratio of a srcW x srcH
// image scaled to width.
func FitToWidth(srcW, srcH, width int) int {
	if srcW <= 0 {
		return 0
	}
	h := int(math.Round(float64(width) * float64(srcH) / float64(srcW)))
	if h < 1 {
		h = 1
	}
	return h
}

// resizeToFile scales src and encodes the result to path. The scaled bitmap
// only lives for the duration of this call.
func resizeToFile(src image.Image, spec Spec, path string, codec format.Codec) (Artifact, error) {
	bounds := src.Bounds()
	height := FitToWidth(bounds.Dx(), bounds.Dy(), spec.Width)
	dst := image.NewRGBA(image.Rect(0, 0, spec.Width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, fmt.Errorf("create variant file: %w", err)
	}
	if err := codec.Encode(f, dst); err != nil {
		_ = f.Close()
		return Artifact{}, fmt.Errorf("encode %s: %w", codec.Name, err)
	}
	if err := f.Close(); err != nil {
		return Artifact{}, fmt.Errorf("close variant file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat variant file: %w", err)
	}
	return Artifact{
		Label:  spec.Label,
		Path:   path,
		Width:  spec.Width,
		Height: height,
		Size:   info.Size(),
	}, nil
}
