package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/memohai/imgscalr/internal/format"
)

// ErrTooManyPixels means the original exceeds upload.max_pixels.
var ErrTooManyPixels = errors.New("image exceeds pixel limit")

// loadImage parses the original at path. The header is checked against
// maxPixels before any pixel data is decoded; maxPixels <= 0 disables the check.
func loadImage(path string, codec format.Codec, maxPixels int64) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := codec.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", codec.Name, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, err := codec.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", codec.Name, err)
	}
	return img, nil
}
