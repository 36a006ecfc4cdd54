package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
)

const (
	// DefaultMaxDimension bounds the width and height of converted images.
	DefaultMaxDimension = 2048
	// DefaultMaxPixels bounds the canvas a source image may declare.
	DefaultMaxPixels = 64 << 20
)

// Image decodes JPEG, PNG, GIF, BMP and TIFF input and re-encodes it as PNG,
// scaling it down to fit MaxDimension while keeping the aspect ratio. Inputs
// whose header declares more than MaxPixels are refused before decoding.
type Image struct {
	MaxDimension int
	MaxPixels    int64
}

// NewImage constructs the ImageToPng converter.
func NewImage(maxDimension int, maxPixels int64) *Image {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Image{MaxDimension: maxDimension, MaxPixels: maxPixels}
}

// Convert implements registry.Converter.
func (c *Image) Convert(ctx context.Context, fc registry.FileContext) (*registry.Outcome, error) {
	data, err := io.ReadAll(fc.Body)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	ext := registry.Extension(fc.FileName)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if errors.Is(err, image.ErrFormat) {
		return nil, &registry.UnsupportedTypeError{Extension: ext, Detail: "content is not a recognised image format"}
	}
	if err != nil {
		return nil, &registry.UnsupportedTypeError{Extension: ext, Detail: fmt.Sprintf("unreadable image header: %v", err)}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); cfg.Width <= 0 || cfg.Height <= 0 || pixels > c.MaxPixels {
		return nil, &registry.UnsupportedTypeError{
			Extension: ext,
			Detail:    fmt.Sprintf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, c.MaxPixels),
		}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, fit(src, c.MaxDimension)); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	name := filepath.Base(fc.FileName)
	return &registry.Outcome{
		FileName:    strings.TrimSuffix(name, filepath.Ext(name)) + ".png",
		ContentType: "image/png",
		Body:        buf.Bytes(),
	}, nil
}

func fit(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}
	scale := math.Min(float64(maxDim)/float64(w), float64(maxDim)/float64(h))
	nw := int(math.Max(1, math.Round(float64(w)*scale)))
	nh := int(math.Max(1, math.Round(float64(h)*scale)))
	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
