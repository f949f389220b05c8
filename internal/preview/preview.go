package preview

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

const DefaultMaxSize = 1024

var ErrInvalidSize = errors.New("invalid preview size")

type Source interface {
	Preview(ctx context.Context, source string, maxSize int) ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, dest, filePath string, content []byte, contentType string) (string, error)
}

type Result struct {
	Data    []byte
	Width   int
	Height  int
	ETag    string
	Message string
}

type Generator struct {
	source    Source
	publisher Publisher
	logger    *zap.Logger

	normalize func(data []byte, maxSize int) ([]byte, int, int, error)
}

func New(source Source, publisher Publisher, logger *zap.Logger) *Generator {
	return &Generator{
		source:    source,
		publisher: publisher,
		logger:    logger.Named("preview"),
		normalize: normalizePNG,
	}
}

// Generate fetches a preview of src no larger than maxSize on its longest
// side, re-encoded as PNG. When previewPath is set the image is published as
// {previewPath}/preview_s{maxSize}.png.
func (g *Generator) Generate(ctx context.Context, src string, maxSize int, previewPath string) (*Result, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	if maxSize < 0 || maxSize > 8192 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, maxSize)
	}

	g.logger.Info("Generating preview", zap.String("src", src), zap.Int("max_size", maxSize))

	raw, err := g.source.Preview(ctx, src, maxSize)
	if err != nil {
		return nil, err
	}

	data, width, height, err := g.normalize(raw, maxSize)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Data:   data,
		Width:  width,
		Height: height,
		ETag:   generateETag(src, maxSize),
	}

	if previewPath != "" {
		output := fmt.Sprintf("%s/preview_s%d.png", strings.Trim(previewPath, "/"), maxSize)
		msg, err := g.publisher.Publish(ctx, previewPath, output, data, "image/png")
		if err != nil {
			return nil, fmt.Errorf("failed to publish preview: %w", err)
		}
		result.Message = msg
	}

	return result, nil
}

// normalizePNG decodes data with libvips, downscales it so the longest side
// is at most maxSize and exports PNG.
func normalizePNG(data []byte, maxSize int) ([]byte, int, int, error) {
	image, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode preview: %w", err)
	}
	defer image.Close()

	if scale := scaleFactor(image.Width(), image.Height(), maxSize); scale < 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(scale, resizeOpts); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to resize: %w", err)
		}
	}

	out, err := image.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to export: %w", err)
	}
	return out, image.Width(), image.Height(), nil
}

// scaleFactor is the resize ratio bringing the longest side down to maxSize;
// images already small enough get 1.
func scaleFactor(width, height, maxSize int) float64 {
	longest := math.Max(float64(width), float64(height))
	if maxSize <= 0 || longest <= float64(maxSize) {
		return 1
	}
	return float64(maxSize) / longest
}

func generateETag(src string, maxSize int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s_s%d.png", src, maxSize)))
	return hex.EncodeToString(hash[:])[:16]
}
