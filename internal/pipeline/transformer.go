package pipeline

import (
	"context"
	"math"
	"strings"

	"github.com/dunamismax/snappy/internal/plan"
)

// Transformer executes a plan against encoded source bytes. Implementations
// decode the source, apply instructions in order, and encode to
// plan.Extension.
type Transformer interface {
	Transform(ctx context.Context, input []byte, p plan.Plan) (Output, error)
}

type Output struct {
	Data        []byte
	Format      string
	ContentType string
	Width       int
	Height      int
}

func normalizeOutputFormat(format string) string {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	switch format {
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	default:
		return format
	}
}

func contentTypeForFormat(format string) string {
	switch normalizeOutputFormat(format) {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// containSize fits srcW x srcH inside boxW x boxH preserving aspect ratio.
// Upscaling is allowed.
func containSize(srcW, srcH, boxW, boxH int) (int, int) {
	if srcW*boxH > boxW*srcH {
		return boxW, max(1, roundDiv(boxW*srcH, srcW))
	}
	return max(1, roundDiv(boxH*srcW, srcH)), boxH
}

// coverSize scales srcW x srcH so that it covers boxW x boxH, preserving
// aspect ratio. The overflowing side is cropped afterwards.
func coverSize(srcW, srcH, boxW, boxH int) (int, int) {
	if srcW*boxH > boxW*srcH {
		return max(boxW, roundDiv(boxH*srcW, srcH)), boxH
	}
	return boxW, max(boxH, roundDiv(boxW*srcH, srcW))
}

// autoSize fills a zero side of a single-dimension resize from the source
// aspect ratio.
func autoSize(srcW, srcH, w, h int) (int, int) {
	switch {
	case w > 0 && h <= 0:
		return w, max(1, roundDiv(w*srcH, srcW))
	case h > 0 && w <= 0:
		return max(1, roundDiv(h*srcW, srcH)), h
	default:
		return w, h
	}
}

func scaledSize(srcW, srcH int, percent float64) (int, int) {
	factor := percent / 100
	return max(1, plan.ScaleDimension(srcW, factor)), max(1, plan.ScaleDimension(srcH, factor))
}

func roundDiv(num, den int) int {
	return int(math.Round(float64(num) / float64(den)))
}
