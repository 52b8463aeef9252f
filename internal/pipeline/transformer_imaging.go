package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/snappy/internal/plan"
	_ "golang.org/x/image/webp"
)

// imagingTransformer is the pure Go engine. Decoding through image.Decode
// never carries metadata into the output, so strip_metadata needs no work.
type imagingTransformer struct{}

func (t imagingTransformer) Transform(ctx context.Context, input []byte, p plan.Plan) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrUndecodableSource, err)
	}

	quality := plan.DefaultQuality
	for _, in := range p.Instructions {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}

		switch in.Op {
		case plan.OpResize:
			img, err = resizeImaging(img, in)
			if err != nil {
				return Output{}, err
			}
		case plan.OpCrop:
			img = imaging.CropCenter(img, in.Width, in.Height)
		case plan.OpScale:
			b := img.Bounds()
			w, h := scaledSize(b.Dx(), b.Dy(), in.Percent)
			img = imaging.Resize(img, w, h, imaging.Lanczos)
		case plan.OpQuality:
			quality = in.Quality
		case plan.OpFormat, plan.OpStripMetadata:
		default:
			return Output{}, fmt.Errorf("%w: %q", ErrInvalidInstruction, in.Op)
		}
	}

	data, err := encodeImaging(img, p.Extension, quality)
	if err != nil {
		return Output{}, err
	}

	bounds := img.Bounds()
	return Output{
		Data:        data,
		Format:      normalizeOutputFormat(p.Extension),
		ContentType: contentTypeForFormat(p.Extension),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}

func resizeImaging(img image.Image, in plan.Instruction) (image.Image, error) {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}
	if in.Width <= 0 && in.Height <= 0 {
		return nil, fmt.Errorf("%w: resize without dimensions", ErrInvalidInstruction)
	}

	var w, h int
	switch {
	case in.Width <= 0 || in.Height <= 0:
		w, h = autoSize(srcW, srcH, in.Width, in.Height)
	case in.Fit == plan.FitContain:
		w, h = containSize(srcW, srcH, in.Width, in.Height)
	case in.Fit == plan.FitCover:
		w, h = coverSize(srcW, srcH, in.Width, in.Height)
	default:
		w, h = in.Width, in.Height
	}

	if w == srcW && h == srcH {
		return imaging.Clone(img), nil
	}
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

func encodeImaging(img image.Image, ext string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	format := normalizeOutputFormat(ext)
	if format == "webp" {
		if err := encodeWebP(&buf, img, quality); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err := imaging.Encode(&buf, img, f, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
