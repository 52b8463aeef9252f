//go:build govips && cgo

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/snappy/internal/plan"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, p plan.Plan) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrUndecodableSource, err)
	}
	defer img.Close()

	if err := img.AutoRotate(); err != nil {
		return Output{}, fmt.Errorf("auto-rotate: %w", err)
	}

	quality := plan.DefaultQuality
	strip := false
	for _, in := range p.Instructions {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}

		switch in.Op {
		case plan.OpResize:
			err = applyGovipsResize(img, in)
		case plan.OpCrop:
			left := max(0, (img.Width()-in.Width)/2)
			top := max(0, (img.Height()-in.Height)/2)
			err = img.ExtractArea(left, top, min(in.Width, img.Width()), min(in.Height, img.Height()))
		case plan.OpScale:
			err = img.Resize(in.Percent/100, vips.KernelLanczos3)
		case plan.OpStripMetadata:
			strip = true
			err = img.RemoveMetadata()
		case plan.OpQuality:
			quality = in.Quality
		case plan.OpFormat:
		default:
			err = fmt.Errorf("%w: %q", ErrInvalidInstruction, in.Op)
		}
		if err != nil {
			return Output{}, fmt.Errorf("apply %s: %w", in.Op, err)
		}
	}

	data, err := exportGovipsImage(img, p.Extension, quality, strip)
	if err != nil {
		return Output{}, err
	}

	return Output{
		Data:        data,
		Format:      normalizeOutputFormat(p.Extension),
		ContentType: contentTypeForFormat(p.Extension),
		Width:       img.Width(),
		Height:      img.Height(),
	}, nil
}

func applyGovipsResize(img *vips.ImageRef, in plan.Instruction) error {
	srcW, srcH := img.Width(), img.Height()
	if srcW <= 0 || srcH <= 0 {
		return errors.New("source image has invalid dimensions")
	}
	if in.Width <= 0 && in.Height <= 0 {
		return fmt.Errorf("%w: resize without dimensions", ErrInvalidInstruction)
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

	hScale := float64(w) / float64(srcW)
	vScale := float64(h) / float64(srcH)
	if err := img.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}

func exportGovipsImage(img *vips.ImageRef, ext string, quality int, strip bool) ([]byte, error) {
	switch format := normalizeOutputFormat(ext); format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		params.Quality = quality
		params.StripMetadata = strip
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "png":
		params := vips.NewPngExportParams()
		params.StripMetadata = strip
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		params.Quality = quality
		params.StripMetadata = strip
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case "gif":
		params := vips.NewGifExportParams()
		params.StripMetadata = strip
		data, _, err := img.ExportGIF(params)
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}
