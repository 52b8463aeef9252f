// Package plan maps a validated operation set onto an ordered list of image
// instructions and resolves the output extension.
package plan

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dunamismax/snappy/internal/id"
	"github.com/dunamismax/snappy/internal/params"
)

const (
	DefaultQuality    = 85
	AggressiveQuality = 45
)

var ErrInvalidConfig = errors.New("invalid plan builder config")

type Config struct {
	DefaultQuality    int
	AggressiveQuality int
	Lossy             params.FormatSet
	// Namer returns a process-unique output name carrying ext.
	Namer func(ext string) string
}

func DefaultConfig() Config {
	return Config{
		DefaultQuality:    DefaultQuality,
		AggressiveQuality: AggressiveQuality,
		Lossy:             params.DefaultLossyFormats(),
		Namer:             id.Filename,
	}
}

// Builder is immutable after construction and safe for concurrent use.
type Builder struct {
	defaultQuality    int
	aggressiveQuality int
	lossy             params.FormatSet
	namer             func(string) string
}

func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.DefaultQuality < 1 || cfg.DefaultQuality > 100 {
		return nil, fmt.Errorf("%w: default quality %d out of range", ErrInvalidConfig, cfg.DefaultQuality)
	}
	if cfg.AggressiveQuality < 1 || cfg.AggressiveQuality >= cfg.DefaultQuality {
		return nil, fmt.Errorf("%w: aggressive quality %d must be in [1, %d)", ErrInvalidConfig, cfg.AggressiveQuality, cfg.DefaultQuality)
	}
	if cfg.Lossy == nil {
		cfg.Lossy = params.DefaultLossyFormats()
	}
	if cfg.Namer == nil {
		cfg.Namer = id.Filename
	}
	return &Builder{
		defaultQuality:    cfg.DefaultQuality,
		aggressiveQuality: cfg.AggressiveQuality,
		lossy:             cfg.Lossy,
		namer:             cfg.Namer,
	}, nil
}

// Finalize resolves the output extension and folds auto-compress defaults
// into a copy of ops: with auto=compress, a lossy extension and no explicit
// q, q becomes the aggressive quality. q is removed when the extension is not
// lossy.
func (b *Builder) Finalize(ops params.Operations, sourceExt string) (params.Operations, string) {
	out := ops.Clone()
	ext := b.outputExtension(out, sourceExt)
	lossy := b.lossy.Contains(ext)

	if auto, _ := out.String(params.KeyAuto); auto == params.AutoCompress && lossy && !out.Has(params.KeyQuality) {
		out[params.KeyQuality] = b.aggressiveQuality
	}
	if !lossy {
		delete(out, params.KeyQuality)
	}
	return out, ext
}

// Build finalizes ops and emits instructions in a fixed order: resize, format,
// metadata stripping, quality.
func (b *Builder) Build(ops params.Operations, sourceExt string) Plan {
	final, ext := b.Finalize(ops, sourceExt)

	instructions := resizeInstructions(final)

	if fm, ok := final.String(params.KeyFormat); ok {
		instructions = append(instructions, Instruction{Op: OpFormat, Format: fm})
	}

	if auto, _ := final.String(params.KeyAuto); auto == params.AutoCompress {
		instructions = append(instructions, Instruction{Op: OpStripMetadata})
	}

	if b.lossy.Contains(ext) {
		q, ok := final.Int(params.KeyQuality)
		if !ok {
			q = b.defaultQuality
		}
		instructions = append(instructions, Instruction{Op: OpQuality, Quality: q})
	}

	return Plan{
		Instructions: instructions,
		Extension:    ext,
		OutputName:   b.namer(ext),
		Operations:   final,
	}
}

func (b *Builder) outputExtension(ops params.Operations, sourceExt string) string {
	if fm, ok := ops.String(params.KeyFormat); ok && fm != "" {
		return fm
	}
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(sourceExt), "."))
}

func resizeInstructions(ops params.Operations) []Instruction {
	w, hasW := ops.Int(params.KeyWidth)
	h, hasH := ops.Int(params.KeyHeight)
	dpr, hasDPR := ops.Number(params.KeyDPR)
	if !hasDPR {
		dpr = 1
	}

	switch {
	case hasW && hasH:
		tw, th := ScaleDimension(w, dpr), ScaleDimension(h, dpr)
		fit, _ := ops.String(params.KeyFit)
		switch fit {
		case params.FitCrop:
			return []Instruction{
				{Op: OpResize, Width: tw, Height: th, Fit: FitCover},
				{Op: OpCrop, Width: tw, Height: th},
			}
		case params.FitClip, params.FitBounds:
			return []Instruction{{Op: OpResize, Width: tw, Height: th, Fit: FitContain}}
		default:
			return []Instruction{{Op: OpResize, Width: tw, Height: th, Fit: FitExact}}
		}
	case hasW:
		return []Instruction{{Op: OpResize, Width: ScaleDimension(w, dpr), Fit: FitContain}}
	case hasH:
		return []Instruction{{Op: OpResize, Height: ScaleDimension(h, dpr), Fit: FitContain}}
	case hasDPR:
		return []Instruction{{Op: OpScale, Percent: dpr * 100}}
	default:
		return nil
	}
}

// ScaleDimension applies dpr to a dimension, rounding half away from zero.
// Every dpr-scaled size in a plan goes through this function.
func ScaleDimension(v int, dpr float64) int {
	return int(math.Round(float64(v) * dpr))
}
