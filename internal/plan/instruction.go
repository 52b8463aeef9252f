package plan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dunamismax/snappy/internal/params"
)

type Op string

const (
	OpResize        Op = "resize"
	OpCrop          Op = "crop"
	OpStripMetadata Op = "strip_metadata"
	OpQuality       Op = "quality"
	OpScale         Op = "scale"
	OpFormat        Op = "format"
)

// FitMode controls how a resize maps the source into its target box.
type FitMode string

const (
	// FitContain preserves aspect ratio and fits inside the box.
	FitContain FitMode = "contain"
	// FitCover preserves aspect ratio and covers the box; a crop follows.
	FitCover FitMode = "cover"
	// FitExact forces the box size and ignores the source aspect ratio.
	FitExact FitMode = "exact"
)

// Instruction is one step for the image engine. A resize with Width or
// Height set to zero derives that side from the source aspect ratio.
type Instruction struct {
	Op      Op
	Width   int
	Height  int
	Fit     FitMode
	Percent float64
	Quality int
	Format  string
}

func (i Instruction) String() string {
	switch i.Op {
	case OpResize:
		return fmt.Sprintf("resize(%s,%s)", box(i.Width, i.Height), i.Fit)
	case OpCrop:
		return fmt.Sprintf("crop(%s,center)", box(i.Width, i.Height))
	case OpScale:
		return "scale(" + strconv.FormatFloat(i.Percent, 'f', -1, 64) + "%)"
	case OpQuality:
		return "quality(" + strconv.Itoa(i.Quality) + ")"
	case OpFormat:
		return "format(" + i.Format + ")"
	default:
		return string(i.Op)
	}
}

func box(w, h int) string {
	ws, hs := "auto", "auto"
	if w > 0 {
		ws = strconv.Itoa(w)
	}
	if h > 0 {
		hs = strconv.Itoa(h)
	}
	return ws + "x" + hs
}

// Plan is the ordered instruction list plus the resolved output.
type Plan struct {
	Instructions []Instruction
	Extension    string
	OutputName   string
	Operations   params.Operations
}

// Empty reports whether the plan changes nothing but possibly the name.
func (p Plan) Empty() bool {
	return len(p.Instructions) == 0
}

func (p Plan) String() string {
	parts := make([]string, 0, len(p.Instructions))
	for _, in := range p.Instructions {
		parts = append(parts, in.String())
	}
	return strings.Join(parts, " ")
}
