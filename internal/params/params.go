// Package params turns loosely typed request parameters into a validated
// operation set: case folding and aliasing, per-key schema checks, and
// cross-key dependency rules.
package params

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonical parameter keys.
const (
	KeyWidth   = "w"
	KeyHeight  = "h"
	KeyFit     = "fit"
	KeyFormat  = "fm"
	KeyQuality = "q"
	KeyDPR     = "dpr"
	KeyAuto    = "auto"
)

const (
	FitClip   = "clip"
	FitCrop   = "crop"
	FitBounds = "bounds"

	AutoCompress = "compress"

	MaxWidth  = 2000
	MaxHeight = MaxWidth
)

// Raw holds parameters as received, keys in arbitrary case. Values from a
// query string are strings; programmatic callers may pass int or float64.
type Raw map[string]any

// Normalized holds canonical lower-case keys.
type Normalized map[string]any

// Operations is the validated operation set. Schema keys hold coerced values
// (int for w/h/q, float64 for dpr, string for enums); unknown keys are kept
// as they were normalized.
type Operations map[string]any

// Rejection records a key dropped during validation or dependency checks.
type Rejection struct {
	Key    string
	Value  any
	Reason string
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s=%v: %s", r.Key, r.Value, r.Reason)
}

// FormatSet is a set of lower-case file extensions without the leading dot.
type FormatSet map[string]struct{}

func NewFormatSet(formats ...string) FormatSet {
	set := make(FormatSet, len(formats))
	for _, f := range formats {
		set[strings.ToLower(strings.TrimPrefix(f, "."))] = struct{}{}
	}
	return set
}

// DefaultLossyFormats returns the formats for which a quality setting applies.
func DefaultLossyFormats() FormatSet {
	return NewFormatSet("jpg", "jpeg", "webp")
}

func (s FormatSet) Contains(format string) bool {
	_, ok := s[strings.ToLower(strings.TrimPrefix(format, "."))]
	return ok
}

func (o Operations) Has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o Operations) Int(key string) (int, bool) {
	switch v := o[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

func (o Operations) Number(key string) (float64, bool) {
	switch v := o[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (o Operations) String(key string) (string, bool) {
	v, ok := o[key].(string)
	return v, ok
}

func (o Operations) Clone() Operations {
	out := make(Operations, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Canonical renders the set as sorted key=value pairs joined by '&'. Equal
// sets always render identically, so the result is usable as a cache key.
func (o Operations) Canonical() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(o[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatFloat(t, 'f', 0, 64)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
