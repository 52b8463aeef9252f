package params

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidParameters = errors.New("invalid parameters")

type Kind int

const (
	KindInteger Kind = iota + 1
	KindNumber
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindNumber:
		return "number"
	case KindEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// Rule constrains a single key. Min and Max are inclusive and only apply to
// numeric kinds.
type Rule struct {
	Kind Kind
	Min  float64
	Max  float64
	Enum []string
}

// Schema maps canonical keys to their rule. Keys outside the schema are not
// validated.
type Schema map[string]Rule

// DefaultSchema returns the supported transformation schema. Each call
// returns a fresh value.
func DefaultSchema() Schema {
	return Schema{
		KeyWidth:   {Kind: KindInteger, Min: 1, Max: MaxWidth},
		KeyHeight:  {Kind: KindInteger, Min: 1, Max: MaxHeight},
		KeyFit:     {Kind: KindEnum, Enum: []string{FitClip, FitCrop, FitBounds}},
		KeyFormat:  {Kind: KindEnum, Enum: []string{"jpeg", "jpg", "png", "gif", "webp"}},
		KeyQuality: {Kind: KindInteger, Min: 1, Max: 100},
		KeyDPR:     {Kind: KindNumber, Min: 1, Max: 8},
		KeyAuto:    {Kind: KindEnum, Enum: []string{AutoCompress}},
	}
}

// Validate checks every schema key present in n and drops the ones that fail
// coercion or constraints. One failing key never affects another.
func (s Schema) Validate(n Normalized) (Operations, []Rejection) {
	out := make(Operations, len(n))
	var dropped []Rejection
	for _, key := range sortedKeys(n) {
		value := n[key]
		rule, known := s[key]
		if !known {
			out[key] = value
			continue
		}

		coerced, err := rule.apply(value)
		if err != nil {
			dropped = append(dropped, Rejection{Key: key, Value: value, Reason: err.Error()})
			continue
		}
		out[key] = coerced
	}
	return out, dropped
}

// ValidateStrict applies the same checks as Validate but fails the whole set
// when any key is rejected.
func (s Schema) ValidateStrict(n Normalized) (Operations, error) {
	ops, dropped := s.Validate(n)
	if len(dropped) > 0 {
		return nil, &InvalidError{Rejections: dropped}
	}
	return ops, nil
}

// InvalidError lists every rejected key of a strictly validated request.
type InvalidError struct {
	Rejections []Rejection
}

func (e *InvalidError) Error() string {
	parts := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidParameters, strings.Join(parts, "; "))
}

func (e *InvalidError) Unwrap() error {
	return ErrInvalidParameters
}

// Fields groups rejection reasons by key.
func (e *InvalidError) Fields() map[string][]string {
	out := make(map[string][]string, len(e.Rejections))
	for _, r := range e.Rejections {
		out[r.Key] = append(out[r.Key], r.Reason)
	}
	return out
}

func (r Rule) apply(value any) (any, error) {
	switch r.Kind {
	case KindInteger:
		v, err := toInt(value)
		if err != nil {
			return nil, err
		}
		if !r.inRange(float64(v)) {
			return nil, r.rangeError()
		}
		return v, nil
	case KindNumber:
		v, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		if !r.inRange(v) {
			return nil, r.rangeError()
		}
		return v, nil
	case KindEnum:
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		for _, allowed := range r.Enum {
			if v == allowed {
				return v, nil
			}
		}
		return nil, fmt.Errorf("must be one of %s", strings.Join(r.Enum, ", "))
	default:
		return nil, fmt.Errorf("unsupported rule kind %s", r.Kind)
	}
}

// inRange is written so that NaN never passes.
func (r Rule) inRange(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func (r Rule) rangeError() error {
	return fmt.Errorf("must be between %s and %s", formatValue(r.Min), formatValue(r.Max))
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", value)
	}
}

func toFloat(value any) (float64, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected finite number, got %v", value)
	}
	return f, nil
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
