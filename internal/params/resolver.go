package params

import "errors"

type Config struct {
	Schema  Schema
	Aliases map[string]string
	Lossy   FormatSet
}

func DefaultConfig() Config {
	return Config{
		Schema:  DefaultSchema(),
		Aliases: DefaultAliases(),
		Lossy:   DefaultLossyFormats(),
	}
}

// Resolver runs normalization, validation and dependency checks with a fixed
// configuration. It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	schema  Schema
	aliases map[string]string
	lossy   FormatSet
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Schema == nil {
		cfg.Schema = DefaultSchema()
	}
	if cfg.Aliases == nil {
		cfg.Aliases = DefaultAliases()
	}
	if cfg.Lossy == nil {
		cfg.Lossy = DefaultLossyFormats()
	}
	return &Resolver{
		schema:  cfg.Schema,
		aliases: cfg.Aliases,
		lossy:   cfg.Lossy,
	}
}

type Resolution struct {
	Normalized Normalized
	Operations Operations
	// Effective is Operations restricted to schema keys: the part of the
	// request a rendered variant can depend on.
	Effective Operations
	Dropped   []Rejection
}

func (r *Resolver) Lossy() FormatSet {
	return r.lossy
}

// Resolve drops invalid keys silently and always succeeds, possibly with an
// empty operation set.
func (r *Resolver) Resolve(raw Raw) Resolution {
	normalized := Normalize(raw, r.aliases)
	validated, dropped := r.schema.Validate(normalized)
	checked, unmet := CheckDependencies(validated, r.lossy)
	return Resolution{
		Normalized: normalized,
		Operations: checked,
		Effective:  r.effective(checked),
		Dropped:    append(dropped, unmet...),
	}
}

// ResolveStrict rejects the whole request when any key fails validation or a
// dependency rule. The returned error wraps ErrInvalidParameters.
func (r *Resolver) ResolveStrict(raw Raw) (Resolution, error) {
	normalized := Normalize(raw, r.aliases)
	validated, err := r.schema.ValidateStrict(normalized)
	if err != nil {
		return Resolution{Normalized: normalized}, err
	}
	checked, unmet := CheckDependencies(validated, r.lossy)
	if len(unmet) > 0 {
		return Resolution{Normalized: normalized}, &InvalidError{Rejections: unmet}
	}
	return Resolution{Normalized: normalized, Operations: checked, Effective: r.effective(checked)}, nil
}

// Actionable reports whether ops carries any schema key. A set holding only
// unknown keys renders as a passthrough of the source.
func (r *Resolver) Actionable(ops Operations) bool {
	for key := range ops {
		if _, ok := r.schema[key]; ok {
			return true
		}
	}
	return false
}

func (r *Resolver) effective(ops Operations) Operations {
	out := make(Operations, len(ops))
	for key, value := range ops {
		if _, ok := r.schema[key]; ok {
			out[key] = value
		}
	}
	return out
}

// Fields extracts per-key reasons from a strict resolution error.
func Fields(err error) map[string][]string {
	var invalid *InvalidError
	if errors.As(err, &invalid) {
		return invalid.Fields()
	}
	return nil
}
