package params

import (
	"net/url"
	"sort"
	"strings"
)

// DefaultAliases maps long parameter names to their canonical short form.
func DefaultAliases() map[string]string {
	return map[string]string{
		"width":   KeyWidth,
		"height":  KeyHeight,
		"quality": KeyQuality,
		"format":  KeyFormat,
	}
}

// Normalize lower-cases keys and string values, then applies aliases. It
// never fails. When several raw keys fold onto one canonical key, a key that
// is already canonical beats an alias, and among equals the lexicographically
// smallest raw key wins.
func Normalize(raw Raw, aliases map[string]string) Normalized {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Normalized, len(raw))
	viaAlias := make(map[string]bool, len(raw))
	for _, rawKey := range keys {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}

		aliased := false
		if canonical, ok := aliases[key]; ok {
			key = canonical
			aliased = true
		}

		if _, taken := out[key]; taken && (aliased || !viaAlias[key]) {
			continue
		}

		out[key] = normalizeValue(raw[rawKey])
		viaAlias[key] = aliased
	}
	return out
}

func normalizeValue(v any) any {
	if s, ok := v.(string); ok {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return v
}

// FromQuery converts URL query values into Raw parameters, keeping the first
// value of repeated keys.
func FromQuery(values url.Values) Raw {
	raw := make(Raw, len(values))
	for k, v := range values {
		if len(v) == 0 {
			continue
		}
		raw[k] = v[0]
	}
	return raw
}

// FromStrings converts a plain string map into Raw parameters.
func FromStrings(values map[string]string) Raw {
	raw := make(Raw, len(values))
	for k, v := range values {
		raw[k] = v
	}
	return raw
}
