// Package metadata normalizes provider metadata maps. Providers and
// downstream consumers disagree on key casing (product_slug vs
// productSlug), so every map is mirrored into both snake_case and
// camelCase before it is persisted or read.
package metadata

import (
	"strings"
	"unicode"
)

// ToSnakeCase converts camelCase keys to snake_case. Keys that already
// contain underscores are lowered as-is.
func ToSnakeCase(key string) string {
	if key == "" {
		return key
	}
	var b strings.Builder
	b.Grow(len(key) + 4)
	runes := []rune(key)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' && !unicode.IsUpper(runes[i-1]) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamelCase converts snake_case keys to camelCase. Keys without
// underscores are returned unchanged.
func ToCamelCase(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	parts := strings.Split(key, "_")
	out := make([]string, 0, len(parts))
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if first {
			out = append(out, p)
			first = false
			continue
		}
		out = append(out, strings.ToUpper(p[:1])+p[1:])
	}
	return strings.Join(out, "")
}

// EnsureCaseVariants returns a copy of m where every key is present in
// both casings. Existing values are never overwritten, so a payload that
// already carries both spellings keeps whichever value each key had.
func EnsureCaseVariants(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m)*2)
	for k, v := range m {
		out[k] = v
	}
	for k, v := range m {
		if snake := ToSnakeCase(k); snake != k {
			if _, ok := out[snake]; !ok {
				out[snake] = v
			}
		}
		if camel := ToCamelCase(k); camel != k {
			if _, ok := out[camel]; !ok {
				out[camel] = v
			}
		}
	}
	return out
}

// Read looks up key in m trying the given spelling first, then its
// snake_case and camelCase variants. Empty values are skipped.
func Read(m map[string]string, key string) string {
	if len(m) == 0 {
		return ""
	}
	for _, candidate := range []string{key, ToSnakeCase(key), ToCamelCase(key)} {
		if v, ok := m[candidate]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// First returns the first non-empty value among the given keys, each
// resolved with dual-case fallback.
func First(m map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := Read(m, key); v != "" {
			return v
		}
	}
	return ""
}
