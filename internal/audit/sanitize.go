package audit

import "strings"

// Redacted replaces the value of any sensitive metadata field.
const Redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively as substrings of a metadata
// field name.
var sensitiveKeys = []string{"password", "token", "key", "secret", "ssn", "credit_card"}

// IsSensitiveKey reports whether a metadata field name must be redacted.
func IsSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of meta with every sensitive field replaced by
// Redacted, descending into nested maps and slices. The input is not
// modified.
func Sanitize(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			if IsSensitiveKey(k) {
				out[k] = Redacted
			} else {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}
