// Copyright 2026 Loomgate Authors. All rights reserved.

package config

// secretKeys are leaf names whose values never leave the process
// unmasked.
var secretKeys = map[string]bool{
	"apiKey": true,
	"token":  true,
}

// MaskValue replaces masked secrets on the way out.
const MaskValue = "***"

// DeepMerge recursively merges patch over base and returns the result.
// Maps merge key by key; any other value in patch replaces the base
// value. Neither input is mutated.
func DeepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if pm, ok := pv.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = DeepMerge(bm, pm)
				continue
			}
			out[k] = DeepMerge(nil, pm)
			continue
		}
		out[k] = pv
	}
	return out
}

// StripMasked removes every leaf whose value is exactly "***" so that a
// masked read-out submitted back is a no-op. Descends into nested maps
// and slices of maps.
func StripMasked(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case string:
			if val == MaskValue {
				continue
			}
			out[k] = val
		case map[string]any:
			out[k] = StripMasked(val)
		case []any:
			list := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					list[i] = StripMasked(m)
				} else {
					list[i] = item
				}
			}
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}

// MaskSecrets replaces every non-empty secret leaf with "***". Descends
// into nested maps and slices of maps.
func MaskSecrets(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if secretKeys[k] {
			if s, ok := v.(string); ok && s != "" {
				out[k] = MaskValue
				continue
			}
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = MaskSecrets(val)
		case []any:
			list := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					list[i] = MaskSecrets(m)
				} else {
					list[i] = item
				}
			}
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}
