// Package shadow compares two computations of the same analytics payload
// during a read-model migration: normalize, diff, fingerprint, and persist a
// capped sample of disagreements.
package shadow

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/cases"
)

// Keys whose values legitimately differ between the two computations.
var volatileKeys = map[string]bool{
	"generated_at":      true,
	"duration_ms":       true,
	"source":            true,
	"request_id":        true,
	"confidence_status": true,
}

var whitespaceRun = regexp.MustCompile(`\s+`)

var keyFolder = cases.Fold()

func normalizeString(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// Timestamps nested directly under a meta object are volatile too.
func isMetaTimestamp(parent, key string) bool {
	if parent != "meta" {
		return false
	}
	lowered := strings.ToLower(key)
	return strings.HasSuffix(lowered, "_at") ||
		strings.HasSuffix(lowered, "_timestamp") ||
		lowered == "timestamp"
}

func shouldDropKey(parent, key string) bool {
	lowered := strings.ToLower(strings.TrimSpace(key))
	return volatileKeys[lowered] || isMetaTimestamp(parent, lowered)
}

// normalizeNumber rounds to 2 decimals and collapses float values that are
// integers within 1e-9, so 12.000000001 and 12 fingerprint identically.
func normalizeNumber(f float64) any {
	rounded := math.Round(f*100) / 100
	asInt := math.Round(rounded)
	if math.Abs(rounded-asInt) < 1e-9 {
		return int64(asInt)
	}
	return rounded
}

// Normalize puts a payload into comparison form: volatile keys dropped,
// strings whitespace-collapsed, numbers rounded, array order made immaterial.
// The input is never mutated.
func Normalize(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	normalized, ok := normalizeValue(payload, "").(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return normalized
}

func normalizeValue(value any, parent string) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for rawKey, item := range v {
			key := normalizeString(rawKey)
			if key == "" || shouldDropKey(parent, key) {
				continue
			}
			out[key] = normalizeValue(item, key)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item, "[]")
		}
		sort.SliceStable(out, func(i, j int) bool {
			return listSortKey(out[i]) < listSortKey(out[j])
		})
		return out
	case string:
		return normalizeString(v)
	case bool:
		return v
	case float64:
		return normalizeNumber(v)
	case float32:
		return normalizeNumber(float64(v))
	case int:
		return normalizeNumber(float64(v))
	case int32:
		return normalizeNumber(float64(v))
	case int64:
		return normalizeNumber(float64(v))
	case uint:
		return normalizeNumber(float64(v))
	case uint64:
		return normalizeNumber(float64(v))
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return normalizeNumber(f)
		}
		return normalizeString(v.String())
	default:
		return v
	}
}

// listSortKey derives a deterministic ordering key for a normalized list
// element: chart-style objects sort by their (key, label) pair, everything
// else by its canonical JSON.
func listSortKey(value any) string {
	if obj, ok := value.(map[string]any); ok {
		key, _ := obj["key"].(string)
		label, _ := obj["label"].(string)
		if key != "" || label != "" {
			return "dict-key-label\x00" + keyFolder.String(key) + "::" + keyFolder.String(label)
		}
	}
	return "json\x00" + canonicalJSON(value)
}

// canonicalJSON renders a value with sorted keys and fixed separators
// (RFC 8785). Unencodable values fall back to their Go formatting; they only
// occur for non-JSON inputs, which compare by identity anyway.
func canonicalJSON(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return "!" + strings.TrimSpace(err.Error())
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}
