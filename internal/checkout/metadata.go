package checkout

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

const (
	maxMetadataKeyLength   = 40
	maxMetadataValueLength = 500

	maxQuantity = 999
)

// SanitizeMetadata converts arbitrary caller metadata into the string map
// Stripe accepts. Blank keys and null values are dropped, non-strings are
// stringified, keys are cut to 40 characters and values to 500. Keys that
// collide after truncation keep the value of the last key in sorted order.
func SanitizeMetadata(input map[string]any) map[string]string {
	out := make(map[string]string, len(input))
	for _, rawKey := range slices.Sorted(maps.Keys(input)) {
		rawValue := input[rawKey]
		key := strings.TrimSpace(rawKey)
		if key == "" || rawValue == nil {
			continue
		}
		value, ok := stringify(rawValue)
		if !ok {
			continue
		}
		out[truncate(key, maxMetadataKeyLength)] = truncate(value, maxMetadataValueLength)
	}
	return out
}

func stringify(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case json.Number:
		return v.String(), true
	case fmt.Stringer:
		return v.String(), true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

// isEmpty mirrors a falsy check on decoded JSON values.
func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case float64:
		return v == 0 || math.IsNaN(v)
	default:
		return false
	}
}

func fillIfEmpty(metadata map[string]any, key, value string) {
	if value == "" {
		return
	}
	if isEmpty(metadata[key]) {
		metadata[key] = value
	}
}

// stringMetadata keeps only string values, for tier and uid lookup.
func stringMetadata(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		if s, ok := value.(string); ok {
			out[key] = s
		}
	}
	return out
}

// NormalizeQuantity coerces a decoded quantity into [1, 999], defaulting to 1.
func NormalizeQuantity(raw any) int64 {
	var n float64
	switch v := raw.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 1
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 1
		}
		n = parsed
	default:
		return 1
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return 1
	}
	floored := math.Floor(n)
	if floored < 1 {
		return 1
	}
	if floored > maxQuantity {
		return maxQuantity
	}
	return int64(floored)
}

// customerSearchQuery builds the metadata search for a Firebase uid. Quotes
// would break the query language, so they become spaces.
func customerSearchQuery(uid string) string {
	escaped := strings.NewReplacer(`"`, " ", `'`, " ").Replace(uid)
	return fmt.Sprintf("metadata['firebase_uid']:'%s'", escaped)
}
