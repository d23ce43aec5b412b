package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// BuildExactCacheKey hashes a merged /completion request body. json.Marshal
// sorts map keys, so equal bodies always produce the same hash.
func BuildExactCacheKey(
	body map[string]any,
	userID string,
	modelID string,
	versionID string,
) (ExactCacheKey, error) {
	normalized, err := json.Marshal(body)
	if err != nil {
		return ExactCacheKey{}, err
	}

	sum := sha256.Sum256(normalized)

	return ExactCacheKey{
		UserID:    sanitize(userID),
		ModelID:   sanitize(modelID),
		VersionID: sanitize(versionID),
		Hash:      hex.EncodeToString(sum[:]),
	}, nil
}

// Cacheable reports whether replaying a stored completion for body is
// faithful: sampling must be deterministic, either greedy (temperature <= 0)
// or seeded with a fixed seed.
func Cacheable(body map[string]any) bool {
	if t, ok := number(body["temperature"]); ok && t <= 0 {
		return true
	}
	if s, ok := number(body["seed"]); ok && s >= 0 {
		return true
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.RawMessage:
		var f float64
		if err := json.Unmarshal(n, &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// sanitize keeps key segments free of the ':' separator.
func sanitize(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ":", "_")
}
