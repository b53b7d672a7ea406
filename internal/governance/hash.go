package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// volatileKeys are stripped before hashing: they change on every heartbeat
// without any trading-relevant state change.
var volatileKeys = map[string]bool{
	"timestamp":      true,
	"updated_at":     true,
	"last_seen":      true,
	"heartbeat":      true,
	"heartbeat_at":   true,
	"latency_ms":     true,
	"diagnostics":    true,
	"uptime_seconds": true,
}

// StateHash strips volatile fields, canonically serializes the remainder
// and hashes it. Two states with the same hash are trading-equivalent; the
// hash is the unit of comparison for "did anything trading-relevant change"
// and the anchor approval tokens are bound to.
func StateHash(state map[string]any) (string, error) {
	cleaned := stripVolatile(state)
	// encoding/json writes map keys in sorted order, which makes the
	// marshalled form canonical.
	data, err := json.Marshal(cleaned)
	if err != nil {
		return "", fmt.Errorf("state not canonically serializable: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func stripVolatile(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		if volatileKeys[k] {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = stripVolatile(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ContentHash hashes an invariant's enforcement description so the
// self-check itself can be audited externally.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
