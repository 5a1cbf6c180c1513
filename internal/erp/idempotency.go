package erp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// IdempotencyKey derives a deterministic key from the semantic content of a
// write action. Two calls with the same action and value-equal arguments get
// the same key, so an upstream retry path can deduplicate the effect.
//
// Map keys are serialized in sorted order by encoding/json, which makes the
// serialization canonical for argument maps of JSON-shaped values.
func IdempotencyKey(action string, args map[string]interface{}) string {
	body, err := json.Marshal(args)
	if err != nil {
		// Non-JSON-shaped args cannot be canonicalized; fall back to the
		// action alone rather than failing the write.
		body = nil
	}

	h := sha256.New()
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
