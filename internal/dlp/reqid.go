package dlp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newReqID generates a fresh request identifier of the form "req-" + 8 hex
// characters (spec.md §3). Unlike the OTT mint (internal/tokenmint), the
// req-id has no unpredictability requirement of its own — it only needs to
// be collision-resistant within the blocked-request TTL window — so a
// straight hex encoding of 4 random bytes is sufficient.
func newReqID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dlp: generating req-id: %w", err)
	}
	return "req-" + hex.EncodeToString(buf), nil
}
