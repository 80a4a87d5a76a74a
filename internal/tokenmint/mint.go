// Package tokenmint generates unpredictable one-time tokens (component
// 4.B). The only contract callers should rely on is Mint's return value:
// on success, a 12-byte string "ott-" + 8 alphanumeric characters with at
// least 47 bits of entropy; on failure, ErrSourceUnavailable, which callers
// MUST treat as fail-closed (spec.md §4.B, §7).
package tokenmint

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Prefix is prepended to every minted token.
const Prefix = "ott-"

// SuffixLen is the number of alphanumeric characters after Prefix.
const SuffixLen = 8

// alphabet is the 62-character set a suffix byte maps into.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// maxAttempts bounds the rejection-sampling loop so a pathological random
// source (e.g. one that always returns bytes in the biased range) cannot
// spin forever.
const maxAttempts = 256

// rejectionCeiling is the largest multiple of len(alphabet) that fits in a
// byte; bytes at or above this value are discarded to avoid modulo bias.
// len(alphabet) == 62, so 256 - (256 % 62) == 256 - 8 == 248.
const rejectionCeiling = 256 - (256 % len(alphabet))

// ErrSourceUnavailable is returned when the cryptographic random source
// fails, returns a short read, or the rejection-sampling loop exceeds
// maxAttempts without accumulating enough unbiased bytes. Every caller of
// Mint MUST treat this as fail-closed: pass the original traffic through
// unmodified, never fall back to a weaker PRNG or a predictable token.
var ErrSourceUnavailable = errors.New("tokenmint: entropy source unavailable")

// Mint draws unbiased random bytes from crypto/rand and returns a new
// one-time token of the form "ott-XXXXXXXX". It never returns a partial or
// best-effort token: either the full 12-byte string is returned with a nil
// error, or the empty string is returned with ErrSourceUnavailable.
func Mint() (string, error) {
	suffix := make([]byte, 0, SuffixLen)
	scratch := make([]byte, SuffixLen)

	for attempt := 0; attempt < maxAttempts && len(suffix) < SuffixLen; attempt++ {
		need := SuffixLen - len(suffix)
		n, err := rand.Read(scratch[:need])
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		if n != need {
			return "", fmt.Errorf("%w: short read (%d of %d bytes)", ErrSourceUnavailable, n, need)
		}

		for _, b := range scratch[:n] {
			if len(suffix) == SuffixLen {
				break
			}
			if int(b) >= rejectionCeiling {
				continue // biased sample, discard and redraw
			}
			suffix = append(suffix, alphabet[int(b)%len(alphabet)])
		}
	}

	if len(suffix) != SuffixLen {
		return "", fmt.Errorf("%w: exhausted %d attempts without %d unbiased bytes", ErrSourceUnavailable, maxAttempts, SuffixLen)
	}

	return Prefix + string(suffix), nil
}
