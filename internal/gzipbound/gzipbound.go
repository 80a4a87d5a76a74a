// Package gzipbound provides bounded gzip decompression and recompression
// for RESPMOD (spec.md §4.G step 3): decompression output is grown in two
// steps (4x then 10x the compressed size) and never allowed past a caller
// supplied ceiling, defending against decompression-bomb payloads.
package gzipbound

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned when decompressed output would exceed the
// caller's scan limit even after growing to the 10x ceiling.
var ErrTooLarge = errors.New("gzipbound: decompressed output exceeds scan limit")

// Decompress inflates compressed, capping the output buffer at limit
// bytes. It first attempts a buffer sized at 4x the compressed length
// (or limit, whichever is smaller); if that is insufficient it grows once
// to 10x (again capped at limit) before giving up with ErrTooLarge.
func Decompress(compressed []byte, limit int) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("gzipbound: invalid limit %d", limit)
	}

	sizes := []int{boundedMultiple(len(compressed), 4, limit), boundedMultiple(len(compressed), 10, limit)}

	var lastErr error
	for _, capBytes := range sizes {
		out, err := decompressUpTo(compressed, capBytes)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// decompressUpTo reads at most cap+1 bytes of inflated output from
// compressed; reading the extra byte is how it detects "still truncated
// at this cap" without decompressing the whole (possibly enormous)
// stream.
func decompressUpTo(compressed []byte, capBytes int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gzipbound: opening gzip reader: %w", err)
	}
	defer zr.Close()

	limited := io.LimitReader(zr, int64(capBytes)+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("gzipbound: reading gzip stream: %w", err)
	}
	if len(out) > capBytes {
		return nil, ErrTooLarge
	}
	return out, nil
}

// boundedMultiple returns n*factor, capped at limit, with a floor of 1 so a
// zero-length compressed input still gets a usable scratch size.
func boundedMultiple(n, factor, limit int) int {
	size := n * factor
	if size <= 0 {
		size = factor
	}
	if size > limit {
		size = limit
	}
	return size
}

// Compress gzips plain at the default compression level. Used to
// recompress a body after an OTT has been stripped from it (spec.md §4.G
// step 5).
func Compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return nil, fmt.Errorf("gzipbound: writing gzip stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzipbound: closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
