package gzipbound_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/odralabshq/polis/internal/gzipbound"
)

func TestCompressDecompress_RoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog, ott-AbCdEfGh too")
	compressed, err := gzipbound.Compress(plain)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	out, err := gzipbound.Decompress(compressed, 1024*1024)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatalf("round trip mismatch: got %q, want %q", out, plain)
	}
}

func TestDecompress_GrowsFrom4xTo10x(t *testing.T) {
	// A highly compressible payload whose inflated size is much larger than
	// 4x its compressed size, forcing the second (10x) attempt to succeed.
	plain := []byte(strings.Repeat("a", 100000))
	compressed, err := gzipbound.Compress(plain)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	out, err := gzipbound.Decompress(compressed, 1024*1024)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatal("decompressed output did not match after growing buffer")
	}
}

func TestDecompress_BombExceedsLimit_Fails(t *testing.T) {
	plain := []byte(strings.Repeat("a", 10*1024*1024)) // 10 MiB of zeros-equivalent
	compressed, err := gzipbound.Compress(plain)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	_, err = gzipbound.Decompress(compressed, 1024) // 1 KiB limit, far below payload
	if err == nil {
		t.Fatal("expected Decompress to fail for a payload exceeding the scan limit")
	}
}

func TestDecompress_InvalidGzip_Errors(t *testing.T) {
	_, err := gzipbound.Decompress([]byte("not gzip data"), 1024)
	if err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}
