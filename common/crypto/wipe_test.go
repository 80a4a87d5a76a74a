package crypto_test

import (
	"testing"

	"github.com/odralabshq/polis/common/crypto"
)

func TestWipe_ZeroesBuffer(t *testing.T) {
	buf := []byte("hunter2secretpassword")
	crypto.Wipe(buf)

	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not wiped: got %d", i, b)
		}
	}
}

func TestWipe_EmptyBuffer(t *testing.T) {
	// Must not panic on an empty or nil buffer.
	crypto.Wipe(nil)
	crypto.Wipe([]byte{})
}

func TestWipeString_ClearsReference(t *testing.T) {
	s := "super-secret"
	crypto.WipeString(&s)
	if s != "" {
		t.Fatalf("expected empty string, got %q", s)
	}
}
