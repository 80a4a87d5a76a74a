// Package crypto provides security primitives shared across Polis
// components: currently just the explicit memory-wipe used to clear
// credential buffers after use.
package crypto

import "runtime"

// Wipe overwrites every byte of buf with zero. It is used on password and
// other credential buffers immediately after they have been handed to their
// consumer (e.g. a TLS config or an auth handshake), so the cleartext does
// not linger in the process's heap for the lifetime of a long-running
// worker.
//
// A plain `for i := range buf { buf[i] = 0 }` loop is not guaranteed to
// survive compiler dead-store elimination when the optimizer can prove buf
// is never read again. runtime.KeepAlive after the zeroing loop forces the
// compiler to treat buf as live through the wipe, so the store cannot be
// elided.
func Wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}

// WipeString is a best-effort wipe for a password read into a string. Go
// strings are immutable, so this cannot zero the original backing array in
// the general case; callers that need a guaranteed wipe must read
// credentials into a []byte in the first place (see statestore.loadPassword).
// WipeString exists only to document that intent at call sites that still
// hold a string briefly (e.g. from os.Getenv) and want to drop the
// reference as soon as possible.
func WipeString(s *string) {
	*s = ""
}
