// Package schema defines the state-store key schema, namespace TTLs, and the
// record types that flow through it (component 4.A of the design).
//
// Every key the core ever writes belongs to exactly one of five namespaces.
// The namespace determines its TTL and which principals may read or write
// it; the ACL enforcement itself lives outside this process (see spec.md
// §6), but the key shapes below are the contract this process depends on.
package schema

import "time"

// Namespace TTLs, in server-side seconds, as specified in spec.md §4.A.
const (
	BlockedTTL   = 3600 * time.Second
	OTTTTL       = 600 * time.Second
	ApprovedTTL  = 300 * time.Second
	ExceptionTTL = 30 * 24 * time.Hour
	// AuditTTL is an application-level retention window for the log:events
	// ordered set; spec.md notes this is enforced at the application level,
	// not via a server-side per-member TTL (ordered-set members don't carry
	// individual TTLs).
	AuditTTL = 24 * time.Hour
)

// BlockedKey returns the key for a blocked-request record.
func BlockedKey(requestID string) string {
	return "blocked:" + requestID
}

// OTTKey returns the key for an OTT mapping.
func OTTKey(ott string) string {
	return "ott:" + ott
}

// ApprovedKey returns the key for an approval record.
func ApprovedKey(requestID string) string {
	return "approved:" + requestID
}

// ExceptionKey returns the key for a value exception record. host should be
// either a concrete destination host or "*" for a CLI-only wildcard
// exception. hashPrefix16 must be the first 16 hex characters of the
// credential's SHA-256 hash (see ExceptionHashPrefix).
func ExceptionKey(hashPrefix16, host string) string {
	return "exception:value:" + hashPrefix16 + ":" + host
}

// AuditSetKey is the single ordered-set key holding the audit timeline.
const AuditSetKey = "log:events"

// ExceptionHashPrefix returns the 16-hex-character key-routing prefix of a
// full 64-character SHA-256 hex digest. Callers MUST still compare the full
// hash (see Invariant P9 in spec.md §8) before honoring a match — this
// prefix exists only to route to a key, not to authorize anything by
// itself.
func ExceptionHashPrefix(fullHashHex string) string {
	if len(fullHashHex) < 16 {
		return fullHashHex
	}
	return fullHashHex[:16]
}

// BlockedStatus enumerates the lifecycle states of a Blocked Request.
type BlockedStatus string

const (
	BlockedStatusPending BlockedStatus = "pending"
	BlockedStatusExpired BlockedStatus = "expired"
)

// BlockedRequest is the record created by the DLP inspector when a
// credential-match block fires (spec.md §3).
type BlockedRequest struct {
	RequestID        string        `json:"request_id"`
	Reason           string        `json:"reason"`
	Destination      string        `json:"destination"`
	PatternName      string        `json:"pattern_name"`
	BlockedAt        time.Time     `json:"blocked_at"`
	Status           BlockedStatus `json:"status"`
	CredentialHash   string        `json:"credential_hash,omitempty"`
	CredentialPrefix string        `json:"credential_prefix,omitempty"`
}

// OTTAction distinguishes which governance command minted an OTT mapping.
type OTTAction string

const (
	OTTActionApprove OTTAction = "approve"
	OTTActionExcept  OTTAction = "except"
)

// OTTMapping is the record created by the REQMOD rewriter when it mints a
// one-time token (spec.md §3).
type OTTMapping struct {
	OTTCode     string    `json:"ott_code"`
	RequestID   string    `json:"request_id"`
	ArmedAfter  time.Time `json:"armed_after"`
	OriginHost  string    `json:"origin_host"`
	Action      OTTAction `json:"action"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExceptionSource records who created a value exception.
type ExceptionSource string

const (
	ExceptionSourceProxy ExceptionSource = "proxy"
	ExceptionSourceCLI   ExceptionSource = "cli"
)

// ValueException is a persistent credential-hash exception (spec.md §3).
// TTLSecs is nil for a CLI-created permanent exception; the proxy path
// never creates a nil-TTL or wildcard exception (spec.md §4.G step 4f).
type ValueException struct {
	CredentialHash   string          `json:"credential_hash"`
	CredentialPrefix string          `json:"credential_prefix"`
	Destination      string          `json:"destination"`
	PatternName      string          `json:"pattern_name"`
	CreatedAt        time.Time       `json:"created_at"`
	Source           ExceptionSource `json:"source"`
	TTLSecs          *int64          `json:"ttl_secs,omitempty"`
}

// IsWildcard reports whether this exception applies to all destinations.
func (v *ValueException) IsWildcard() bool {
	return v.Destination == "*"
}

// IsPermanent reports whether this exception has no expiry.
func (v *ValueException) IsPermanent() bool {
	return v.TTLSecs == nil
}
