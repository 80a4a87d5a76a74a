// Package statestore adapts the shared key-value state store (spec.md §4.D)
// behind a narrow interface: atomic OTT create/resolve/consume, the ordered
// commit sequences for approval and exception, blocked-request and
// exception CRUD, and the append-only audit timeline. A Redis-backed
// implementation (redis.go) is the production adapter; an in-memory fake
// (memstore.go) backs unit tests the same way the teacher's approvals
// package tests against a real temp-file SQLite store instead of a mock.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/odralabshq/polis/internal/schema"
)

// Sentinel errors shared by every Store implementation. Callers compare with
// errors.Is; see spec.md §7 for how each maps to a local, fail-closed action.
var (
	// ErrNotFound is returned when a key (blocked request, OTT mapping,
	// exception) does not exist.
	ErrNotFound = errors.New("statestore: not found")

	// ErrCollision is returned by Create when the OTT key already exists.
	// The caller (REQMOD) retries once with a freshly minted token.
	ErrCollision = errors.New("statestore: key collision")

	// ErrMissingCredentialHash is returned by CommitException when the
	// blocked-request snapshot has no CredentialHash (spec.md §4.D,
	// error taxonomy row MissingCredentialHash).
	ErrMissingCredentialHash = errors.New("statestore: blocked snapshot has no credential_hash")

	// ErrUnavailable wraps connection, auth, and timeout failures talking to
	// the backing store (spec.md §7, StoreUnavailable).
	ErrUnavailable = errors.New("statestore: store unavailable")
)

// AuditEntry is one line of the append-only audit timeline (spec.md §4.H).
// Snapshot is the JSON-encoded blocked-request record captured at decision
// time; it is stored as a string (not re-marshaled) so the writer can apply
// the fallback-escaping rule for malformed snapshots (see audit package).
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Event     string    `json:"event"`
	RequestID string    `json:"request_id,omitempty"`
	Snapshot  string    `json:"snapshot,omitempty"`
}

// Store is the full contract the REQMOD, RESPMOD, DLP, and CLI components
// depend on. Every method must be atomic with respect to concurrent
// callers sharing the same handle.
type Store interface {
	// Ping health-checks the underlying connection.
	Ping(ctx context.Context) error

	// --- OTT namespace (written by REQMOD; read/deleted by RESPMOD) ---

	// CreateOTT performs a SET-if-not-exists of the mapping with OTTTTL.
	// Returns ErrCollision if the key already exists.
	CreateOTT(ctx context.Context, ott string, mapping schema.OTTMapping) error

	// ResolveOTT returns the mapping for ott, or ErrNotFound.
	ResolveOTT(ctx context.Context, ott string) (schema.OTTMapping, error)

	// --- Blocked-request namespace (written by DLP; read by RESPMOD/CLI) ---

	// PutBlocked creates or overwrites a blocked-request record with
	// BlockedTTL.
	PutBlocked(ctx context.Context, req schema.BlockedRequest) error

	// GetBlocked returns the blocked-request record, or ErrNotFound.
	GetBlocked(ctx context.Context, requestID string) (schema.BlockedRequest, error)

	// DeleteBlocked removes the blocked-request record. No-op if absent.
	DeleteBlocked(ctx context.Context, requestID string) error

	// --- Commit sequences (written by RESPMOD, CLI) ---

	// CommitApproval performs the ordered composite from spec.md §4.D:
	// (1) append audit entry, (2) delete blocked:{request_id},
	// (3) create approved:{request_id} with ApprovedTTL,
	// (4) delete ott:{ott}. It is the caller's job to have already verified
	// the time-gate, context binding, and blocked-record presence.
	CommitApproval(ctx context.Context, requestID, originHost, ott string, blocked schema.BlockedRequest) error

	// CommitException performs the ordered composite from spec.md §4.D:
	// (1) append audit, (2) create exception:value:{h16}:{host} with ttl,
	// (3) delete blocked:{request_id}, (4) delete ott:{ott}. Returns
	// ErrMissingCredentialHash if blocked.CredentialHash is empty.
	CommitException(ctx context.Context, ott string, blocked schema.BlockedRequest, ttl time.Duration) error

	// --- Exception namespace (written by RESPMOD and CLI) ---

	// PutException creates or overwrites a value exception. Proxy-path
	// callers (RESPMOD) must never pass a wildcard destination or a nil
	// TTL; only the CLI path may.
	PutException(ctx context.Context, exc schema.ValueException) error

	// GetException looks up the exception keyed by the 16-hex-char hash
	// prefix and a concrete host or "*". Returns ErrNotFound if absent.
	GetException(ctx context.Context, hashPrefix16, host string) (schema.ValueException, error)

	// DeleteException removes an exception record (CLI revoke). No-op if
	// absent.
	DeleteException(ctx context.Context, hashPrefix16, host string) error

	// CountExceptions returns the total number of live exception records,
	// used by the CLI to enforce max_exceptions before creating a new one.
	CountExceptions(ctx context.Context) (int64, error)

	// --- Audit timeline (append-only ordered set, all principals) ---

	// AppendAudit adds entry to the log:events ordered set, scored by its
	// timestamp. Must be called before any destructive mutation in the same
	// commit sequence (spec.md invariant: audit-before-destruction).
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// ListAudit returns audit entries with timestamp >= since, oldest
	// first, capped at limit (0 means a reasonable implementation default).
	ListAudit(ctx context.Context, since time.Time, limit int64) ([]AuditEntry, error)

	// TailAudit returns the most recent limit entries across the whole
	// timeline, oldest first (0 means a reasonable implementation default).
	// Unlike ListAudit(since=zero value, limit), which truncates from the
	// oldest end, TailAudit truncates from the newest end.
	TailAudit(ctx context.Context, limit int64) ([]AuditEntry, error)
}
