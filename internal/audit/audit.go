// Package audit provides the append-before-destruction journal writer
// (component 4.H). statestore's commit sequences already call the store's
// AppendAudit directly for the REQMOD/RESPMOD/DLP hot paths; this package
// is the writer the administrator CLI and any other out-of-band caller use
// to add entries with the same snapshot-safety guarantee, and the read
// side (ListAudit passthrough) the CLI uses to print the timeline.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odralabshq/polis/internal/schema"
	"github.com/odralabshq/polis/internal/statestore"
)

func marshalSnapshot(req schema.BlockedRequest) ([]byte, error) {
	return json.Marshal(req)
}

// Writer appends audit entries, applying the JSON-safety fallback from
// spec.md §4.H: a snapshot that is not itself a JSON object is wrapped as
// an escaped quoted string rather than inlined raw, with a logged warning.
type Writer struct {
	Store statestore.Store
	Log   *slog.Logger
}

// New returns a Writer over store.
func New(store statestore.Store, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{Store: store, Log: log}
}

// Append records one audit entry. snapshot is the already-JSON-encoded
// blocked-request payload in the common case (see statestore.RedisStore,
// which json.Marshals the struct directly); callers with a raw string
// snapshot from a less-trusted source should still pass it here so the
// safety check in embedSnapshot runs.
func (w *Writer) Append(ctx context.Context, event, requestID string, snapshot []byte) error {
	entry := statestore.AuditEntry{
		ID:        "evt-" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Event:     event,
		RequestID: requestID,
		Snapshot:  w.embedSnapshot(snapshot),
	}
	return w.Store.AppendAudit(ctx, entry)
}

// embedSnapshot returns raw unchanged if it looks like a JSON object
// (starts with '{', ignoring leading whitespace); otherwise it wraps it as
// an escaped JSON string and logs a warning, per spec.md §4.H.
func (w *Writer) embedSnapshot(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	w.Log.Warn("audit: snapshot failed json-object safety check, wrapping as quoted string",
		"snapshot_prefix", safePrefix(trimmed))
	return `"` + schema.EscapeJSONString(trimmed) + `"`
}

// safePrefix returns up to 32 characters of s for log context, never the
// whole value (it may be sensitive or unbounded).
func safePrefix(s string) string {
	const n = 32
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BlockedSnapshot JSON-encodes req for use as an audit entry snapshot. It
// never fails in practice (schema.BlockedRequest has no un-marshalable
// fields), but returns an error rather than panic to keep the call site
// honest about the possibility.
func BlockedSnapshot(req schema.BlockedRequest) ([]byte, error) {
	return marshalSnapshot(req)
}

// List returns audit entries since the given time, oldest first.
func (w *Writer) List(ctx context.Context, since time.Time, limit int64) ([]statestore.AuditEntry, error) {
	return w.Store.ListAudit(ctx, since, limit)
}

// Since is an alias for List kept for callers that read more naturally as
// "entries since t" than "list since t" (the CLI's --since flag).
func (w *Writer) Since(ctx context.Context, since time.Time, limit int64) ([]statestore.AuditEntry, error) {
	return w.List(ctx, since, limit)
}

// Tail returns the most recent n audit entries across the whole timeline,
// oldest first, the way `tail -f`-style log viewers present a window.
func (w *Writer) Tail(ctx context.Context, n int64) ([]statestore.AuditEntry, error) {
	return w.Store.TailAudit(ctx, n)
}
