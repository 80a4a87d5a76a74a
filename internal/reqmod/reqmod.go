// Package reqmod implements the REQMOD rewriter (component 4.E): it scans
// outbound request bodies for a governance command referencing a blocked
// request, mints a one-time token, and substitutes it in place of the
// req-id so the command can travel to a messaging platform without
// exposing the blocked request's real identifier.
package reqmod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/odralabshq/polis/internal/metrics"
	"github.com/odralabshq/polis/internal/schema"
	"github.com/odralabshq/polis/internal/statestore"
	"github.com/odralabshq/polis/internal/tokenmint"
)

// commandPattern captures the governance verb and the req-id it targets.
// Capture group 1 is "polis-approve" or "polis-except"; group 2 is the
// req-id. One or more whitespace characters separate them (spec.md §6).
var commandPattern = regexp.MustCompile(`/(polis-approve|polis-except)\s+(req-[0-9a-f]{8})`)

// reqIDPattern re-validates the captured req-id in isolation; the outer
// commandPattern already constrains the shape, but a dedicated check keeps
// the input-validation defense explicit and independent of the combined
// regex (spec.md §4.E step 2).
var reqIDPattern = regexp.MustCompile(`^req-[0-9a-f]{8}$`)

// DefaultTimeGate is the delay before a minted OTT becomes acceptable to
// RESPMOD, used when TimeGate is unset (spec.md §6 default for
// time_gate_secs).
const DefaultTimeGate = 15 * time.Second

// Clock is injectable for tests; defaults to time.Now.
type Clock func() time.Time

// Rewriter binds a Store and Clock to the rewrite algorithm.
type Rewriter struct {
	Store statestore.Store
	Clock Clock
	Log   *slog.Logger
	// TimeGate overrides DefaultTimeGate, set from config.Config.TimeGate()
	// at startup. Zero is a valid, explicit configuration (time_gate_secs:
	// 0 disables the echo-defense delay entirely), not "unset" — New sets
	// the field to DefaultTimeGate, so only an explicit assignment after
	// construction changes it.
	TimeGate time.Duration
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry
}

// New returns a Rewriter with the given store, DefaultTimeGate, and a
// real-time clock.
func New(store statestore.Store, log *slog.Logger) *Rewriter {
	if log == nil {
		log = slog.Default()
	}
	return &Rewriter{Store: store, Clock: time.Now, Log: log, TimeGate: DefaultTimeGate}
}

// Result reports what Rewrite did so callers (the ICAP handler) can decide
// whether to signal "modified" to the adaptation runtime.
type Result struct {
	Modified bool
	Body     []byte
}

// Rewrite implements spec.md §4.E end to end. It never returns an error to
// the caller: every failure path is absorbed locally and reported as an
// unmodified Result, per the fail-closed propagation policy in §7.
func (r *Rewriter) Rewrite(ctx context.Context, body []byte, host string) Result {
	loc := commandPattern.FindSubmatchIndex(body)
	if loc == nil {
		return Result{Body: body}
	}

	verb := string(body[loc[2]:loc[3]])
	reqID := string(body[loc[4]:loc[5]])

	if !reqIDPattern.MatchString(reqID) {
		r.Log.Warn("reqmod: captured req-id failed strict validation", "req_id", reqID)
		return Result{Body: body}
	}

	blocked, err := r.Store.GetBlocked(ctx, reqID)
	if err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			r.Log.Warn("reqmod: blocked lookup failed, passing through unmodified", "err", err)
		}
		return Result{Body: body}
	}

	action := schema.OTTActionApprove
	if verb == "polis-except" {
		action = schema.OTTActionExcept
	}

	ott, err := r.mintWithRetry(ctx, reqID, host, action)
	if err != nil {
		r.Log.Error("reqmod: failed to mint or register ott, passing through unmodified",
			"req_id", reqID, "err", err, "severity", "critical")
		if r.Metrics != nil {
			r.Metrics.MintFailures.Inc()
		}
		return Result{Body: body}
	}

	entry := statestore.AuditEntry{
		ID:        "evt-" + reqID + "-rewritten",
		Timestamp: r.now(),
		Event:     "request_rewritten",
		RequestID: reqID,
	}
	if err := r.Store.AppendAudit(ctx, entry); err != nil {
		r.Log.Warn("reqmod: audit append failed", "req_id", reqID, "err", err)
	}

	out := make([]byte, len(body))
	copy(out, body)
	if len(ott) != len(reqID) {
		// Length-preservation is a compile-time invariant of the token
		// format (spec.md §9); if it ever drifts, refuse to corrupt the
		// body rather than write a mismatched span.
		r.Log.Error("reqmod: ott/req-id length mismatch, passing through unmodified",
			"ott_len", len(ott), "req_id_len", len(reqID))
		return Result{Body: body}
	}
	copy(out[loc[4]:loc[5]], ott)

	_ = blocked // validated to exist; its snapshot travels via RESPMOD's own GetBlocked at commit time
	if r.Metrics != nil {
		r.Metrics.RequestsRewritten.Inc()
	}
	return Result{Modified: true, Body: out}
}

// mintWithRetry mints an OTT and registers its mapping, retrying once on a
// key collision (spec.md §4.D, §7 StoreCollision). A second collision is a
// soft failure: the caller treats it exactly like any other mint failure.
func (r *Rewriter) mintWithRetry(ctx context.Context, reqID, host string, action schema.OTTAction) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ott, err := tokenmint.Mint()
		if err != nil {
			return "", fmt.Errorf("mint: %w", err)
		}

		mapping := schema.OTTMapping{
			OTTCode:    ott,
			RequestID:  reqID,
			ArmedAfter: r.now().Add(r.TimeGate),
			// OriginHost is stored raw: the store serializes mappings with
			// encoding/json, which already escapes '"' and '\' correctly.
			// Manual escaping here would double-escape (see schema.EscapeJSONString,
			// reserved for hand-assembled JSON in the audit writer).
			OriginHost: host,
			Action:     action,
			CreatedAt:  r.now(),
		}

		err = r.Store.CreateOTT(ctx, ott, mapping)
		if err == nil {
			return ott, nil
		}
		if errors.Is(err, statestore.ErrCollision) {
			continue
		}
		return "", fmt.Errorf("create ott: %w", err)
	}
	return "", errors.New("reqmod: exhausted retry after second ott collision")
}

func (r *Rewriter) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
