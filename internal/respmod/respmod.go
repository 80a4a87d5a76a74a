// Package respmod implements the RESPMOD OTT resolver (component 4.G): it
// scans inbound response bodies on allowlisted hosts for one-time tokens,
// enforces the four-mitigation defense (prior knowledge of the OTT,
// time-gating, channel scoping, and origin-host context binding), commits
// the corresponding approval or exception atomically, and strips the
// token from the body before it reaches the agent.
package respmod

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/odralabshq/polis/internal/domainmatch"
	"github.com/odralabshq/polis/internal/gzipbound"
	"github.com/odralabshq/polis/internal/metrics"
	"github.com/odralabshq/polis/internal/schema"
	"github.com/odralabshq/polis/internal/statestore"
)

// DefaultExceptionTTL is the TTL RESPMOD uses when committing a proxy-path
// exception if ExceptionTTL is unset (spec.md §6 default for
// exception_ttl_default_secs); the proxy path is never permanent and never
// wildcard (spec.md §4.G step 4.f).
const DefaultExceptionTTL = 30 * 24 * time.Hour

// DefaultMaxBodyScan is the default body-size ceiling: bodies (and
// decompression output) beyond this bypass scanning entirely (spec.md §4.G
// steps 2-3).
const DefaultMaxBodyScan = 2 * 1024 * 1024

// ottPattern matches every occurrence of a 12-byte OTT in a response body.
var ottPattern = regexp.MustCompile(`ott-[A-Za-z0-9]{8}`)

// Clock is injectable for tests; defaults to time.Now.
type Clock func() time.Time

// Resolver binds a Store, allowlist, and clock to the resolve algorithm.
type Resolver struct {
	Store       statestore.Store
	Allowlist   []string
	MaxBodyScan int
	Clock       Clock
	Log         *slog.Logger
	// ExceptionTTL overrides DefaultExceptionTTL, set from
	// config.Config.ExceptionTTLDefault() at startup. Zero is a valid,
	// explicit configuration (exception_ttl_default_secs: 0 makes
	// proxy-granted exceptions permanent, per CommitException's ttl<=0
	// handling), not "unset" — New sets the field to DefaultExceptionTTL,
	// so only an explicit assignment after construction changes it.
	ExceptionTTL time.Duration
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry
}

// New returns a Resolver with the given store, allowlist, DefaultMaxBodyScan,
// DefaultExceptionTTL, and a real-time clock.
func New(store statestore.Store, allowlist []string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		Store:        store,
		Allowlist:    allowlist,
		MaxBodyScan:  DefaultMaxBodyScan,
		Clock:        time.Now,
		Log:          log,
		ExceptionTTL: DefaultExceptionTTL,
	}
}

// Result reports what Resolve did.
type Result struct {
	Modified bool
	Body     []byte
}

// Resolve implements spec.md §4.G end to end. contentEncoding is the raw
// Content-Encoding header value; only "gzip" (case-insensitive) triggers
// decompression.
func (r *Resolver) Resolve(ctx context.Context, body []byte, host, contentEncoding string) Result {
	if !domainmatch.Allowed(host, r.Allowlist) {
		return Result{Body: body}
	}

	limit := r.MaxBodyScan
	if limit <= 0 {
		limit = DefaultMaxBodyScan
	}
	if len(body) > limit {
		return Result{Body: body}
	}

	isGzip := strings.EqualFold(strings.TrimSpace(contentEncoding), "gzip")
	plain := body
	if isGzip {
		decoded, err := gzipbound.Decompress(body, limit)
		if err != nil {
			r.Log.Warn("respmod: gzip decompression failed, passing through unmodified", "host", host, "err", err)
			return Result{Body: body}
		}
		plain = decoded
	}

	rewritten, modified := r.scanAndCommit(ctx, plain, host)
	if !modified {
		return Result{Body: body}
	}

	if !isGzip {
		return Result{Modified: true, Body: rewritten}
	}

	recompressed, err := gzipbound.Compress(rewritten)
	if err != nil {
		r.Log.Warn("respmod: gzip recompression failed, passing through unmodified", "host", host, "err", err)
		return Result{Body: body}
	}
	return Result{Modified: true, Body: recompressed}
}

// scanAndCommit finds every OTT occurrence, resolves and commits the ones
// that pass every mitigation, and strips them in place. It returns the
// (possibly unchanged) body and whether any OTT was stripped.
func (r *Resolver) scanAndCommit(ctx context.Context, body []byte, host string) ([]byte, bool) {
	matches := ottPattern.FindAllIndex(body, -1)
	if matches == nil {
		return body, false
	}

	out := make([]byte, len(body))
	copy(out, body)
	modified := false

	for _, loc := range matches {
		ott := string(body[loc[0]:loc[1]])
		if len(ott) != 12 {
			continue // defensive; the pattern itself guarantees 12 bytes
		}

		if r.resolveOne(ctx, ott, host) {
			for i := loc[0]; i < loc[1]; i++ {
				out[i] = '*'
			}
			modified = true
		}
	}

	return out, modified
}

// resolveOne applies every mitigation to a single OTT occurrence and, on
// success, commits the approval or exception. It returns true iff the OTT
// should be stripped from the body.
func (r *Resolver) resolveOne(ctx context.Context, ott, host string) bool {
	mapping, err := r.Store.ResolveOTT(ctx, ott)
	if err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			r.Log.Warn("respmod: ott resolve failed", "ott", ott, "err", err)
		}
		return false
	}

	now := r.now()
	if now.Before(mapping.ArmedAfter) {
		// Time-gate: the message echoed back before a human could plausibly
		// have replied. Leave the mapping intact for a later, legitimate
		// presentation (spec.md P4).
		if r.Metrics != nil {
			r.Metrics.OTTTimeGateSkips.Inc()
		}
		return false
	}

	if !strings.EqualFold(host, mapping.OriginHost) {
		// Context binding: reject cross-channel replay, but the mapping
		// remains resolvable for the correct host (spec.md P5).
		r.Log.Info("respmod: ott context mismatch", "ott", ott, "origin_host", mapping.OriginHost, "presented_host", host)
		if r.Metrics != nil {
			r.Metrics.OTTContextRejects.Inc()
		}
		return false
	}

	blocked, err := r.Store.GetBlocked(ctx, mapping.RequestID)
	if err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			r.Log.Warn("respmod: blocked lookup failed", "req_id", mapping.RequestID, "err", err)
		}
		return false
	}

	switch mapping.Action {
	case schema.OTTActionApprove:
		if err := r.Store.CommitApproval(ctx, mapping.RequestID, mapping.OriginHost, ott, blocked); err != nil {
			r.Log.Error("respmod: commit approval failed", "req_id", mapping.RequestID, "err", err)
			return false
		}
		if r.Metrics != nil {
			r.Metrics.ApprovalsCommitted.Inc()
		}
	case schema.OTTActionExcept:
		if err := r.Store.CommitException(ctx, ott, blocked, r.ExceptionTTL); err != nil {
			if errors.Is(err, statestore.ErrMissingCredentialHash) {
				r.Log.Warn("respmod: exception commit refused, blocked snapshot has no credential hash",
					"req_id", mapping.RequestID)
			} else {
				r.Log.Error("respmod: commit exception failed", "req_id", mapping.RequestID, "err", err)
			}
			return false
		}
		if r.Metrics != nil {
			r.Metrics.ExceptionsCommitted.Inc()
		}
	default:
		r.Log.Error("respmod: ott mapping has unknown action", "ott", ott, "action", mapping.Action)
		return false
	}

	return true
}

func (r *Resolver) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
