// Package dlp implements the DLP content inspector (component 4.F): it
// pattern-matches outbound bodies for credential shapes, hashes any match,
// consults the persistent exception store, and either allows the traffic
// or persists a blocked-request record for the HITL approval flow to pick
// up later.
package dlp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/odralabshq/polis/internal/metrics"
	"github.com/odralabshq/polis/internal/schema"
	"github.com/odralabshq/polis/internal/statestore"
)

// DefaultExceptionLookupTimeout bounds the exception-store round trip in
// the request hot path if ExceptionLookupTimeout is unset (spec.md §4.F
// step 3, §4.I timeouts; §6 default for exception_lookup_timeout_ms).
const DefaultExceptionLookupTimeout = 5 * time.Millisecond

// Decision is the outcome of Inspect.
type Decision struct {
	// Blocked is true when the body must be rejected with a 403-shaped
	// response rather than forwarded.
	Blocked bool
	// Record is populated when Blocked is true.
	Record schema.BlockedRequest
	// PatternName names the matched pattern, set whenever a match occurred
	// (even if ultimately allowed via an exception).
	PatternName string
}

// Inspector binds a Store and pattern set to the inspection algorithm.
type Inspector struct {
	Store    statestore.Store
	Patterns []Pattern
	Log      *slog.Logger
	// ExceptionLookupTimeout overrides DefaultExceptionLookupTimeout; zero
	// means "use the default" (set from
	// config.Config.ExceptionLookupTimeout() at startup).
	ExceptionLookupTimeout time.Duration
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry
}

// New returns an Inspector using DefaultPatterns and DefaultExceptionLookupTimeout.
func New(store statestore.Store, log *slog.Logger) *Inspector {
	if log == nil {
		log = slog.Default()
	}
	return &Inspector{Store: store, Patterns: DefaultPatterns, Log: log, ExceptionLookupTimeout: DefaultExceptionLookupTimeout}
}

func (i *Inspector) exceptionLookupTimeout() time.Duration {
	if i.ExceptionLookupTimeout > 0 {
		return i.ExceptionLookupTimeout
	}
	return DefaultExceptionLookupTimeout
}

// dlpReqData carries the hash and prefix from the match site through to
// block-record composition (spec.md §4.F "State" paragraph). It never
// retains the raw matched bytes past hashing.
type dlpReqData struct {
	hash        string // 64 hex chars
	prefix      string // first 4 raw characters of the matched value
	patternName string
	alwaysBlock bool
}

// Inspect runs every configured pattern against body in order and returns
// on the first match, mirroring spec.md §4.F. A body with no match at all
// returns a zero Decision.
func (i *Inspector) Inspect(ctx context.Context, body []byte, destHost string) (Decision, error) {
	for _, p := range i.Patterns {
		loc := p.Re.FindIndex(body)
		if loc == nil {
			continue
		}
		matched := body[loc[0]:loc[1]]
		data := i.hashMatch(matched, p)
		return i.decide(ctx, data, destHost)
	}
	return Decision{}, nil
}

func (i *Inspector) hashMatch(matched []byte, p Pattern) dlpReqData {
	sum := sha256.Sum256(matched)
	prefixLen := 4
	if len(matched) < prefixLen {
		prefixLen = len(matched)
	}
	return dlpReqData{
		hash:        hex.EncodeToString(sum[:]),
		prefix:      string(matched[:prefixLen]),
		patternName: p.Name,
		alwaysBlock: p.AlwaysBlock,
	}
}

func (i *Inspector) decide(ctx context.Context, data dlpReqData, destHost string) (Decision, error) {
	if !data.alwaysBlock {
		allowed, err := i.checkException(ctx, data.hash, destHost)
		if err != nil {
			// Fail-closed: an exception-lookup failure (including timeout)
			// is treated as "no exception found", never as "allowed"
			// (spec.md §4.F step 3, §7 StoreUnavailable).
			i.Log.Warn("dlp: exception lookup failed, failing closed to block",
				"pattern", data.patternName, "err", err)
			if i.Metrics != nil {
				i.Metrics.StoreUnavailable.WithLabelValues("dlp_exception_lookup").Inc()
			}
		} else if allowed {
			i.Log.Info("dlp: matched value allowed via exception", "pattern", data.patternName, "dest", destHost)
			if i.Metrics != nil {
				i.Metrics.DLPAllows.WithLabelValues(data.patternName).Inc()
			}
			return Decision{PatternName: data.patternName}, nil
		}
	}

	reqID, err := newReqID()
	if err != nil {
		// Fail-closed the other direction: if we cannot even mint a
		// req-id, we cannot produce an actionable block record. Block
		// without one rather than silently allow credential exfiltration.
		i.Log.Error("dlp: failed to generate req-id, blocking without a request record", "err", err)
		return Decision{Blocked: true, PatternName: data.patternName}, nil
	}

	record := schema.BlockedRequest{
		RequestID:        reqID,
		Reason:           "credential_detected",
		Destination:      destHost,
		PatternName:      data.patternName,
		BlockedAt:        time.Now().UTC(),
		Status:           schema.BlockedStatusPending,
		CredentialHash:   data.hash,
		CredentialPrefix: data.prefix,
	}

	if err := i.Store.PutBlocked(ctx, record); err != nil {
		i.Log.Error("dlp: failed to persist blocked record", "req_id", reqID, "err", err)
	}
	if err := i.Store.AppendAudit(ctx, statestore.AuditEntry{
		ID:        "evt-" + reqID + "-blocked",
		Timestamp: record.BlockedAt,
		Event:     "blocked",
		RequestID: reqID,
	}); err != nil {
		i.Log.Warn("dlp: audit append failed", "req_id", reqID, "err", err)
	}
	if i.Metrics != nil {
		i.Metrics.DLPBlocks.WithLabelValues(data.patternName).Inc()
	}

	return Decision{Blocked: true, Record: record, PatternName: data.patternName}, nil
}

// checkException implements spec.md §4.F step 3: a concrete-host lookup
// first, then a wildcard lookup, each re-verified against the full hash to
// defend against 16-char prefix collisions (P9). Both lookups share the
// single ExceptionLookupTimeout budget (see SPEC_FULL.md open-question
// decision for the wildcard-lookup budget question).
func (i *Inspector) checkException(ctx context.Context, fullHash, host string) (bool, error) {
	start := time.Now()
	defer func() {
		if i.Metrics != nil {
			i.Metrics.ExceptionLookupSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, i.exceptionLookupTimeout())
	defer cancel()

	h16 := schema.ExceptionHashPrefix(fullHash)

	if exc, err := i.Store.GetException(ctx, h16, host); err == nil {
		return exc.CredentialHash == fullHash, nil
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return false, err
	}

	exc, err := i.Store.GetException(ctx, h16, "*")
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return exc.CredentialHash == fullHash, nil
}
