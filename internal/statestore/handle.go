package statestore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/odralabshq/polis/common/crypto"
	"github.com/odralabshq/polis/common/retry"
	"github.com/odralabshq/polis/internal/schema"
)

// Handle wraps a *RedisStore shared across every worker goroutine in the
// process. go-redis's own client is already safe for concurrent use, but
// the reconnect-and-reauthenticate sequence below is not: two goroutines
// racing to reauthenticate after a dropped connection must not both read
// and wipe the credential file at once. One mutex per Handle serializes
// exactly that sequence (spec.md §4.I, §9); ordinary Store calls pass
// through to the client without taking the lock.
type Handle struct {
	mu             sync.Mutex
	store          *RedisStore
	cfg            RedisConfig
	credentialFile string
	reconnecting   bool
}

// NewHandle constructs a Handle around an already-connected store.
// credentialFile, if non-empty, is re-read on every reconnect instead of
// trusting environment variables, which can be stale or visible to other
// processes on the host (spec.md §9).
func NewHandle(store *RedisStore, cfg RedisConfig, credentialFile string) *Handle {
	return &Handle{store: store, cfg: cfg, credentialFile: credentialFile}
}

// Store returns the current underlying Store, probing its health first and
// reconnecting if the probe fails. Callers should fetch the Store via this
// method immediately before each use rather than caching it across calls.
func (h *Handle) Store(ctx context.Context) (Store, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Ping(ctx); err == nil {
		return h.store, nil
	}

	if err := h.reconnectLocked(ctx); err != nil {
		return nil, err
	}
	return h.store, nil
}

// reconnectLocked rebuilds the Redis client and, if a credential file is
// configured, reauthenticates from it. Must be called with h.mu held.
func (h *Handle) reconnectLocked(ctx context.Context) error {
	h.reconnecting = true
	defer func() { h.reconnecting = false }()

	cfg := h.cfg
	if h.credentialFile != "" {
		password, err := readCredentialFile(h.credentialFile)
		if err != nil {
			return fmt.Errorf("%w: reading credential file: %v", ErrUnavailable, err)
		}
		cfg.Password = password
		defer crypto.WipeString(&password)
		defer crypto.WipeString(&cfg.Password)
	}

	_ = h.store.Close()

	var fresh *RedisStore
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}, func() error {
		s, dialErr := NewRedisStore(ctx, cfg)
		if dialErr != nil {
			return dialErr
		}
		fresh = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: reconnect failed: %v", ErrUnavailable, err)
	}

	h.store = fresh
	return nil
}

// readCredentialFile reads a password from disk and trims exactly one
// trailing newline, the common shape for a Kubernetes-mounted secret file.
// The returned string is the caller's responsibility to wipe with
// crypto.WipeString once it has been handed to the client.
func readCredentialFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	defer crypto.Wipe(raw)
	return strings.TrimRight(string(raw), "\n"), nil
}

// Close releases the underlying connection.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.Close()
}

// Handle itself satisfies Store by resolving the live connection before
// every call. This lets dlp.Inspector, reqmod.Rewriter, and respmod.Resolver
// hold a Handle directly as their Store dependency and get reconnect-on-
// demand for free, instead of every call site re-deriving a fresh Store.

func (h *Handle) Ping(ctx context.Context) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.Ping(ctx)
}

func (h *Handle) CreateOTT(ctx context.Context, ott string, mapping schema.OTTMapping) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.CreateOTT(ctx, ott, mapping)
}

func (h *Handle) ResolveOTT(ctx context.Context, ott string) (schema.OTTMapping, error) {
	s, err := h.Store(ctx)
	if err != nil {
		return schema.OTTMapping{}, err
	}
	return s.ResolveOTT(ctx, ott)
}

func (h *Handle) PutBlocked(ctx context.Context, req schema.BlockedRequest) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.PutBlocked(ctx, req)
}

func (h *Handle) GetBlocked(ctx context.Context, requestID string) (schema.BlockedRequest, error) {
	s, err := h.Store(ctx)
	if err != nil {
		return schema.BlockedRequest{}, err
	}
	return s.GetBlocked(ctx, requestID)
}

func (h *Handle) DeleteBlocked(ctx context.Context, requestID string) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.DeleteBlocked(ctx, requestID)
}

func (h *Handle) CommitApproval(ctx context.Context, requestID, originHost, ott string, blocked schema.BlockedRequest) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.CommitApproval(ctx, requestID, originHost, ott, blocked)
}

func (h *Handle) CommitException(ctx context.Context, ott string, blocked schema.BlockedRequest, ttl time.Duration) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.CommitException(ctx, ott, blocked, ttl)
}

func (h *Handle) PutException(ctx context.Context, exc schema.ValueException) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.PutException(ctx, exc)
}

func (h *Handle) GetException(ctx context.Context, hashPrefix16, host string) (schema.ValueException, error) {
	s, err := h.Store(ctx)
	if err != nil {
		return schema.ValueException{}, err
	}
	return s.GetException(ctx, hashPrefix16, host)
}

func (h *Handle) DeleteException(ctx context.Context, hashPrefix16, host string) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.DeleteException(ctx, hashPrefix16, host)
}

func (h *Handle) CountExceptions(ctx context.Context) (int64, error) {
	s, err := h.Store(ctx)
	if err != nil {
		return 0, err
	}
	return s.CountExceptions(ctx)
}

func (h *Handle) AppendAudit(ctx context.Context, entry AuditEntry) error {
	s, err := h.Store(ctx)
	if err != nil {
		return err
	}
	return s.AppendAudit(ctx, entry)
}

func (h *Handle) ListAudit(ctx context.Context, since time.Time, limit int64) ([]AuditEntry, error) {
	s, err := h.Store(ctx)
	if err != nil {
		return nil, err
	}
	return s.ListAudit(ctx, since, limit)
}

func (h *Handle) TailAudit(ctx context.Context, limit int64) ([]AuditEntry, error) {
	s, err := h.Store(ctx)
	if err != nil {
		return nil, err
	}
	return s.TailAudit(ctx, limit)
}
