package statestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odralabshq/polis/internal/schema"
)

// MemStore is an in-memory Store used by unit tests across reqmod, respmod,
// and dlp. It implements the same ordering and error-taxonomy guarantees as
// RedisStore (audit-before-destruction, ErrCollision on double-create,
// ErrNotFound on miss) without requiring a live Redis instance, the same
// role the teacher's approvals tests give a temp-file SQLite store.
type MemStore struct {
	mu sync.Mutex

	ott        map[string]schema.OTTMapping
	blocked    map[string]schema.BlockedRequest
	exceptions map[string]schema.ValueException
	audit      []AuditEntry

	// Now lets tests control the clock for audit entries; defaults to
	// time.Now if unset.
	Now func() time.Time
}

// NewMemStore returns an empty MemStore ready for use.
func NewMemStore() *MemStore {
	return &MemStore{
		ott:        make(map[string]schema.OTTMapping),
		blocked:    make(map[string]schema.BlockedRequest),
		exceptions: make(map[string]schema.ValueException),
	}
}

func (m *MemStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *MemStore) Ping(ctx context.Context) error { return nil }

func (m *MemStore) CreateOTT(ctx context.Context, ott string, mapping schema.OTTMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ott[ott]; exists {
		return ErrCollision
	}
	m.ott[ott] = mapping
	return nil
}

func (m *MemStore) ResolveOTT(ctx context.Context, ott string) (schema.OTTMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.ott[ott]
	if !ok {
		return schema.OTTMapping{}, ErrNotFound
	}
	return mapping, nil
}

func (m *MemStore) PutBlocked(ctx context.Context, req schema.BlockedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[req.RequestID] = req
	return nil
}

func (m *MemStore) GetBlocked(ctx context.Context, requestID string) (schema.BlockedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.blocked[requestID]
	if !ok {
		return schema.BlockedRequest{}, ErrNotFound
	}
	return req, nil
}

func (m *MemStore) DeleteBlocked(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, requestID)
	return nil
}

func (m *MemStore) CommitApproval(ctx context.Context, requestID, originHost, ott string, blocked schema.BlockedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendAuditLocked("approval_committed", requestID, blocked)
	delete(m.blocked, requestID)
	_ = originHost // recorded via the audit snapshot; no separate approved-record value needed by the fake
	delete(m.ott, ott)
	return nil
}

func (m *MemStore) CommitException(ctx context.Context, ott string, blocked schema.BlockedRequest, ttl time.Duration) error {
	if blocked.CredentialHash == "" {
		return ErrMissingCredentialHash
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exc := schema.ValueException{
		CredentialHash:   blocked.CredentialHash,
		CredentialPrefix: blocked.CredentialPrefix,
		Destination:      blocked.Destination,
		PatternName:      blocked.PatternName,
		CreatedAt:        blocked.BlockedAt,
		Source:           schema.ExceptionSourceProxy,
	}
	if ttl > 0 {
		secs := int64(ttl.Seconds())
		exc.TTLSecs = &secs
	}

	m.appendAuditLocked("exception_committed", blocked.RequestID, blocked)
	key := schema.ExceptionKey(schema.ExceptionHashPrefix(blocked.CredentialHash), blocked.Destination)
	m.exceptions[key] = exc
	delete(m.blocked, blocked.RequestID)
	delete(m.ott, ott)
	return nil
}

func (m *MemStore) PutException(ctx context.Context, exc schema.ValueException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := schema.ExceptionKey(schema.ExceptionHashPrefix(exc.CredentialHash), exc.Destination)
	m.exceptions[key] = exc
	return nil
}

func (m *MemStore) GetException(ctx context.Context, hashPrefix16, host string) (schema.ValueException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exc, ok := m.exceptions[schema.ExceptionKey(hashPrefix16, host)]
	if !ok {
		return schema.ValueException{}, ErrNotFound
	}
	return exc, nil
}

func (m *MemStore) DeleteException(ctx context.Context, hashPrefix16, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exceptions, schema.ExceptionKey(hashPrefix16, host))
	return nil
}

func (m *MemStore) CountExceptions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.exceptions)), nil
}

func (m *MemStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemStore) ListAudit(ctx context.Context, since time.Time, limit int64) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AuditEntry
	for _, e := range m.audit {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) TailAudit(ctx context.Context, limit int64) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 500 // matches RedisStore.TailAudit's default cap
	}

	sorted := make([]AuditEntry, len(m.audit))
	copy(sorted, m.audit)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	if int64(len(sorted)) > limit {
		sorted = sorted[int64(len(sorted))-limit:]
	}
	return sorted, nil
}

func (m *MemStore) appendAuditLocked(event, requestID string, blocked schema.BlockedRequest) {
	m.audit = append(m.audit, AuditEntry{
		ID:        "evt-" + requestID + "-" + event,
		Timestamp: m.now(),
		Event:     event,
		RequestID: requestID,
	})
}
