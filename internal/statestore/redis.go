package statestore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odralabshq/polis/internal/schema"
)

// RedisStore is the production Store backed by a single shared Redis (or
// Redis-compatible) instance, reachable over mTLS with ACL-scoped
// credentials (spec.md §4.D, §9).
type RedisStore struct {
	rdb         *redis.Client
	ottTTL      time.Duration
	approvedTTL time.Duration
}

// RedisConfig configures the connection used by NewRedisStore.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// TLS, when non-nil, enables mTLS. Both fields are required together.
	TLS *TLSConfig

	// OTTTTL overrides schema.OTTTTL for keys this store creates via
	// CreateOTT; zero means "use schema.OTTTTL" (set from
	// config.Config.OTTTTL() at startup).
	OTTTTL time.Duration
	// ApprovedTTL overrides schema.ApprovedTTL for keys this store creates
	// via CommitApproval; zero means "use schema.ApprovedTTL" (set from
	// config.Config.ApprovalTTL() at startup).
	ApprovedTTL time.Duration
}

// TLSConfig carries the client certificate and CA bundle for mTLS.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// NewRedisStore dials addr and verifies connectivity with a PING before
// returning. A failed PING is treated as fail-closed: the caller must not
// start serving traffic against a store that cannot be reached.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	if cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("statestore: building tls config: %w", err)
		}
		opts.TLSConfig = tlsCfg
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: initial ping: %v", ErrUnavailable, err)
	}

	ottTTL := cfg.OTTTTL
	if ottTTL <= 0 {
		ottTTL = schema.OTTTTL
	}
	approvedTTL := cfg.ApprovedTTL
	if approvedTTL <= 0 {
		approvedTTL = schema.ApprovedTTL
	}

	return &RedisStore{rdb: client, ottTTL: ottTTL, approvedTTL: approvedTTL}, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client cert/key: %w", err)
	}
	pool, err := loadCAPool(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("loading ca bundle: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no valid certificates found in %s", caFile)
	}
	return pool, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// --- OTT namespace ---

func (s *RedisStore) CreateOTT(ctx context.Context, ott string, mapping schema.OTTMapping) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("statestore: marshaling ott mapping: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, schema.OTTKey(ott), data, s.ottTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: create ott: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrCollision
	}
	return nil
}

func (s *RedisStore) ResolveOTT(ctx context.Context, ott string) (schema.OTTMapping, error) {
	var mapping schema.OTTMapping
	raw, err := s.rdb.Get(ctx, schema.OTTKey(ott)).Bytes()
	if errors.Is(err, redis.Nil) {
		return mapping, ErrNotFound
	}
	if err != nil {
		return mapping, fmt.Errorf("%w: resolve ott: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return mapping, fmt.Errorf("statestore: unmarshaling ott mapping: %w", err)
	}
	return mapping, nil
}

// --- Blocked-request namespace ---

func (s *RedisStore) PutBlocked(ctx context.Context, req schema.BlockedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("statestore: marshaling blocked request: %w", err)
	}
	if err := s.rdb.Set(ctx, schema.BlockedKey(req.RequestID), data, schema.BlockedTTL).Err(); err != nil {
		return fmt.Errorf("%w: put blocked: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GetBlocked(ctx context.Context, requestID string) (schema.BlockedRequest, error) {
	var req schema.BlockedRequest
	raw, err := s.rdb.Get(ctx, schema.BlockedKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, fmt.Errorf("%w: get blocked: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("statestore: unmarshaling blocked request: %w", err)
	}
	return req, nil
}

func (s *RedisStore) DeleteBlocked(ctx context.Context, requestID string) error {
	if err := s.rdb.Del(ctx, schema.BlockedKey(requestID)).Err(); err != nil {
		return fmt.Errorf("%w: delete blocked: %v", ErrUnavailable, err)
	}
	return nil
}

// --- Commit sequences ---

// CommitApproval runs the ordered composite in a single MULTI/EXEC
// transaction via TxPipelined: the transaction only ever becomes visible to
// other clients as a whole, so partial-commit states never leak, but the
// four writes are still issued in the spec-mandated order within it
// (audit append first, ott deletion last) for log and replay clarity.
func (s *RedisStore) CommitApproval(ctx context.Context, requestID, originHost, ott string, blocked schema.BlockedRequest) error {
	entry, err := newAuditEntry("approval_committed", requestID, blocked)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := zAddAudit(ctx, pipe, entry); err != nil {
			return err
		}
		pipe.Del(ctx, schema.BlockedKey(requestID))
		pipe.Set(ctx, schema.ApprovedKey(requestID), originHost, s.approvedTTL)
		pipe.Del(ctx, schema.OTTKey(ott))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: commit approval: %v", ErrUnavailable, err)
	}
	return nil
}

// CommitException runs the ordered composite for a DLP exception grant.
func (s *RedisStore) CommitException(ctx context.Context, ott string, blocked schema.BlockedRequest, ttl time.Duration) error {
	if blocked.CredentialHash == "" {
		return ErrMissingCredentialHash
	}

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
	excData, err := json.Marshal(exc)
	if err != nil {
		return fmt.Errorf("statestore: marshaling exception: %w", err)
	}

	entry, err := newAuditEntry("exception_committed", blocked.RequestID, blocked)
	if err != nil {
		return err
	}

	h16 := schema.ExceptionHashPrefix(blocked.CredentialHash)
	key := schema.ExceptionKey(h16, blocked.Destination)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := zAddAudit(ctx, pipe, entry); err != nil {
			return err
		}
		if ttl > 0 {
			pipe.Set(ctx, key, excData, ttl)
		} else {
			pipe.Set(ctx, key, excData, 0)
		}
		pipe.Del(ctx, schema.BlockedKey(blocked.RequestID))
		pipe.Del(ctx, schema.OTTKey(ott))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: commit exception: %v", ErrUnavailable, err)
	}
	return nil
}

// --- Exception namespace ---

func (s *RedisStore) PutException(ctx context.Context, exc schema.ValueException) error {
	data, err := json.Marshal(exc)
	if err != nil {
		return fmt.Errorf("statestore: marshaling exception: %w", err)
	}
	key := schema.ExceptionKey(schema.ExceptionHashPrefix(exc.CredentialHash), exc.Destination)

	var ttl time.Duration
	if exc.TTLSecs != nil {
		ttl = time.Duration(*exc.TTLSecs) * time.Second
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: put exception: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GetException(ctx context.Context, hashPrefix16, host string) (schema.ValueException, error) {
	var exc schema.ValueException
	raw, err := s.rdb.Get(ctx, schema.ExceptionKey(hashPrefix16, host)).Bytes()
	if errors.Is(err, redis.Nil) {
		return exc, ErrNotFound
	}
	if err != nil {
		return exc, fmt.Errorf("%w: get exception: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(raw, &exc); err != nil {
		return exc, fmt.Errorf("statestore: unmarshaling exception: %w", err)
	}
	return exc, nil
}

func (s *RedisStore) DeleteException(ctx context.Context, hashPrefix16, host string) error {
	if err := s.rdb.Del(ctx, schema.ExceptionKey(hashPrefix16, host)).Err(); err != nil {
		return fmt.Errorf("%w: delete exception: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) CountExceptions(ctx context.Context) (int64, error) {
	var count int64
	iter := s.rdb.Scan(ctx, 0, "exception:value:*", 200).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("%w: count exceptions: %v", ErrUnavailable, err)
	}
	return count, nil
}

// --- Audit timeline ---

func (s *RedisStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("statestore: marshaling audit entry: %w", err)
	}
	score := float64(entry.Timestamp.UnixNano())
	if err := s.rdb.ZAdd(ctx, schema.AuditSetKey, redis.Z{Score: score, Member: data}).Err(); err != nil {
		return fmt.Errorf("%w: append audit: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) ListAudit(ctx context.Context, since time.Time, limit int64) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	members, err := s.rdb.ZRangeByScore(ctx, schema.AuditSetKey, &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixNano(), 10),
		Max:   "+inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list audit: %v", ErrUnavailable, err)
	}

	entries := make([]AuditEntry, 0, len(members))
	for _, m := range members {
		var e AuditEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue // a malformed entry must never stall the whole query
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) TailAudit(ctx context.Context, limit int64) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	members, err := s.rdb.ZRevRangeByScore(ctx, schema.AuditSetKey, &redis.ZRangeBy{
		Max:   "+inf",
		Min:   "-inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: tail audit: %v", ErrUnavailable, err)
	}

	entries := make([]AuditEntry, 0, len(members))
	for _, m := range members {
		var e AuditEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue // a malformed entry must never stall the whole query
		}
		entries = append(entries, e)
	}
	// ZRevRangeByScore returns newest-first; reverse so callers always see
	// the timeline oldest-first regardless of which query fetched it.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// zAddAudit issues the ZADD for entry against a pipeline rather than the
// client directly, so it participates in the enclosing TxPipelined.
func zAddAudit(ctx context.Context, pipe redis.Pipeliner, entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("statestore: marshaling audit entry: %w", err)
	}
	pipe.ZAdd(ctx, schema.AuditSetKey, redis.Z{Score: float64(entry.Timestamp.UnixNano()), Member: data})
	return nil
}

func newAuditEntry(event, requestID string, blocked schema.BlockedRequest) (AuditEntry, error) {
	snapBytes, err := json.Marshal(blocked)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("statestore: marshaling audit snapshot: %w", err)
	}
	now := time.Now().UTC()
	return AuditEntry{
		ID:        "evt-" + uuid.NewString(),
		Timestamp: now,
		Event:     event,
		RequestID: requestID,
		Snapshot:  string(snapBytes),
	}, nil
}
