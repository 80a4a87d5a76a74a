package statestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odralabshq/polis/internal/schema"
	"github.com/odralabshq/polis/internal/statestore"
)

func TestMemStore_CreateOTT_Collision(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()
	mapping := schema.OTTMapping{OTTCode: "ott-AAAAAAAA", RequestID: "req-1", Action: schema.OTTActionApprove}

	if err := s.CreateOTT(ctx, "ott-AAAAAAAA", mapping); err != nil {
		t.Fatalf("first CreateOTT: %v", err)
	}
	err := s.CreateOTT(ctx, "ott-AAAAAAAA", mapping)
	if !errors.Is(err, statestore.ErrCollision) {
		t.Fatalf("second CreateOTT: got %v, want ErrCollision", err)
	}
}

func TestMemStore_ResolveOTT_NotFound(t *testing.T) {
	s := statestore.NewMemStore()
	_, err := s.ResolveOTT(context.Background(), "ott-missing1")
	if !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemStore_GetBlocked_RoundTrip(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()
	req := schema.BlockedRequest{RequestID: "req-1", Destination: "api.example.com", Status: schema.BlockedStatusPending}

	if err := s.PutBlocked(ctx, req); err != nil {
		t.Fatalf("PutBlocked: %v", err)
	}
	got, err := s.GetBlocked(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetBlocked: %v", err)
	}
	if got.Destination != "api.example.com" {
		t.Errorf("Destination = %q, want api.example.com", got.Destination)
	}

	if err := s.DeleteBlocked(ctx, "req-1"); err != nil {
		t.Fatalf("DeleteBlocked: %v", err)
	}
	if _, err := s.GetBlocked(ctx, "req-1"); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("GetBlocked after delete: got %v, want ErrNotFound", err)
	}
}

func TestMemStore_CommitApproval_RemovesBlockedAndOTT(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()
	req := schema.BlockedRequest{RequestID: "req-1", Destination: "api.example.com"}
	mapping := schema.OTTMapping{OTTCode: "ott-AAAAAAAA", RequestID: "req-1", Action: schema.OTTActionApprove}

	if err := s.PutBlocked(ctx, req); err != nil {
		t.Fatalf("PutBlocked: %v", err)
	}
	if err := s.CreateOTT(ctx, "ott-AAAAAAAA", mapping); err != nil {
		t.Fatalf("CreateOTT: %v", err)
	}

	if err := s.CommitApproval(ctx, "req-1", "chat.example.com", "ott-AAAAAAAA", req); err != nil {
		t.Fatalf("CommitApproval: %v", err)
	}

	if _, err := s.GetBlocked(ctx, "req-1"); !errors.Is(err, statestore.ErrNotFound) {
		t.Errorf("blocked record survived CommitApproval: err=%v", err)
	}
	if _, err := s.ResolveOTT(ctx, "ott-AAAAAAAA"); !errors.Is(err, statestore.ErrNotFound) {
		t.Errorf("ott mapping survived CommitApproval: err=%v", err)
	}

	entries, err := s.ListAudit(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "approval_committed" {
		t.Fatalf("audit entries = %+v, want one approval_committed entry", entries)
	}
}

func TestMemStore_CommitException_RequiresCredentialHash(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()
	req := schema.BlockedRequest{RequestID: "req-1", Destination: "api.example.com"}

	err := s.CommitException(ctx, "ott-AAAAAAAA", req, 24*time.Hour)
	if !errors.Is(err, statestore.ErrMissingCredentialHash) {
		t.Fatalf("got %v, want ErrMissingCredentialHash", err)
	}
}

func TestMemStore_CommitException_CreatesExceptionRecord(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()
	req := schema.BlockedRequest{
		RequestID:      "req-1",
		Destination:    "api.example.com",
		CredentialHash: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd",
	}

	if err := s.CommitException(ctx, "ott-AAAAAAAA", req, 24*time.Hour); err != nil {
		t.Fatalf("CommitException: %v", err)
	}

	exc, err := s.GetException(ctx, schema.ExceptionHashPrefix(req.CredentialHash), "api.example.com")
	if err != nil {
		t.Fatalf("GetException: %v", err)
	}
	if exc.IsPermanent() {
		t.Error("exception with a TTL should not report IsPermanent")
	}
	if exc.IsWildcard() {
		t.Error("exception scoped to a concrete host should not report IsWildcard")
	}
}

func TestMemStore_PutException_WildcardAndPermanent(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()
	exc := schema.ValueException{
		CredentialHash: "fedcba9876543210fedcba9876543210fedcba9876543210fedcba98765432",
		Destination:    "*",
		Source:         schema.ExceptionSourceCLI,
	}
	if err := s.PutException(ctx, exc); err != nil {
		t.Fatalf("PutException: %v", err)
	}

	got, err := s.GetException(ctx, schema.ExceptionHashPrefix(exc.CredentialHash), "*")
	if err != nil {
		t.Fatalf("GetException: %v", err)
	}
	if !got.IsWildcard() {
		t.Error("expected IsWildcard true for destination '*'")
	}
	if !got.IsPermanent() {
		t.Error("expected IsPermanent true for nil TTLSecs")
	}
}

func TestMemStore_CountExceptions(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()

	if n, err := s.CountExceptions(ctx); err != nil || n != 0 {
		t.Fatalf("CountExceptions on empty store = (%d, %v), want (0, nil)", n, err)
	}

	for i, host := range []string{"a.example.com", "b.example.com"} {
		_ = i
		err := s.PutException(ctx, schema.ValueException{
			CredentialHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Destination:    host,
		})
		if err != nil {
			t.Fatalf("PutException(%s): %v", host, err)
		}
	}

	if n, err := s.CountExceptions(ctx); err != nil || n != 2 {
		t.Fatalf("CountExceptions = (%d, %v), want (2, nil)", n, err)
	}
}

func TestMemStore_ListAudit_FiltersBySinceAndOrdersOldestFirst(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := []statestore.AuditEntry{
		{ID: "e1", Timestamp: base, Event: "blocked"},
		{ID: "e2", Timestamp: base.Add(time.Minute), Event: "approval_committed"},
		{ID: "e3", Timestamp: base.Add(2 * time.Minute), Event: "exception_committed"},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit(%s): %v", e.ID, err)
		}
	}

	got, err := s.ListAudit(ctx, base.Add(30*time.Second), 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e2" || got[1].ID != "e3" {
		t.Fatalf("ListAudit = %+v, want [e2 e3] in order", got)
	}
}

func TestMemStore_TailAudit_ReturnsMostRecentOldestFirst(t *testing.T) {
	s := statestore.NewMemStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := []statestore.AuditEntry{
		{ID: "e1", Timestamp: base, Event: "blocked"},
		{ID: "e2", Timestamp: base.Add(time.Minute), Event: "approval_committed"},
		{ID: "e3", Timestamp: base.Add(2 * time.Minute), Event: "exception_committed"},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit(%s): %v", e.ID, err)
		}
	}

	got, err := s.TailAudit(ctx, 2)
	if err != nil {
		t.Fatalf("TailAudit: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e2" || got[1].ID != "e3" {
		t.Fatalf("TailAudit = %+v, want the two most recent entries [e2 e3] oldest-first", got)
	}
}

func TestMemStore_Ping(t *testing.T) {
	s := statestore.NewMemStore()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
