package respmod_test

import (
	"context"
	"testing"
	"time"

	"github.com/odralabshq/polis/internal/gzipbound"
	"github.com/odralabshq/polis/internal/respmod"
	"github.com/odralabshq/polis/internal/schema"
	"github.com/odralabshq/polis/internal/statestore"
)

var allowlist = []string{".api.telegram.org", ".api.slack.com", ".discord.com"}

func seedMapping(t *testing.T, store *statestore.MemStore, ott, reqID, originHost string, action schema.OTTAction, armedAfter time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := store.PutBlocked(ctx, schema.BlockedRequest{RequestID: reqID, Destination: originHost}); err != nil {
		t.Fatalf("PutBlocked: %v", err)
	}
	mapping := schema.OTTMapping{
		OTTCode:    ott,
		RequestID:  reqID,
		ArmedAfter: armedAfter,
		OriginHost: originHost,
		Action:     action,
		CreatedAt:  armedAfter.Add(-15 * time.Second),
	}
	if err := store.CreateOTT(ctx, ott, mapping); err != nil {
		t.Fatalf("CreateOTT: %v", err)
	}
}

func TestResolve_HostNotAllowlisted_Bypasses(t *testing.T) {
	store := statestore.NewMemStore()
	r := respmod.New(store, allowlist, nil)
	body := []byte("ott-AAAAAAAA")

	result := r.Resolve(context.Background(), body, "not-allowed.example.com", "")
	if result.Modified {
		t.Fatal("expected no modification for a non-allowlisted host")
	}
}

func TestResolve_TimeGateNotElapsed_SkipsAndMappingSurvives(t *testing.T) {
	store := statestore.NewMemStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 14, 0, time.UTC)
	armedAfter := time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)
	seedMapping(t, store, "ott-BBBBBBBB", "req-11111111", "api.telegram.org", schema.OTTActionApprove, armedAfter)

	r := respmod.New(store, allowlist, nil)
	r.Clock = func() time.Time { return now }

	result := r.Resolve(ctx, []byte("ott-BBBBBBBB"), "api.telegram.org", "")
	if result.Modified {
		t.Fatal("expected time-gate to block resolution before armed_after")
	}
	if _, err := store.ResolveOTT(ctx, "ott-BBBBBBBB"); err != nil {
		t.Fatalf("mapping should still resolve: %v", err)
	}
}

func TestResolve_AfterTimeGate_CommitsApprovalAndStrips(t *testing.T) {
	store := statestore.NewMemStore()
	ctx := context.Background()
	armedAfter := time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)
	seedMapping(t, store, "ott-CCCCCCCC", "req-22222222", "api.telegram.org", schema.OTTActionApprove, armedAfter)

	r := respmod.New(store, allowlist, nil)
	r.Clock = func() time.Time { return armedAfter.Add(time.Second) }

	result := r.Resolve(ctx, []byte("ott-CCCCCCCC"), "api.telegram.org", "")
	if !result.Modified {
		t.Fatal("expected OTT to be stripped after time-gate elapses")
	}
	if string(result.Body) != "************" {
		t.Fatalf("body = %q, want 12 asterisks", result.Body)
	}

	if _, err := store.GetBlocked(ctx, "req-22222222"); err == nil {
		t.Fatal("blocked record should be deleted after approval commit")
	}
	if _, err := store.ResolveOTT(ctx, "ott-CCCCCCCC"); err == nil {
		t.Fatal("ott mapping should be consumed after approval commit")
	}
}

func TestResolve_ContextMismatch_RejectsButMappingSurvives(t *testing.T) {
	store := statestore.NewMemStore()
	ctx := context.Background()
	armedAfter := time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)
	seedMapping(t, store, "ott-DDDDDDDD", "req-33333333", "api.telegram.org", schema.OTTActionApprove, armedAfter)

	r := respmod.New(store, allowlist, nil)
	r.Clock = func() time.Time { return armedAfter.Add(5 * time.Second) }

	result := r.Resolve(ctx, []byte("ott-DDDDDDDD"), "api.slack.com", "")
	if result.Modified {
		t.Fatal("expected context-binding mismatch to reject the OTT")
	}
	if _, err := store.ResolveOTT(ctx, "ott-DDDDDDDD"); err != nil {
		t.Fatalf("mapping should remain resolvable after a mismatched presentation: %v", err)
	}

	// A correct-host presentation afterward should still succeed.
	result = r.Resolve(ctx, []byte("ott-DDDDDDDD"), "api.telegram.org", "")
	if !result.Modified {
		t.Fatal("expected correct-host presentation to succeed after a mismatched one")
	}
}

func TestResolve_ExceptAction_CommitsException(t *testing.T) {
	store := statestore.NewMemStore()
	ctx := context.Background()
	armedAfter := time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)

	blocked := schema.BlockedRequest{
		RequestID:      "req-44444444",
		Destination:    "discord.com",
		CredentialHash: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd",
	}
	if err := store.PutBlocked(ctx, blocked); err != nil {
		t.Fatalf("PutBlocked: %v", err)
	}
	mapping := schema.OTTMapping{
		OTTCode:    "ott-EEEEEEEE",
		RequestID:  "req-44444444",
		ArmedAfter: armedAfter,
		OriginHost: "discord.com",
		Action:     schema.OTTActionExcept,
	}
	if err := store.CreateOTT(ctx, "ott-EEEEEEEE", mapping); err != nil {
		t.Fatalf("CreateOTT: %v", err)
	}

	r := respmod.New(store, allowlist, nil)
	r.Clock = func() time.Time { return armedAfter.Add(time.Second) }

	result := r.Resolve(ctx, []byte("ott-EEEEEEEE"), "discord.com", "")
	if !result.Modified {
		t.Fatal("expected except action to commit and strip")
	}

	exc, err := store.GetException(ctx, schema.ExceptionHashPrefix(blocked.CredentialHash), "discord.com")
	if err != nil {
		t.Fatalf("GetException: %v", err)
	}
	if exc.IsWildcard() || exc.IsPermanent() {
		t.Error("proxy-path exception must never be wildcard or permanent")
	}
}

func TestResolve_GzipBody_DecompressesScansAndRecompresses(t *testing.T) {
	store := statestore.NewMemStore()
	ctx := context.Background()
	armedAfter := time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)
	seedMapping(t, store, "ott-FFFFFFFF", "req-55555555", "api.slack.com", schema.OTTActionApprove, armedAfter)

	plain := []byte("user reply: ott-FFFFFFFF, thanks!")
	compressed, err := gzipbound.Compress(plain)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	r := respmod.New(store, allowlist, nil)
	r.Clock = func() time.Time { return armedAfter.Add(time.Second) }

	result := r.Resolve(ctx, compressed, "api.slack.com", "gzip")
	if !result.Modified {
		t.Fatal("expected gzip body to be modified")
	}

	decoded, err := gzipbound.Decompress(result.Body, 1024*1024)
	if err != nil {
		t.Fatalf("Decompress result: %v", err)
	}
	if string(decoded) != "user reply: ************, thanks!" {
		t.Fatalf("decoded = %q", decoded)
	}
}

func TestResolve_UnknownOTT_NoOp(t *testing.T) {
	store := statestore.NewMemStore()
	r := respmod.New(store, allowlist, nil)

	result := r.Resolve(context.Background(), []byte("ott-ZZZZZZZZ"), "api.telegram.org", "")
	if result.Modified {
		t.Fatal("expected no modification for an unresolvable OTT")
	}
}

func TestResolve_BodyOverLimit_Bypasses(t *testing.T) {
	store := statestore.NewMemStore()
	r := respmod.New(store, allowlist, nil)
	r.MaxBodyScan = 8

	result := r.Resolve(context.Background(), []byte("ott-AAAAAAAA plus more bytes"), "api.telegram.org", "")
	if result.Modified {
		t.Fatal("expected oversized body to bypass scanning")
	}
}
