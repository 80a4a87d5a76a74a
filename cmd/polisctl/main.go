// Command polisctl is the administrator CLI: it talks to the shared state
// store directly (not through the HTTP hooks) to list and resolve blocked
// requests, manage persistent value exceptions, and tail the audit
// timeline. Argument parsing follows the teacher's commands.Command idiom
// (verb, positional args, --flag value pairs) adapted from chat-command
// parsing to argv parsing.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/odralabshq/polis/common/environment"
	"github.com/odralabshq/polis/common/redact"
	"github.com/odralabshq/polis/internal/audit"
	"github.com/odralabshq/polis/internal/config"
	"github.com/odralabshq/polis/internal/schema"
	"github.com/odralabshq/polis/internal/statestore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	configPath := environment.StringOr("POLIS_CONFIG_FILE", "/etc/polis/config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	handle, err := dialStateStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to state store: %s\n", redactStoreError(err, cfg))
		os.Exit(1)
	}
	defer handle.Close()

	writer := audit.New(handle, log)

	noun := os.Args[1]
	args := os.Args[2:]

	var runErr error
	switch noun {
	case "blocked":
		runErr = runBlocked(ctx, handle, writer, args)
	case "exception":
		runErr = runException(ctx, handle, writer, cfg, args)
	case "audit":
		runErr = runAudit(ctx, writer, args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `polisctl - Polis administrator CLI

Usage:
  polisctl blocked list
  polisctl blocked show <req-id>
  polisctl blocked approve <req-id>
  polisctl blocked deny <req-id>
  polisctl exception create <raw-value> --host <host|*> [--ttl <duration>|--permanent]
  polisctl exception revoke <credential-hash> --host <host>
  polisctl exception count
  polisctl audit tail [--n <count>]
`)
}

// --- blocked ---

func runBlocked(ctx context.Context, store statestore.Store, writer *audit.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: polisctl blocked <list|show|approve|deny> [req-id]")
	}
	verb := args[0]
	rest := args[1:]

	switch verb {
	case "show", "approve", "deny":
		reqID, ok := arg(rest, 0)
		if !ok {
			return fmt.Errorf("usage: polisctl blocked %s <req-id>", verb)
		}
		blocked, err := store.GetBlocked(ctx, reqID)
		if err != nil {
			return fmt.Errorf("fetching blocked request %s: %w", reqID, err)
		}
		switch verb {
		case "show":
			printBlocked(blocked)
			return nil
		case "approve":
			if err := store.CommitApproval(ctx, blocked.RequestID, blocked.Destination, "", blocked); err != nil {
				return fmt.Errorf("committing approval: %w", err)
			}
			if err := writer.Append(ctx, "approval_committed_cli", reqID, nil); err != nil {
				slog.Warn("polisctl: audit append failed", "err", err)
			}
			fmt.Printf("approved %s\n", reqID)
			return nil
		case "deny":
			if err := store.DeleteBlocked(ctx, reqID); err != nil {
				return fmt.Errorf("deleting blocked request: %w", err)
			}
			if err := writer.Append(ctx, "denied_cli", reqID, nil); err != nil {
				slog.Warn("polisctl: audit append failed", "err", err)
			}
			fmt.Printf("denied %s\n", reqID)
			return nil
		}
	case "list":
		return fmt.Errorf("blocked list requires a backing index not exposed by this store implementation; use `polisctl audit tail` to see recent blocks")
	}
	return fmt.Errorf("unknown blocked subcommand %q", verb)
}

func printBlocked(b schema.BlockedRequest) {
	fmt.Printf("request_id:       %s\n", b.RequestID)
	fmt.Printf("status:           %s\n", b.Status)
	fmt.Printf("reason:           %s\n", b.Reason)
	fmt.Printf("destination:      %s\n", b.Destination)
	fmt.Printf("pattern:          %s\n", b.PatternName)
	fmt.Printf("blocked_at:       %s\n", b.BlockedAt.Format(time.RFC3339))
	fmt.Printf("credential:       %s... (prefix only, full value never stored)\n", b.CredentialPrefix)
}

// --- exception ---

func runException(ctx context.Context, store statestore.Store, writer *audit.Writer, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: polisctl exception <create|revoke|count> [args]")
	}
	verb := args[0]
	rest := args[1:]

	switch verb {
	case "count":
		n, err := store.CountExceptions(ctx)
		if err != nil {
			return fmt.Errorf("counting exceptions: %w", err)
		}
		fmt.Printf("%d / %d\n", n, cfg.MaxExceptions)
		return nil

	case "create":
		value, ok := arg(rest, 0)
		if !ok {
			return fmt.Errorf("usage: polisctl exception create <raw-value> --host <host|*> [--ttl <duration>|--permanent]")
		}
		host := flagValue(rest, "host", "*")
		permanent := hasFlag(rest, "permanent")
		ttlStr := flagValue(rest, "ttl", "")

		n, err := store.CountExceptions(ctx)
		if err != nil {
			return fmt.Errorf("counting existing exceptions: %w", err)
		}
		if int(n) >= cfg.MaxExceptions {
			return fmt.Errorf("refusing to create exception: at max_exceptions limit (%d)", cfg.MaxExceptions)
		}

		sum := sha256.Sum256([]byte(value))
		fullHash := hex.EncodeToString(sum[:])
		prefixLen := 4
		if len(value) < prefixLen {
			prefixLen = len(value)
		}

		exc := schema.ValueException{
			CredentialHash:   fullHash,
			CredentialPrefix: value[:prefixLen],
			Destination:      host,
			CreatedAt:        time.Now().UTC(),
			Source:           schema.ExceptionSourceCLI,
		}
		if !permanent {
			if ttlStr == "" {
				return fmt.Errorf("either --ttl <duration> or --permanent is required")
			}
			d, err := time.ParseDuration(ttlStr)
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			secs := int64(d.Seconds())
			exc.TTLSecs = &secs
		}

		if err := store.PutException(ctx, exc); err != nil {
			return fmt.Errorf("creating exception: %w", err)
		}
		if err := writer.Append(ctx, "exception_created_cli", "", nil); err != nil {
			slog.Warn("polisctl: audit append failed", "err", err)
		}
		fmt.Printf("created exception %s for host %q (hash_prefix=%s)\n",
			fullHash[:8]+"...", host, schema.ExceptionHashPrefix(fullHash))
		return nil

	case "revoke":
		fullHash, ok := arg(rest, 0)
		if !ok {
			return fmt.Errorf("usage: polisctl exception revoke <credential-hash> --host <host|*>")
		}
		host := flagValue(rest, "host", "*")
		h16 := schema.ExceptionHashPrefix(fullHash)
		if err := store.DeleteException(ctx, h16, host); err != nil {
			return fmt.Errorf("revoking exception: %w", err)
		}
		if err := writer.Append(ctx, "exception_revoked_cli", "", nil); err != nil {
			slog.Warn("polisctl: audit append failed", "err", err)
		}
		fmt.Printf("revoked exception %s for host %q\n", h16, host)
		return nil
	}
	return fmt.Errorf("unknown exception subcommand %q", verb)
}

// --- audit ---

func runAudit(ctx context.Context, writer *audit.Writer, args []string) error {
	if len(args) == 0 || args[0] != "tail" {
		return fmt.Errorf("usage: polisctl audit tail [--n <count>]")
	}
	rest := args[1:]
	n := int64(50)
	if v := flagValue(rest, "n", ""); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing --n: %w", err)
		}
		n = parsed
	}

	entries, err := writer.Tail(ctx, n)
	if err != nil {
		return fmt.Errorf("reading audit timeline: %w", err)
	}
	for _, e := range entries {
		fmt.Printf("%s  %-28s %-14s %s\n", e.Timestamp.Format(time.RFC3339), e.Event, e.RequestID, e.ID)
	}
	return nil
}

// --- argv helpers ---

func arg(args []string, i int) (string, bool) {
	pos := 0
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			break
		}
		if pos == i {
			return a, true
		}
		pos++
	}
	return "", false
}

func flagValue(args []string, name, defaultValue string) string {
	flag := "--" + name
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultValue
}

func hasFlag(args []string, name string) bool {
	flag := "--" + name
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func dialStateStore(ctx context.Context, cfg *config.Config) (*statestore.Handle, error) {
	redisCfg := statestore.RedisConfig{
		Addr:        cfg.StateStore.Endpoint,
		Username:    cfg.StateStore.Username,
		DB:          cfg.StateStore.DB,
		OTTTTL:      cfg.OTTTTL(),
		ApprovedTTL: cfg.ApprovalTTL(),
	}
	if cfg.StateStore.PasswordFile != "" {
		password, err := os.ReadFile(cfg.StateStore.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("reading state store password file: %w", err)
		}
		redisCfg.Password = string(password)
	}
	if cfg.StateStore.TLS != nil {
		redisCfg.TLS = &statestore.TLSConfig{
			CertFile: cfg.StateStore.TLS.CertFile,
			KeyFile:  cfg.StateStore.TLS.KeyFile,
			CAFile:   cfg.StateStore.TLS.CAFile,
		}
	}
	store, err := statestore.NewRedisStore(ctx, redisCfg)
	if err != nil {
		return nil, err
	}
	return statestore.NewHandle(store, redisCfg, cfg.StateStore.PasswordFile), nil
}

// redactStoreError strips the state-store password from err's message
// before it reaches stderr: go-redis dial errors sometimes echo back the
// DSN they failed to parse, and that DSN can carry the password in
// cleartext (common/redact's stated threat model).
func redactStoreError(err error, cfg *config.Config) string {
	msg := err.Error()
	if cfg.StateStore.PasswordFile == "" {
		return msg
	}
	password, readErr := os.ReadFile(cfg.StateStore.PasswordFile)
	if readErr != nil {
		return msg
	}
	return redact.String(msg, string(password))
}
