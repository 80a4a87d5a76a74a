// Command polis-proxy is the Polis HITL approval proxy service: it loads
// configuration, connects to the shared state store, wires the DLP/REQMOD/
// RESPMOD components, and serves the ICAP-equivalent HTTP hooks plus a
// Prometheus /metrics endpoint until signaled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odralabshq/polis/common/environment"
	"github.com/odralabshq/polis/common/redact"
	"github.com/odralabshq/polis/common/version"
	"github.com/odralabshq/polis/internal/audit"
	"github.com/odralabshq/polis/internal/config"
	"github.com/odralabshq/polis/internal/dlp"
	"github.com/odralabshq/polis/internal/icapserver"
	"github.com/odralabshq/polis/internal/metrics"
	"github.com/odralabshq/polis/internal/reqmod"
	"github.com/odralabshq/polis/internal/respmod"
	"github.com/odralabshq/polis/internal/statestore"
)

func main() {
	fmt.Println("Polis HITL Approval Proxy")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	configPath := environment.StringOr("POLIS_CONFIG_FILE", "/etc/polis/config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := connectStateStore(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to state store: %s\n", redactStoreError(err, cfg))
		os.Exit(1)
	}
	defer handle.Close()

	reg := metrics.New()
	promReg := prometheus.NewRegistry()
	reg.MustRegister(promReg)

	// handle satisfies statestore.Store, resolving (and, if needed,
	// reconnecting) the live Redis connection on every call, so every
	// component below can hold it directly instead of caching a *RedisStore.
	d := dlp.New(handle, log)
	d.ExceptionLookupTimeout = cfg.ExceptionLookupTimeout()
	d.Metrics = reg

	rq := reqmod.New(handle, log)
	rq.TimeGate = cfg.TimeGate()
	rq.Metrics = reg

	rs := respmod.New(handle, cfg.AllowlistDomains, log)
	rs.MaxBodyScan = cfg.MaxBodyScan
	rs.ExceptionTTL = cfg.ExceptionTTLDefault()
	rs.Metrics = reg

	_ = audit.New(handle, log) // available to operator tooling via the shared store; not invoked directly on the hot path

	srv := icapserver.New(d, rq, rs, log)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	hooksServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		log.Info("polis-proxy: hooks server listening", "addr", cfg.ListenAddr)
		if err := hooksServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("hooks server: %w", err)
		}
	}()
	go func() {
		log.Info("polis-proxy: metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("polis-proxy: shutdown signal received")
	case err := <-errCh:
		log.Error("polis-proxy: server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = hooksServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
}

// connectStateStore dials the Redis-compatible state store and wraps it in
// a reconnecting Handle, per spec.md §4.I.
func connectStateStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*statestore.Handle, error) {
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

	handle := statestore.NewHandle(store, redisCfg, cfg.StateStore.PasswordFile)
	log.Info("polis-proxy: connected to state store", "addr", cfg.StateStore.Endpoint)
	return handle, nil
}

// redactStoreError strips the state-store password from err's message
// before it reaches a log line or stderr: go-redis dial errors sometimes
// echo back the DSN they failed to parse, and that DSN can carry the
// password in cleartext (common/redact's stated threat model).
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
