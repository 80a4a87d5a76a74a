// Package icapserver binds the REQMOD/RESPMOD/DLP handlers to HTTP
// endpoints that stand in for the ICAP REQMOD/RESPMOD hooks a real
// content-adaptation runtime would call (spec.md §1 names ICAP transport
// framing as an assumed external collaborator; this package is the
// concrete request/response surface Polis exposes to that runtime).
// Modeled on the teacher's webhook.Proxy: a small Config struct, a
// RegisterRoutes method taking a *http.ServeMux-shaped registrar, and
// http.Error for every rejected request.
package icapserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/odralabshq/polis/common/trace"
	"github.com/odralabshq/polis/internal/dlp"
	"github.com/odralabshq/polis/internal/reqmod"
	"github.com/odralabshq/polis/internal/respmod"
)

// maxRequestBytes bounds what the HTTP layer itself will read before even
// handing the body to a scanner; the scanners apply their own, generally
// tighter, max_body_scan limit on top of this.
const maxRequestBytes = 8 * 1024 * 1024

// RouteRegistrar is satisfied by *http.ServeMux.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// Server wires the DLP inspector, REQMOD rewriter, and RESPMOD resolver to
// HTTP handlers.
type Server struct {
	DLP     *dlp.Inspector
	REQMOD  *reqmod.Rewriter
	RESPMOD *respmod.Resolver
	Log     *slog.Logger
}

// New returns a Server. Any of the three components may be nil, in which
// case the corresponding hook always passes the body through unmodified
// (useful for running REQMOD-only or RESPMOD-only deployments).
func New(d *dlp.Inspector, rq *reqmod.Rewriter, rs *respmod.Resolver, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{DLP: d, REQMOD: rq, RESPMOD: rs, Log: log}
}

// RegisterRoutes mounts /reqmod and /respmod on r.
func (s *Server) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/reqmod", http.HandlerFunc(s.handleREQMOD))
	r.Handle("/respmod", http.HandlerFunc(s.handleRESPMOD))
}

// blockResponse is the JSON body returned when the DLP inspector blocks a
// request (spec.md §4.F step 5, "HTTP 403-shaped response").
type blockResponse struct {
	Blocked     bool   `json:"blocked"`
	RequestID   string `json:"request_id"`
	PatternName string `json:"pattern_name"`
	Reason      string `json:"reason"`
}

// handleREQMOD implements the request-path hook: DLP inspection first
// (which can outright block the request), then the governance-command
// rewrite (spec.md §2's flow diagram).
func (s *Server) handleREQMOD(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	host := r.Header.Get("X-Destination-Host")
	traceID := trace.GenerateID()
	ctx := trace.WithTraceID(r.Context(), traceID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if s.DLP != nil {
		decision, err := s.DLP.Inspect(ctx, body, host)
		if err != nil {
			s.Log.Error("icapserver: dlp inspect failed", "trace", traceID, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if decision.Blocked {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(blockResponse{
				Blocked:     true,
				RequestID:   decision.Record.RequestID,
				PatternName: decision.PatternName,
				Reason:      decision.Record.Reason,
			})
			return
		}
	}

	result := body
	modified := false
	if s.REQMOD != nil {
		rewrite := s.REQMOD.Rewrite(ctx, body, host)
		result = rewrite.Body
		modified = rewrite.Modified
	}

	writeBody(w, result, modified)
}

// handleRESPMOD implements the response-path hook.
func (s *Server) handleRESPMOD(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	host := r.Header.Get("X-Destination-Host")
	contentEncoding := r.Header.Get("X-Content-Encoding")
	ctx := trace.WithTraceID(r.Context(), trace.GenerateID())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read response body", http.StatusBadRequest)
		return
	}

	result := body
	modified := false
	if s.RESPMOD != nil {
		resolved := s.RESPMOD.Resolve(ctx, body, host, contentEncoding)
		result = resolved.Body
		modified = resolved.Modified
	}

	writeBody(w, result, modified)
}

func writeBody(w http.ResponseWriter, body []byte, modified bool) {
	if modified {
		w.Header().Set("X-Polis-Modified", "true")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
