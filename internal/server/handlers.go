package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/ocr/scan", s.corsMiddleware(s.scanHandler))
	mux.HandleFunc("/ocr/health", s.corsMiddleware(s.upstreamHealthHandler))
	mux.HandleFunc("/ocr/languages", s.corsMiddleware(s.languagesHandler))
	mux.HandleFunc("/ocr/stream", s.streamHandler)
	mux.HandleFunc("/warmup", s.corsMiddleware(s.warmupHandler))
	mux.Handle("/metrics", promhttp.Handler())
}

// healthHandler returns gateway liveness; it does not probe the upstream.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Time: nowRFC3339()})
}

// upstreamHealthHandler probes the OCR service and reports its status.
func (s *Server) upstreamHealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.upstream.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"healthy": false, "error": "health probe failed"})
		return
	}
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// languagesHandler passes through the upstream supported-language list.
func (s *Server) languagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	langs, err := s.upstream.Languages(r.Context())
	if err != nil {
		slog.Warn("languages passthrough failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "OCR service unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "languages": langs})
}

// warmupHandler kicks off a background warmup request against the upstream
// engine and returns immediately. Used by deployment tooling so the first
// real scan does not absorb the model cold start.
func (s *Server) warmupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Detached from the request context on purpose: the warmup should finish
	// even if the triggering request goes away.
	warmupCtx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.upstream.Warmup(warmupCtx); err != nil {
			slog.Warn("warmup failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "status": "warmup started"})
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
