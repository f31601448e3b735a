// Package server exposes the OCR relay over HTTP for web callers: multipart
// and base64 scan endpoints, upstream health and warmup passthroughs, metrics,
// and a WebSocket progress stream.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/edulab/ocrelay/internal/client"
	"github.com/edulab/ocrelay/internal/ocr"
	"github.com/edulab/ocrelay/internal/relay"
)

// orchestratorInterface is the slice of the relay the server drives.
type orchestratorInterface interface {
	Handle(ctx context.Context, rawImage []byte, lang string) ocr.Outcome
	HandleObserved(ctx context.Context, rawImage []byte, lang string, progress relay.ProgressFunc) ocr.Outcome
	HandlePDF(ctx context.Context, rawPDF []byte, lang string) ocr.Outcome
}

// upstreamInterface is the slice of the OCR client used for passthroughs.
type upstreamInterface interface {
	Health(ctx context.Context) (*client.HealthStatus, error)
	Languages(ctx context.Context) (map[string]string, error)
	Warmup(ctx context.Context) error
}

// Server holds the HTTP gateway state and dependencies.
type Server struct {
	relay       orchestratorInterface
	upstream    upstreamInterface
	corsOrigin  string
	maxUploadMB int64
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
}

// NewServer creates a gateway server around an orchestrator and client.
func NewServer(cfg Config, orch orchestratorInterface, upstream upstreamInterface) *Server {
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 25
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	return &Server{
		relay:       orch,
		upstream:    upstream,
		corsOrigin:  cfg.CORSOrigin,
		maxUploadMB: cfg.MaxUploadMB,
	}
}

// HealthResponse reports gateway liveness.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ScanResponse is the JSON shape returned for OCR scan requests.
type ScanResponse struct {
	Success    bool       `json:"success"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence,omitempty"`
	LineCount  int        `json:"line_count,omitempty"`
	Lines      []ocr.Line `json:"lines,omitempty"`
	Empty      bool       `json:"empty,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Retriable  bool       `json:"retriable,omitempty"`
}

// scanJSONRequest is the non-multipart request alternative.
type scanJSONRequest struct {
	ImageBase64 string `json:"image_base64"`
	Language    string `json:"language"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
