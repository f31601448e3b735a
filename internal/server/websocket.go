package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edulab/ocrelay/internal/ocr"
	"github.com/edulab/ocrelay/internal/relay"
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow connections from any origin in development
		// In production, you should check against allowed origins
		return true
	},
}

// WebSocketScanRequest is a scan request sent over a WebSocket connection.
// The image travels base64-encoded inside the JSON frame.
type WebSocketScanRequest struct {
	Type     string `json:"type"` // "image" or "pdf"
	Data     []byte `json:"data"`
	Language string `json:"language,omitempty"`
}

// WebSocketScanResponse is a progress or result frame sent back to the client.
type WebSocketScanResponse struct {
	Type      string        `json:"type"`   // "progress", "result", "error"
	Status    string        `json:"status"` // relay state for progress frames
	Attempt   int           `json:"attempt,omitempty"`
	Result    *ScanResponse `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Retriable bool          `json:"retriable,omitempty"`
}

// streamHandler handles WebSocket connections for OCR with live progress.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)

	s.handleStreamConnection(r.Context(), conn)
}

// handleStreamConnection processes scan requests from a WebSocket connection.
func (s *Server) handleStreamConnection(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Send ping messages to keep connection alive
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			break
		}

		websocketMessagesTotal.WithLabelValues("received").Inc()

		if messageType == websocket.TextMessage {
			s.handleStreamMessage(ctx, conn, data)
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}

// handleStreamMessage runs one scan request and streams progress frames
// followed by the final result.
func (s *Server) handleStreamMessage(ctx context.Context, conn *websocket.Conn, data []byte) {
	var req WebSocketScanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendStreamError(conn, "invalid_request", "Failed to parse request: "+err.Error())
		return
	}
	if len(req.Data) == 0 {
		s.sendStreamError(conn, "invalid_request", "No image data provided")
		return
	}

	// Progress callbacks arrive from the relay goroutine while this
	// goroutine may also write; gorilla connections allow one writer only.
	var writeMu sync.Mutex
	progress := func(ev relay.Event) {
		writeMu.Lock()
		defer writeMu.Unlock()
		s.sendStreamFrame(conn, WebSocketScanResponse{
			Type:    "progress",
			Status:  string(ev.State),
			Attempt: ev.Attempt,
		})
	}

	var out ocr.Outcome
	switch req.Type {
	case "pdf":
		out = s.relay.HandlePDF(ctx, req.Data, req.Language)
	case "", "image":
		out = s.relay.HandleObserved(ctx, req.Data, req.Language, progress)
	default:
		s.sendStreamError(conn, "invalid_request", "Unsupported request type: "+req.Type)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	s.sendStreamFrame(conn, finalStreamFrame(out))
}

// finalStreamFrame converts a scan outcome into the terminal frame.
func finalStreamFrame(out ocr.Outcome) WebSocketScanResponse {
	switch {
	case out.Result != nil:
		return WebSocketScanResponse{
			Type: "result",
			Result: &ScanResponse{
				Success:    true,
				Text:       out.Result.Text,
				Confidence: out.Result.Confidence,
				LineCount:  out.Result.LineCount,
				Lines:      out.Result.Lines,
			},
		}
	case out.Empty:
		return WebSocketScanResponse{
			Type:   "result",
			Result: &ScanResponse{Success: true, Empty: true},
		}
	default:
		return WebSocketScanResponse{
			Type:      "error",
			Error:     messageForFailure(out.Failure),
			ErrorKind: string(out.Failure.Kind),
			Retriable: out.Failure.Retriable,
		}
	}
}

// sendStreamFrame sends a single frame over the WebSocket connection.
func (s *Server) sendStreamFrame(conn *websocket.Conn, frame WebSocketScanResponse) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal WebSocket response", "error", err)
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("Failed to send WebSocket message", "error", err)
		return
	}

	websocketMessagesTotal.WithLabelValues("sent").Inc()
}

// sendStreamError sends an error frame over the WebSocket connection.
func (s *Server) sendStreamError(conn *websocket.Conn, kind, message string) {
	s.sendStreamFrame(conn, WebSocketScanResponse{
		Type:      "error",
		Error:     message,
		ErrorKind: kind,
	})
}
