package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab/ocrelay/internal/ocr"
)

func dialStream(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(server.streamHandler))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) WebSocketScanResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame WebSocketScanResponse
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestServer_StreamHandler_ProgressThenResult(t *testing.T) {
	orch := &fakeOrchestrator{outcome: ocr.Success(&ocr.Result{Text: "streamed", Confidence: 1, LineCount: 1})}
	server := newTestServer(orch, &fakeUpstream{})

	conn := dialStream(t, server)

	req := WebSocketScanRequest{Type: "image", Data: []byte("fake-image"), Language: "en"}
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	first := readFrame(t, conn)
	assert.Equal(t, "progress", first.Type)
	assert.Equal(t, "preprocessing", first.Status)

	second := readFrame(t, conn)
	assert.Equal(t, "progress", second.Type)
	assert.Equal(t, "done", second.Status)

	final := readFrame(t, conn)
	assert.Equal(t, "result", final.Type)
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Success)
	assert.Equal(t, "streamed", final.Result.Text)
}

func TestServer_StreamHandler_FailureFrame(t *testing.T) {
	orch := &fakeOrchestrator{outcome: ocr.Failed(ocr.NewFailure(ocr.KindInvalidImage, "image: unknown format"))}
	server := newTestServer(orch, &fakeUpstream{})

	conn := dialStream(t, server)

	payload, err := json.Marshal(WebSocketScanRequest{Type: "image", Data: []byte("junk")})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	// Skip progress frames and keep the terminal one.
	var frame WebSocketScanResponse
	for {
		frame = readFrame(t, conn)
		if frame.Type != "progress" {
			break
		}
	}

	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, string(ocr.KindInvalidImage), frame.ErrorKind)
	assert.Contains(t, frame.Error, "unknown format")
}

func TestServer_StreamHandler_BadFrames(t *testing.T) {
	server := newTestServer(&fakeOrchestrator{}, &fakeUpstream{})

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid JSON", body: `{nope`},
		{name: "empty payload", body: `{"type":"image"}`},
		{name: "unsupported type", body: `{"type":"carrier-pigeon","data":"aGk="}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialStream(t, server)

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.body)))

			frame := readFrame(t, conn)
			assert.Equal(t, "error", frame.Type)
			assert.Equal(t, "invalid_request", frame.ErrorKind)
		})
	}
}
