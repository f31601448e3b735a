package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab/ocrelay/internal/client"
	"github.com/edulab/ocrelay/internal/ocr"
	"github.com/edulab/ocrelay/internal/relay"
)

// fakeOrchestrator returns canned outcomes and records what it was given.
type fakeOrchestrator struct {
	outcome  ocr.Outcome
	lastData []byte
	lastLang string
	pdfCalls int
	imgCalls int
}

func (f *fakeOrchestrator) Handle(_ context.Context, rawImage []byte, lang string) ocr.Outcome {
	f.imgCalls++
	f.lastData = rawImage
	f.lastLang = lang
	return f.outcome
}

func (f *fakeOrchestrator) HandleObserved(ctx context.Context, rawImage []byte, lang string, progress relay.ProgressFunc) ocr.Outcome {
	if progress != nil {
		progress(relay.Event{State: relay.StatePreprocessing})
		progress(relay.Event{State: relay.StateDone})
	}
	return f.Handle(ctx, rawImage, lang)
}

func (f *fakeOrchestrator) HandlePDF(_ context.Context, rawPDF []byte, lang string) ocr.Outcome {
	f.pdfCalls++
	f.lastData = rawPDF
	f.lastLang = lang
	return f.outcome
}

// fakeUpstream stubs the client passthroughs.
type fakeUpstream struct {
	health      *client.HealthStatus
	healthErr   error
	languages   map[string]string
	langErr     error
	warmupErr   error
	warmupCalls chan struct{}
}

func (f *fakeUpstream) Health(context.Context) (*client.HealthStatus, error) {
	return f.health, f.healthErr
}

func (f *fakeUpstream) Languages(context.Context) (map[string]string, error) {
	return f.languages, f.langErr
}

func (f *fakeUpstream) Warmup(context.Context) error {
	if f.warmupCalls != nil {
		f.warmupCalls <- struct{}{}
	}
	return f.warmupErr
}

func newTestServer(orch orchestratorInterface, upstream upstreamInterface) *Server {
	return NewServer(Config{}, orch, upstream)
}

func multipartBody(t *testing.T, filename string, data []byte, language string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	if language != "" {
		require.NoError(t, mw.WriteField("language", language))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestServer_HealthHandler(t *testing.T) {
	server := newTestServer(&fakeOrchestrator{}, &fakeUpstream{})

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request success", method: "GET", expectedStatus: http.StatusOK},
		{name: "POST request not allowed", method: "POST", expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()

			server.healthHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
				assert.Equal(t, "healthy", response.Status)
				assert.NotEmpty(t, response.Time)
			}
		})
	}
}

func TestServer_ScanHandler_MultipartSuccess(t *testing.T) {
	orch := &fakeOrchestrator{outcome: ocr.Success(&ocr.Result{
		Text:       "hello world",
		Confidence: 0.92,
		LineCount:  2,
	})}
	server := newTestServer(orch, &fakeUpstream{})

	body, contentType := multipartBody(t, "scan.png", []byte("png-bytes"), "de")
	req := httptest.NewRequest("POST", "/ocr/scan", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	server.scanHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ScanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "hello world", resp.Text)
	assert.InDelta(t, 0.92, resp.Confidence, 1e-9)
	assert.Equal(t, 2, resp.LineCount)

	assert.Equal(t, 1, orch.imgCalls)
	assert.Equal(t, []byte("png-bytes"), orch.lastData)
	assert.Equal(t, "de", orch.lastLang)
}

func TestServer_ScanHandler_Base64JSON(t *testing.T) {
	orch := &fakeOrchestrator{outcome: ocr.Success(&ocr.Result{Text: "ok", Confidence: 1, LineCount: 1})}
	server := newTestServer(orch, &fakeUpstream{})

	imageData := []byte("fake-image")
	payload, err := json.Marshal(scanJSONRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(imageData),
		Language:    "fr",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/ocr/scan", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.scanHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, imageData, orch.lastData)
	assert.Equal(t, "fr", orch.lastLang)
}

func TestServer_ScanHandler_Base64Errors(t *testing.T) {
	server := newTestServer(&fakeOrchestrator{}, &fakeUpstream{})

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid JSON", body: `{broken`},
		{name: "missing image field", body: `{"language":"en"}`},
		{name: "invalid base64", body: `{"image_base64":"not-base64!!"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/ocr/scan", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			server.scanHandler(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp ScanResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestServer_ScanHandler_PDFDispatch(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
	}{
		{name: "by extension", filename: "doc.PDF", data: []byte("whatever")},
		{name: "by magic bytes", filename: "upload.bin", data: []byte("%PDF-1.7 rest")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{outcome: ocr.Success(&ocr.Result{Text: "pdf text", Confidence: 1, LineCount: 1})}
			server := newTestServer(orch, &fakeUpstream{})

			body, contentType := multipartBody(t, tt.filename, tt.data, "")
			req := httptest.NewRequest("POST", "/ocr/scan", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()

			server.scanHandler(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, 1, orch.pdfCalls)
			assert.Equal(t, 0, orch.imgCalls)
		})
	}
}

func TestServer_ScanHandler_EmptyOutcome(t *testing.T) {
	orch := &fakeOrchestrator{outcome: ocr.EmptyResult()}
	server := newTestServer(orch, &fakeUpstream{})

	body, contentType := multipartBody(t, "blank.png", []byte("png-bytes"), "")
	req := httptest.NewRequest("POST", "/ocr/scan", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	server.scanHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ScanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Empty)
	assert.Empty(t, resp.Text)
}

func TestServer_ScanHandler_FailureStatusMapping(t *testing.T) {
	tests := []struct {
		name           string
		failure        *ocr.Failure
		expectedStatus int
		echoesMessage  bool
	}{
		{
			name:           "timeout maps to 504",
			failure:        ocr.NewFailure(ocr.KindTimeout, "request timed out"),
			expectedStatus: http.StatusGatewayTimeout,
		},
		{
			name:           "service unavailable maps to 503",
			failure:        ocr.NewFailure(ocr.KindServiceUnavailable, "connect refused"),
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "invalid image maps to 400",
			failure:        ocr.NewFailure(ocr.KindInvalidImage, "image: unknown format"),
			expectedStatus: http.StatusBadRequest,
			echoesMessage:  true,
		},
		{
			name:           "invalid request maps to 400",
			failure:        ocr.NewFailure(ocr.KindInvalidRequest, "unsupported language"),
			expectedStatus: http.StatusBadRequest,
			echoesMessage:  true,
		},
		{
			name:           "fatal upstream error maps to 400",
			failure:        ocr.NewFailure(ocr.KindUpstreamError, "unsupported script"),
			expectedStatus: http.StatusBadRequest,
			echoesMessage:  true,
		},
		{
			name: "retriable upstream error maps to 503",
			failure: &ocr.Failure{
				Kind:      ocr.KindUpstreamError,
				Message:   "could not execute a primitive",
				Retriable: true,
			},
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "malformed response maps to 502",
			failure:        ocr.NewFailure(ocr.KindMalformedResponse, "undecodable body"),
			expectedStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{outcome: ocr.Failed(tt.failure)}
			server := newTestServer(orch, &fakeUpstream{})

			body, contentType := multipartBody(t, "scan.png", []byte("png-bytes"), "")
			req := httptest.NewRequest("POST", "/ocr/scan", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()

			server.scanHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var resp ScanResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, string(tt.failure.Kind), resp.ErrorKind)
			assert.Equal(t, tt.failure.Retriable, resp.Retriable)
			if tt.echoesMessage {
				assert.Equal(t, tt.failure.Message, resp.Error)
			} else {
				assert.NotContains(t, resp.Error, tt.failure.Message)
			}
		})
	}
}

func TestServer_ScanHandler_NoFile(t *testing.T) {
	server := newTestServer(&fakeOrchestrator{}, &fakeUpstream{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("language", "en"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/ocr/scan", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()

	server.scanHandler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ScanHandler_MethodNotAllowed(t *testing.T) {
	server := newTestServer(&fakeOrchestrator{}, &fakeUpstream{})

	req := httptest.NewRequest("GET", "/ocr/scan", nil)
	w := httptest.NewRecorder()

	server.scanHandler(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_UpstreamHealthHandler(t *testing.T) {
	tests := []struct {
		name           string
		upstream       *fakeUpstream
		expectedStatus int
	}{
		{
			name:           "healthy upstream",
			upstream:       &fakeUpstream{health: &client.HealthStatus{Healthy: true, Latency: 12 * time.Millisecond}},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "unhealthy upstream",
			upstream:       &fakeUpstream{health: &client.HealthStatus{Healthy: false, Detail: json.RawMessage(`"connection refused"`)}},
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "probe error",
			upstream:       &fakeUpstream{healthErr: errors.New("boom")},
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&fakeOrchestrator{}, tt.upstream)

			req := httptest.NewRequest("GET", "/ocr/health", nil)
			w := httptest.NewRecorder()

			server.upstreamHealthHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestServer_LanguagesHandler(t *testing.T) {
	upstream := &fakeUpstream{languages: map[string]string{"en": "English", "de": "German"}}
	server := newTestServer(&fakeOrchestrator{}, upstream)

	req := httptest.NewRequest("GET", "/ocr/languages", nil)
	w := httptest.NewRecorder()

	server.languagesHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success   bool              `json:"success"`
		Languages map[string]string `json:"languages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, upstream.languages, resp.Languages)
}

func TestServer_LanguagesHandler_UpstreamDown(t *testing.T) {
	server := newTestServer(&fakeOrchestrator{}, &fakeUpstream{langErr: errors.New("refused")})

	req := httptest.NewRequest("GET", "/ocr/languages", nil)
	w := httptest.NewRecorder()

	server.languagesHandler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_WarmupHandler(t *testing.T) {
	upstream := &fakeUpstream{warmupCalls: make(chan struct{}, 1)}
	server := newTestServer(&fakeOrchestrator{}, upstream)

	req := httptest.NewRequest("POST", "/warmup", nil)
	w := httptest.NewRecorder()

	server.warmupHandler(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case <-upstream.warmupCalls:
	case <-time.After(2 * time.Second):
		t.Fatal("warmup was never triggered")
	}
}

func TestLooksLikePDF(t *testing.T) {
	assert.True(t, looksLikePDF("scan.pdf", nil))
	assert.True(t, looksLikePDF("scan.PDF", nil))
	assert.True(t, looksLikePDF("blob", []byte("%PDF-1.4")))
	assert.False(t, looksLikePDF("scan.png", []byte("\x89PNG")))
}
