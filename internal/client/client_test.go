package client

import (
	"context"
	"errors"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab/ocrelay/internal/ocr"
	"github.com/edulab/ocrelay/internal/preprocess"
	"github.com/edulab/ocrelay/internal/testutil"
)

func testBuffer(t *testing.T) *preprocess.Buffer {
	t.Helper()
	raw := testutil.EncodePNG(t, testutil.CreateTestImage(32, 32, color.White))
	buf, err := preprocess.Preprocess(raw, 2048)
	require.NoError(t, err)
	return buf
}

func newTestClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"valid http", "http://localhost:8000", false},
		{"valid https", "https://ocr.example.com", false},
		{"empty", "", true},
		{"bad scheme", "ftp://ocr.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BaseURL = tt.baseURL
			_, err := New(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecognize_Success(t *testing.T) {
	var gotPath, gotLanguage, gotRequestID string
	var gotFileBytes []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-ID")
		require.NoError(t, r.ParseMultipartForm(32<<20))
		gotLanguage = r.FormValue("language")
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotFileBytes, err = io.ReadAll(file)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "text": "Hello", "confidence": 0.97}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	img := testBuffer(t)

	raw, err := c.Recognize(context.Background(), img, "en", "req-123")
	require.NoError(t, err)

	assert.Equal(t, "/ocr", gotPath)
	assert.Equal(t, "en", gotLanguage)
	assert.Equal(t, "req-123", gotRequestID)
	assert.Equal(t, img.Data, gotFileBytes)
	assert.JSONEq(t, `{"success": true, "text": "Hello", "confidence": 0.97}`, string(raw))
}

func TestRecognize_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantKind      ocr.Kind
		wantRetriable bool
	}{
		{
			name:   "500 engine overload",
			status: http.StatusInternalServerError,
			body:   `{"success": false, "error": "could not execute a primitive"}`,
			wantKind: ocr.KindServiceUnavailable, wantRetriable: true,
		},
		{
			name:   "503 unavailable",
			status: http.StatusServiceUnavailable,
			body:   "service down",
			wantKind: ocr.KindServiceUnavailable, wantRetriable: true,
		},
		{
			name:   "504 gateway timeout",
			status: http.StatusGatewayTimeout,
			body:   "",
			wantKind: ocr.KindTimeout, wantRetriable: true,
		},
		{
			name:   "400 bad request",
			status: http.StatusBadRequest,
			body:   "No image provided",
			wantKind: ocr.KindInvalidRequest, wantRetriable: false,
		},
		{
			name:   "413 payload too large",
			status: http.StatusRequestEntityTooLarge,
			body:   "too large",
			wantKind: ocr.KindInvalidRequest, wantRetriable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, 0)
			_, err := c.Recognize(context.Background(), testBuffer(t), "en", "")
			require.Error(t, err)

			var failure *ocr.Failure
			require.True(t, errors.As(err, &failure))
			assert.Equal(t, tt.wantKind, failure.Kind)
			assert.Equal(t, tt.wantRetriable, failure.Retriable)
		})
	}
}

func TestRecognize_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, 50*time.Millisecond)
	_, err := c.Recognize(context.Background(), testBuffer(t), "en", "")
	require.Error(t, err)

	var failure *ocr.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ocr.KindTimeout, failure.Kind)
	assert.True(t, failure.Retriable)
}

func TestRecognize_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	c := newTestClient(t, srv.URL, 10*time.Second)
	_, err := c.Recognize(ctx, testBuffer(t), "en", "")
	require.Error(t, err)

	var failure *ocr.Failure
	require.True(t, errors.As(err, &failure))
	assert.False(t, failure.Retriable, "caller cancellation must not trigger retries")
}

func TestRecognize_ConnectionRefused(t *testing.T) {
	// Reserve a port and close it so the connection is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := newTestClient(t, addr, 0)
	_, err := c.Recognize(context.Background(), testBuffer(t), "en", "")
	require.Error(t, err)

	var failure *ocr.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ocr.KindServiceUnavailable, failure.Kind)
	assert.True(t, failure.Retriable)
}

func TestRecognize_NilImage(t *testing.T) {
	c := newTestClient(t, "http://localhost:1", 0)
	_, err := c.Recognize(context.Background(), nil, "en", "")

	var failure *ocr.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ocr.KindInvalidRequest, failure.Kind)
}

func TestWarmup(t *testing.T) {
	var calls int
	var gotFileSize int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		gotFileSize = len(data)
		_, _ = w.Write([]byte(`{"success": true, "text": ""}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	require.NoError(t, c.Warmup(context.Background()))

	assert.Equal(t, 1, calls)
	assert.Positive(t, gotFileSize)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "healthy"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	status, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Positive(t, status.Latency)
	assert.JSONEq(t, `{"status": "healthy"}`, string(status.Detail))
}

func TestHealth_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := newTestClient(t, addr, 0)
	status, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Healthy)
}

func TestLanguages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ocr/languages", r.URL.Path)
		_, _ = w.Write([]byte(`{"languages": {"en": "English", "ru": "Russian"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	langs, err := c.Languages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"en": "English", "ru": "Russian"}, langs)
}

func TestRecognizePDF_RejectsNonPDF(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	_, err := c.RecognizePDF(context.Background(), []byte("definitely not a pdf"), "en", "")
	require.Error(t, err)

	var failure *ocr.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ocr.KindInvalidRequest, failure.Kind)
	assert.Zero(t, calls, "invalid PDF must not reach the network")
}
