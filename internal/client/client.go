// Package client issues requests against the remote OCR service and maps
// transport-level conditions onto the failure taxonomy. It owns timeouts and
// status classification; retry sequencing belongs to the relay package.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edulab/ocrelay/internal/mempool"
	"github.com/edulab/ocrelay/internal/ocr"
	"github.com/edulab/ocrelay/internal/preprocess"
)

const (
	// DefaultTimeout bounds a single image recognition call.
	DefaultTimeout = 120 * time.Second

	// DefaultPDFTimeout bounds a PDF recognition call, which processes the
	// document page by page upstream.
	DefaultPDFTimeout = 300 * time.Second

	// DefaultWarmupTimeout is deliberately generous so a cold engine has time
	// to download and load its model weights.
	DefaultWarmupTimeout = 180 * time.Second

	maxErrorBodyBytes = 4 * 1024
)

// Config holds the connection settings for the OCR service.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	PDFTimeout    time.Duration
	WarmupTimeout time.Duration
	UserAgent     string
}

// DefaultConfig returns client defaults; BaseURL must still be provided.
func DefaultConfig() Config {
	return Config{
		Timeout:       DefaultTimeout,
		PDFTimeout:    DefaultPDFTimeout,
		WarmupTimeout: DefaultWarmupTimeout,
		UserAgent:     "ocrelay",
	}
}

// Client talks to one OCR service endpoint.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
}

// New creates a Client for the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported URL scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PDFTimeout <= 0 {
		cfg.PDFTimeout = DefaultPDFTimeout
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = DefaultWarmupTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ocrelay"
	}

	return &Client{
		cfg:  cfg,
		base: base,
		// Per-call deadlines come from the request context, not the
		// http.Client, so differing image/PDF/warmup timeouts can share one
		// transport and its connection pool.
		http: &http.Client{},
	}, nil
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Recognize uploads a preprocessed image for recognition and returns the raw
// JSON body of a successful (HTTP 200) response. All other conditions are
// returned as *ocr.Failure errors classified per the taxonomy.
func (c *Client) Recognize(ctx context.Context, img *preprocess.Buffer, language, requestID string) (json.RawMessage, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, ocr.NewFailure(ocr.KindInvalidRequest, "no image payload")
	}
	body, contentType, err := multipartPayload(img.Data, "image."+img.Format, language)
	if err != nil {
		return nil, ocr.NewFailure(ocr.KindInvalidRequest, "cannot build upload: "+err.Error())
	}
	return c.post(ctx, c.endpoint("/ocr"), c.cfg.Timeout, body, contentType, requestID)
}

// Warmup sends a trivial recognition request purely to force model
// initialization on a cold engine, discarding the result. Used by operational
// tooling after deployment; never on the hot request path.
func (c *Client) Warmup(ctx context.Context) error {
	body, contentType, err := multipartPayload(warmupPNG(), "warmup.png", "en")
	if err != nil {
		return err
	}
	_, err = c.post(ctx, c.endpoint("/ocr"), c.cfg.WarmupTimeout, body, contentType, "")
	return err
}

// HealthStatus reports the upstream health probe result.
type HealthStatus struct {
	Healthy bool            `json:"healthy"`
	Latency time.Duration   `json:"latency_ns"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Health probes the upstream health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, nil //nolint:nilerr // probe failure is a result, not an error
	}
	defer func() { _ = resp.Body.Close() }()

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	status := &HealthStatus{
		Healthy: resp.StatusCode == http.StatusOK,
		Latency: latency,
	}
	if json.Valid(detail) {
		status.Detail = detail
	}
	return status, nil
}

// Languages fetches the language codes the upstream engine supports.
func (c *Client) Languages(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/ocr/languages"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classifyTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var parsed struct {
		Languages map[string]string `json:"languages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, ocr.NewFailure(ocr.KindMalformedResponse, "undecodable languages response: "+err.Error())
	}
	return parsed.Languages, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.base.String(), "/") + path
}

// post sends one upload with a hard per-call timeout and classifies the
// outcome. A nil error means HTTP 200; the caller normalizes the body. The
// body buffer is returned to the pool once the call completes.
func (c *Client) post(ctx context.Context, endpoint string, timeout time.Duration, body *bytes.Buffer, contentType, requestID string) (json.RawMessage, error) {
	defer mempool.PutBuffer(body)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, ocr.NewFailure(ocr.KindInvalidRequest, "cannot build request: "+err.Error())
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classifyTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ocr.NewFailure(ocr.KindServiceUnavailable, "response body truncated: "+err.Error())
	}
	return json.RawMessage(raw), nil
}

// classifyTransport maps request errors onto the taxonomy. The parent context
// distinguishes caller cancellation (fatal, no retry) from the per-call
// deadline (retriable timeout).
func (c *Client) classifyTransport(parent context.Context, err error) *ocr.Failure {
	if errors.Is(parent.Err(), context.Canceled) {
		f := ocr.NewFailure(ocr.KindTimeout, "request canceled by caller")
		f.Retriable = false
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ocr.NewFailure(ocr.KindTimeout, fmt.Sprintf("no response within deadline: %v", err))
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ocr.NewFailure(ocr.KindTimeout, fmt.Sprintf("no response within deadline: %v", err))
	}
	return ocr.NewFailure(ocr.KindServiceUnavailable, fmt.Sprintf("transport error: %v", err))
}

// classifyStatus maps non-200 responses onto the taxonomy. 5xx covers both
// genuine outages and the engine's transient resource-exhaustion errors
// ("could not execute a primitive"), so it is retriable; 4xx means the
// request itself was rejected and retrying cannot help. 408 and 504 are the
// exception: intermediaries emit them when the engine is merely slow, so
// they count as timeouts rather than request defects or outages.
func classifyStatus(resp *http.Response) *ocr.Failure {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return ocr.NewFailure(ocr.KindTimeout, fmt.Sprintf("upstream %d: %s", resp.StatusCode, msg))
	case resp.StatusCode >= 500:
		return ocr.NewFailure(ocr.KindServiceUnavailable, fmt.Sprintf("upstream %d: %s", resp.StatusCode, msg))
	case resp.StatusCode >= 400:
		return ocr.NewFailure(ocr.KindInvalidRequest, fmt.Sprintf("upstream %d: %s", resp.StatusCode, msg))
	default:
		return ocr.NewFailure(ocr.KindMalformedResponse, fmt.Sprintf("unexpected upstream status %d", resp.StatusCode))
	}
}

// multipartPayload builds the multipart body the service expects: a "file"
// part with the image bytes and a "language" form field. The returned buffer
// comes from the shared pool; post releases it.
func multipartPayload(data []byte, filename, language string) (*bytes.Buffer, string, error) {
	buf := mempool.GetBuffer()
	w := multipart.NewWriter(buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		mempool.PutBuffer(buf)
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		mempool.PutBuffer(buf)
		return nil, "", err
	}
	if err := w.WriteField("language", language); err != nil {
		mempool.PutBuffer(buf)
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		mempool.PutBuffer(buf)
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
