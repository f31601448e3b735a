// Package relay sequences one OCR request end to end: preprocessing, the
// bounded client call with retry and backoff, and normalization of the
// upstream body into the canonical outcome. Each call is independent; the
// only shared state is a bounded semaphore capping in-flight upstream calls.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/edulab/ocrelay/internal/ocr"
	"github.com/edulab/ocrelay/internal/preprocess"
)

const (
	// DefaultMaxAttempts is the total number of upstream calls for one
	// request: the first call plus up to two retries. The engine's first
	// call after idle loads model weights, so a failed or slow first
	// attempt is often just a cold start.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the delay before the first retry; it doubles
	// on each subsequent one.
	DefaultInitialBackoff = time.Second

	// DefaultMaxInFlight caps concurrent upstream calls per process. The
	// remote engine is resource-constrained; flooding it produces the very
	// exhaustion errors retries then amplify.
	DefaultMaxInFlight = 2

	// DefaultAcquireTimeout bounds the wait for an in-flight slot.
	DefaultAcquireTimeout = 15 * time.Second

	// DefaultLanguage is used when the caller provides no usable hint.
	DefaultLanguage = "en"
)

// Config holds orchestration policy. Zero values select the defaults above.
type Config struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxInFlight     int
	AcquireTimeout  time.Duration
	MaxDimension    int
	DefaultLanguage string
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.MaxDimension <= 0 {
		c.MaxDimension = preprocess.DefaultMaxDimension
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = DefaultLanguage
	}
}

// recognizer is the slice of the OCR client the orchestrator drives.
type recognizer interface {
	Recognize(ctx context.Context, img *preprocess.Buffer, language, requestID string) (json.RawMessage, error)
	RecognizePDF(ctx context.Context, pdf []byte, language, requestID string) (json.RawMessage, error)
}

// State names one phase of the orchestration state machine.
type State string

const (
	StatePreprocessing State = "preprocessing"
	StateCalling       State = "calling"
	StateRetrying      State = "retrying"
	StateNormalizing   State = "normalizing"
	StateDone          State = "done"
)

// Event reports a state transition to an observer, e.g. a streaming handler.
type Event struct {
	State   State `json:"state"`
	Attempt int   `json:"attempt,omitempty"`
}

// ProgressFunc receives state transitions during one orchestration.
type ProgressFunc func(Event)

// Orchestrator runs OCR requests against a client under the configured
// retry, backoff and concurrency policy.
type Orchestrator struct {
	cfg    Config
	client recognizer
	clock  clock
	slots  chan struct{}
	logger *slog.Logger
}

// New creates an Orchestrator. The client is typically *client.Client.
func New(cfg Config, rec recognizer) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:    cfg,
		client: rec,
		clock:  wallClock{},
		slots:  make(chan struct{}, cfg.MaxInFlight),
		logger: slog.Default(),
	}
}

// Handle runs one image OCR request to completion and always returns a
// terminal outcome; it never panics and never hangs past its timeouts.
func (o *Orchestrator) Handle(ctx context.Context, rawImage []byte, lang string) ocr.Outcome {
	return o.HandleObserved(ctx, rawImage, lang, nil)
}

// HandleObserved is Handle with a progress callback for streaming consumers.
// The callback runs synchronously on the orchestration goroutine.
func (o *Orchestrator) HandleObserved(ctx context.Context, rawImage []byte, lang string, progress ProgressFunc) ocr.Outcome {
	requestID := uuid.NewString()
	langCode := o.normalizeLanguage(lang)
	log := o.logger.With("request_id", requestID, "language", langCode)

	notify(progress, Event{State: StatePreprocessing})
	img, err := preprocess.Preprocess(rawImage, o.cfg.MaxDimension)
	if err != nil {
		var failure *ocr.Failure
		if !errors.As(err, &failure) {
			failure = ocr.NewFailure(ocr.KindInvalidImage, err.Error())
		}
		log.Warn("preprocessing failed", "error", failure.Message)
		notify(progress, Event{State: StateDone})
		return ocr.Failed(failure)
	}
	log.Debug("image preprocessed", "width", img.Width, "height", img.Height, "bytes", len(img.Data))

	out := o.execute(ctx, log, progress, func(callCtx context.Context) (json.RawMessage, error) {
		return o.client.Recognize(callCtx, img, langCode, requestID)
	})
	notify(progress, Event{State: StateDone})
	return out
}

// HandlePDF runs one PDF OCR request. The payload bypasses image
// preprocessing; validation happens client-side before upload.
func (o *Orchestrator) HandlePDF(ctx context.Context, rawPDF []byte, lang string) ocr.Outcome {
	requestID := uuid.NewString()
	langCode := o.normalizeLanguage(lang)
	log := o.logger.With("request_id", requestID, "language", langCode)

	return o.execute(ctx, log, nil, func(callCtx context.Context) (json.RawMessage, error) {
		return o.client.RecognizePDF(callCtx, rawPDF, langCode, requestID)
	})
}

// execute drives the Calling/Retrying/Normalizing loop until a terminal
// outcome is reached or attempts are exhausted.
func (o *Orchestrator) execute(ctx context.Context, log *slog.Logger, progress ProgressFunc, call func(context.Context) (json.RawMessage, error)) ocr.Outcome {
	if failure := o.acquire(ctx); failure != nil {
		log.Warn("no in-flight slot available", "error", failure.Message)
		return ocr.Failed(failure)
	}
	defer o.release()

	backoff := o.cfg.InitialBackoff
	var lastFailure *ocr.Failure

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		notify(progress, Event{State: StateCalling, Attempt: attempt})
		raw, err := call(ctx)

		if err == nil {
			notify(progress, Event{State: StateNormalizing, Attempt: attempt})
			out := ocr.Normalize(raw)
			lastFailure = out.Failure
			if out.Failure == nil {
				log.Info("ocr request resolved", "attempt", attempt, "empty", out.Empty)
				return out
			}
			if out.Failure.Kind == ocr.KindMalformedResponse {
				// Contract violation with the upstream service; likely a
				// version mismatch, so make it visible.
				log.Error("malformed upstream response", "attempt", attempt, "error", out.Failure.Message)
			}
		} else {
			var failure *ocr.Failure
			if !errors.As(err, &failure) {
				failure = ocr.NewFailure(ocr.KindServiceUnavailable, err.Error())
			}
			lastFailure = failure
		}

		if !lastFailure.Retriable || attempt == o.cfg.MaxAttempts {
			break
		}

		log.Warn("ocr attempt failed, backing off",
			"attempt", attempt, "kind", lastFailure.Kind, "backoff", backoff, "error", lastFailure.Message)
		notify(progress, Event{State: StateRetrying, Attempt: attempt})
		if err := o.clock.Sleep(ctx, backoff); err != nil {
			canceled := ocr.NewFailure(ocr.KindTimeout, "request canceled during backoff")
			canceled.Retriable = false
			return ocr.Failed(canceled)
		}
		backoff *= 2
	}

	log.Warn("ocr request failed", "kind", lastFailure.Kind, "error", lastFailure.Message)
	return ocr.Failed(lastFailure)
}

// acquire takes an in-flight slot, waiting at most AcquireTimeout. A full
// queue is treated like an unavailable service so the caller sees the same
// "try again shortly" class of failure.
func (o *Orchestrator) acquire(ctx context.Context) *ocr.Failure {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.AcquireTimeout)
	defer cancel()

	select {
	case o.slots <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			f := ocr.NewFailure(ocr.KindTimeout, "request canceled while queued")
			f.Retriable = false
			return f
		}
		return ocr.NewFailure(ocr.KindServiceUnavailable, "too many concurrent OCR requests")
	}
}

func (o *Orchestrator) release() { <-o.slots }

// InFlight reports how many upstream calls currently hold a slot.
func (o *Orchestrator) InFlight() int { return len(o.slots) }

// normalizeLanguage reduces a caller hint like "EN" or "en-US" to a bare
// ISO-639-1 code, falling back to the configured default for unusable input.
// Only a language plus at most one qualifier is accepted; language.Parse
// alone is too lenient, since any well-formed BCP47 string parses even when
// it names no real language.
func (o *Orchestrator) normalizeLanguage(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return o.cfg.DefaultLanguage
	}
	normalized := strings.ReplaceAll(hint, "_", "-")
	if strings.Count(normalized, "-") > 1 {
		return o.cfg.DefaultLanguage
	}
	tag, err := language.Parse(normalized)
	if err != nil {
		return o.cfg.DefaultLanguage
	}
	base, conf := tag.Base()
	if conf != language.Exact {
		return o.cfg.DefaultLanguage
	}
	return base.String()
}

func notify(progress ProgressFunc, ev Event) {
	if progress != nil {
		progress(ev)
	}
}
