package ocr

import "fmt"

// Kind classifies a failed OCR request.
type Kind string

const (
	KindInvalidImage       Kind = "invalid_image"
	KindInvalidRequest     Kind = "invalid_request"
	KindTimeout            Kind = "timeout"
	KindServiceUnavailable Kind = "service_unavailable"
	KindUpstreamError      Kind = "upstream_error"
	KindMalformedResponse  Kind = "malformed_response"
)

// Failure describes why an OCR request could not produce a result.
// Retriable failures may be reattempted with backoff; fatal ones must not.
type Failure struct {
	Kind      Kind
	Message   string
	Retriable bool
}

func (f *Failure) Error() string {
	return fmt.Sprintf("ocr %s: %s", f.Kind, f.Message)
}

// NewFailure constructs a Failure with the retriable flag implied by the kind.
// UpstreamError defaults to fatal; callers that pattern-match a transient
// upstream message should set Retriable explicitly.
func NewFailure(kind Kind, message string) *Failure {
	return &Failure{
		Kind:      kind,
		Message:   message,
		Retriable: kind == KindTimeout || kind == KindServiceUnavailable,
	}
}

// Line is one recognized text line with its confidence and the four-corner
// bounding quadrilateral in image coordinates, in the order reported by the
// OCR engine.
type Line struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Box        [][]float64 `json:"box,omitempty"`
}

// Result is the canonical successful OCR result.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	LineCount  int     `json:"line_count"`
	Lines      []Line  `json:"lines,omitempty"`
}

// Outcome is the single terminal value of one OCR request. Exactly one of
// Result, Empty, or Failure is populated.
type Outcome struct {
	Result  *Result
	Empty   bool
	Failure *Failure
}

// Success wraps a Result into an Outcome.
func Success(res *Result) Outcome { return Outcome{Result: res} }

// EmptyResult reports a request that succeeded but detected no text.
func EmptyResult() Outcome { return Outcome{Empty: true} }

// Failed wraps a Failure into an Outcome.
func Failed(f *Failure) Outcome { return Outcome{Failure: f} }

// OK reports whether the request reached the OCR engine and got an answer,
// including the no-text-detected case.
func (o Outcome) OK() bool { return o.Failure == nil }
