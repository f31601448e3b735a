package ocr

import (
	"encoding/json"
	"strings"
)

// rawResponse covers both upstream response shapes: the bare OCR result and
// the enriched form produced when the upstream parsing feature is active.
// Unknown fields are ignored so upstream additions don't break normalization.
type rawResponse struct {
	Success       *bool           `json:"success"`
	Error         string          `json:"error"`
	Text          string          `json:"text"`
	ExtractedText string          `json:"extracted_text"`
	QuestionText  string          `json:"question_text"`
	Question      json.RawMessage `json:"question"`
	Confidence    *float64        `json:"confidence"`
	LinesDetected *int            `json:"lines_detected"`
	Details       []rawLine       `json:"details"`
	Lines         []rawLine       `json:"lines"`
}

type rawLine struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Box        [][]float64 `json:"box"`
	BBox       [][]float64 `json:"bbox"`
}

// transientPatterns are substrings of upstream error messages that indicate a
// recoverable condition (engine cold start or resource exhaustion) rather than
// a bad request.
var transientPatterns = []string{"timeout", "primitive"}

// TransientMessage reports whether an upstream error message matches a known
// transient pattern.
func TransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Normalize maps a raw upstream JSON body onto the canonical Outcome. It never
// panics or returns an error: any body that cannot be interpreted produces a
// MalformedResponse failure.
//
// Text is looked up in priority order: question.question_text, question_text,
// extracted_text, text. The first non-empty match wins.
func Normalize(raw json.RawMessage) Outcome {
	if len(raw) == 0 {
		return Failed(NewFailure(KindMalformedResponse, "empty response body"))
	}

	var resp rawResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Failed(NewFailure(KindMalformedResponse, "undecodable response body: "+err.Error()))
	}

	if (resp.Success != nil && !*resp.Success) || resp.Error != "" {
		msg := resp.Error
		if msg == "" {
			msg = "upstream reported failure without a message"
		}
		f := NewFailure(KindUpstreamError, msg)
		f.Retriable = TransientMessage(msg)
		return Failed(f)
	}

	text := firstNonEmpty(
		nestedQuestionText(resp.Question),
		resp.QuestionText,
		resp.ExtractedText,
		resp.Text,
	)
	if strings.TrimSpace(text) == "" {
		return EmptyResult()
	}

	res := &Result{
		Text:       text,
		Confidence: 1.0,
		LineCount:  1,
	}
	if resp.Confidence != nil {
		res.Confidence = clamp01(*resp.Confidence)
	}

	details := resp.Details
	if len(details) == 0 {
		details = resp.Lines
	}
	res.Lines = make([]Line, 0, len(details))
	for _, d := range details {
		box := d.Box
		if len(box) == 0 {
			box = d.BBox
		}
		res.Lines = append(res.Lines, Line{
			Text:       d.Text,
			Confidence: clamp01(d.Confidence),
			Box:        box,
		})
	}

	switch {
	case resp.LinesDetected != nil:
		res.LineCount = *resp.LinesDetected
	case len(res.Lines) > 0:
		res.LineCount = len(res.Lines)
	}

	return Success(res)
}

// nestedQuestionText extracts question.question_text from the enriched
// response shape, tolerating a missing or non-object question field.
func nestedQuestionText(question json.RawMessage) string {
	if len(question) == 0 {
		return ""
	}
	var q struct {
		QuestionText string `json:"question_text"`
	}
	if err := json.Unmarshal(question, &q); err != nil {
		return ""
	}
	return q.QuestionText
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
