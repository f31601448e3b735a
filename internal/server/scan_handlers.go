package server

import (
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edulab/ocrelay/internal/ocr"
)

// scanHandler accepts an image or PDF upload and relays it to the OCR
// service. Uploads arrive either as multipart form data (file + language) or
// as JSON with a base64-encoded image.
func (s *Server) scanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, language, isPDF, ok := s.parseScanRequest(w, r)
	if !ok {
		return // error already written
	}
	uploadSizeBytes.Observe(float64(len(payload)))

	scanType := "image"
	if isPDF {
		scanType = "pdf"
	}

	start := time.Now()
	var out ocr.Outcome
	if isPDF {
		out = s.relay.HandlePDF(r.Context(), payload, language)
	} else {
		out = s.relay.Handle(r.Context(), payload, language)
	}
	scanDuration.WithLabelValues(scanType).Observe(time.Since(start).Seconds())

	s.writeOutcome(w, scanType, out)
}

// parseScanRequest extracts the payload and language from either request
// form. The bool result reports whether parsing succeeded; on failure the
// response has already been written.
func (s *Server) parseScanRequest(w http.ResponseWriter, r *http.Request) (payload []byte, language string, isPDF, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB*1024*1024)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var req scanJSONRequest
		if err := decodeJSONBody(r, &req); err != nil {
			s.writeScanError(w, "Invalid JSON body", http.StatusBadRequest)
			return nil, "", false, false
		}
		if req.ImageBase64 == "" {
			s.writeScanError(w, "Missing image_base64 field", http.StatusBadRequest)
			return nil, "", false, false
		}
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			s.writeScanError(w, "Invalid base64 image data", http.StatusBadRequest)
			return nil, "", false, false
		}
		return data, req.Language, false, true
	}

	if err := r.ParseMultipartForm(s.maxUploadMB * 1024 * 1024); err != nil {
		s.writeScanError(w, "Failed to parse form data", http.StatusBadRequest)
		return nil, "", false, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeScanError(w, "No file provided. Send either a file upload or image_base64", http.StatusBadRequest)
		return nil, "", false, false
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeScanError(w, "Failed to read upload", http.StatusInternalServerError)
		return nil, "", false, false
	}

	return data, r.FormValue("language"), looksLikePDF(header.Filename, data), true
}

// looksLikePDF dispatches PDFs by extension or magic bytes so callers can use
// one endpoint for both upload types.
func looksLikePDF(filename string, data []byte) bool {
	if strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return true
	}
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// writeOutcome maps the relay outcome onto an HTTP response. Raw upstream
// error text is only echoed for caller-actionable kinds; transient failures
// get a generic message so internal details never leak to end users.
func (s *Server) writeOutcome(w http.ResponseWriter, scanType string, out ocr.Outcome) {
	switch {
	case out.Result != nil:
		scanRequestsTotal.WithLabelValues(scanType, "success").Inc()
		scanTextLength.WithLabelValues(scanType).Observe(float64(len(out.Result.Text)))
		writeJSON(w, http.StatusOK, ScanResponse{
			Success:    true,
			Text:       out.Result.Text,
			Confidence: out.Result.Confidence,
			LineCount:  out.Result.LineCount,
			Lines:      out.Result.Lines,
		})

	case out.Empty:
		scanRequestsTotal.WithLabelValues(scanType, "empty").Inc()
		writeJSON(w, http.StatusOK, ScanResponse{Success: true, Empty: true, Text: ""})

	default:
		failure := out.Failure
		scanRequestsTotal.WithLabelValues(scanType, string(failure.Kind)).Inc()
		writeJSON(w, statusForFailure(failure), ScanResponse{
			Success:   false,
			Error:     messageForFailure(failure),
			ErrorKind: string(failure.Kind),
			Retriable: failure.Retriable,
		})
	}
}

func statusForFailure(f *ocr.Failure) int {
	switch f.Kind {
	case ocr.KindTimeout:
		return http.StatusGatewayTimeout
	case ocr.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case ocr.KindMalformedResponse:
		return http.StatusBadGateway
	case ocr.KindUpstreamError:
		if f.Retriable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

func messageForFailure(f *ocr.Failure) string {
	if f.Retriable {
		return "OCR service is busy, please try again shortly"
	}
	switch f.Kind {
	case ocr.KindTimeout, ocr.KindServiceUnavailable:
		return "OCR service is busy, please try again shortly"
	case ocr.KindMalformedResponse:
		slog.Error("upstream contract violation", "error", f.Message)
		return "OCR service returned an unexpected response"
	default:
		// InvalidImage/InvalidRequest/UpstreamError are user-actionable.
		return f.Message
	}
}

func (s *Server) writeScanError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, ScanResponse{Success: false, Error: msg})
}
