package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/edulab/ocrelay/internal/ocr"
)

// ValidatePDF checks that the payload is a readable PDF and returns its page
// count. Encrypted or corrupt documents are rejected before any bytes reach
// the network.
func ValidatePDF(pdf []byte) (int, error) {
	if len(pdf) == 0 {
		return 0, ocr.NewFailure(ocr.KindInvalidRequest, "no PDF payload")
	}
	pages, err := api.PageCount(bytes.NewReader(pdf), nil)
	if err != nil {
		return 0, ocr.NewFailure(ocr.KindInvalidRequest, fmt.Sprintf("not a readable PDF: %v", err))
	}
	if pages == 0 {
		return 0, ocr.NewFailure(ocr.KindInvalidRequest, "PDF has no pages")
	}
	return pages, nil
}

// RecognizePDF uploads a PDF for page-by-page recognition. The document is
// validated locally first so malformed uploads fail fast without consuming
// upstream capacity. Uses the longer PDF timeout.
func (c *Client) RecognizePDF(ctx context.Context, pdf []byte, language, requestID string) (json.RawMessage, error) {
	if _, err := ValidatePDF(pdf); err != nil {
		return nil, err
	}
	body, contentType, err := multipartPayload(pdf, "document.pdf", language)
	if err != nil {
		return nil, ocr.NewFailure(ocr.KindInvalidRequest, "cannot build upload: "+err.Error())
	}
	return c.post(ctx, c.endpoint("/ocr/pdf"), c.cfg.PDFTimeout, body, contentType, requestID)
}
