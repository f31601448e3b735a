// Package preprocess normalizes arbitrary uploaded images into a bounded
// payload before transmission to the OCR service. Phone-camera images
// (commonly 4000x3000 and larger) push the remote engine past its request
// timeout and occasionally out of memory; bounding the longest edge keeps
// text legible while keeping upstream processing time predictable.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/edulab/ocrelay/internal/ocr"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxDimension bounds the longest edge of a preprocessed image.
const DefaultMaxDimension = 2048

// Buffer is a preprocessed image payload ready for upload.
type Buffer struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Preprocess decodes raw image bytes, downscales so that the longest edge is
// at most maxDim (preserving aspect ratio exactly), flattens any alpha channel
// onto an opaque white background, and re-encodes as PNG. Images already
// within the bound are not resized. A maxDim of zero or less selects
// DefaultMaxDimension.
//
// Bytes that cannot be decoded as an image yield an ocr.Failure with kind
// InvalidImage.
func Preprocess(raw []byte, maxDim int) (*Buffer, error) {
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, ocr.NewFailure(ocr.KindInvalidImage, fmt.Sprintf("cannot decode image: %v", err))
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, ocr.NewFailure(ocr.KindInvalidImage, fmt.Sprintf("degenerate %s image %dx%d", format, width, height))
	}

	if longest := max(width, height); longest > maxDim {
		ratio := float64(maxDim) / float64(longest)
		width = int(math.Round(float64(bounds.Dx()) * ratio))
		height = int(math.Round(float64(bounds.Dy()) * ratio))
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}

	flat := flattenOnWhite(img)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, flat); err != nil {
		return nil, ocr.NewFailure(ocr.KindInvalidImage, fmt.Sprintf("cannot encode image: %v", err))
	}

	return &Buffer{
		Data:   buf.Bytes(),
		Format: "png",
		Width:  width,
		Height: height,
	}, nil
}

// flattenOnWhite composites translucent or palette-indexed pixels onto an
// opaque white background so the payload is plain three-channel color.
func flattenOnWhite(img image.Image) *image.NRGBA {
	nrgba := imaging.Clone(img)
	if nrgba.Opaque() {
		return nrgba
	}
	bg := imaging.New(nrgba.Bounds().Dx(), nrgba.Bounds().Dy(), color.White)
	return imaging.Overlay(bg, nrgba, image.Pt(0, 0), 1.0)
}
