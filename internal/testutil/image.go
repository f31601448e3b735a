// Package testutil provides helpers for generating synthetic image payloads
// used across the test suites.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

// CreateTestImage creates a solid-color test image with the given dimensions.
func CreateTestImage(width, height int, background color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)
	return img
}

// CreateTranslucentImage creates an image whose pixels carry partial alpha,
// for exercising alpha-flattening paths.
func CreateTranslucentImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 60, B: 90, A: 128})
		}
	}
	return img
}

// EncodePNG encodes an image as PNG bytes.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// EncodeJPEG encodes an image as JPEG bytes.
func EncodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// DecodePNG decodes PNG bytes back into an image.
func DecodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}
