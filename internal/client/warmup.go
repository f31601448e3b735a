package client

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
)

// warmupPNG returns a tiny white PNG used as the warmup payload. The content
// is irrelevant; the request only exists to make the engine load its models.
var warmupPNG = sync.OnceValue(func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		// Encoding a fixed in-memory image cannot fail at runtime.
		panic(err)
	}
	return buf.Bytes()
})
