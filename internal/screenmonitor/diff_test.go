package screenmonitor

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
)

func encodeTestPNG(t *testing.T, w, h int, fill color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestPixelDiffRatio_NoPriorIsFullyDifferent(t *testing.T) {
	next := encodeTestPNG(t, 4, 4, color.RGBA{R: 255, A: 255})
	assert.Equal(t, 1.0, pixelDiffRatio(nil, next))
}

func TestPixelDiffRatio_DimensionMismatchIsFullyDifferent(t *testing.T) {
	prev := encodeTestPNG(t, 4, 4, color.RGBA{R: 255, A: 255})
	next := encodeTestPNG(t, 8, 8, color.RGBA{R: 255, A: 255})
	assert.Equal(t, 1.0, pixelDiffRatio(prev, next))
}

func TestPixelDiffRatio_IdenticalImagesAreZero(t *testing.T) {
	prev := encodeTestPNG(t, 4, 4, color.RGBA{G: 255, A: 255})
	next := encodeTestPNG(t, 4, 4, color.RGBA{G: 255, A: 255})
	assert.Equal(t, 0.0, pixelDiffRatio(prev, next))
}

func TestPixelDiffRatio_FullyChangedImageIsOne(t *testing.T) {
	prev := encodeTestPNG(t, 4, 4, color.RGBA{R: 255, A: 255})
	next := encodeTestPNG(t, 4, 4, color.RGBA{B: 255, A: 255})
	assert.Equal(t, 1.0, pixelDiffRatio(prev, next))
}
