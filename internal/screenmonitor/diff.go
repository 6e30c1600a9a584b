package screenmonitor

import (
	"bytes"
	"image"
	"image/color"
	_ "image/png"
)

const pixelDiffTolerance = 0.1

// pixelDiffRatio decodes prev and next PNG-encoded screenshots and returns
// the fraction of pixels that differ by more than pixelDiffTolerance per
// channel. Dimension mismatches (screen resize) are treated as fully
// different, per spec §4.4.
func pixelDiffRatio(prev, next []byte) float64 {
	if len(prev) == 0 {
		return 1.0
	}

	prevImg, _, err := image.Decode(bytes.NewReader(prev))
	if err != nil {
		return 1.0
	}
	nextImg, _, err := image.Decode(bytes.NewReader(next))
	if err != nil {
		return 1.0
	}

	pb := prevImg.Bounds()
	nb := nextImg.Bounds()
	if pb.Dx() != nb.Dx() || pb.Dy() != nb.Dy() {
		return 1.0
	}

	total := pb.Dx() * pb.Dy()
	if total == 0 {
		return 0
	}

	diffPixels := 0
	for y := 0; y < pb.Dy(); y++ {
		for x := 0; x < pb.Dx(); x++ {
			if pixelDiffers(prevImg.At(pb.Min.X+x, pb.Min.Y+y), nextImg.At(nb.Min.X+x, nb.Min.Y+y)) {
				diffPixels++
			}
		}
	}

	return float64(diffPixels) / float64(total)
}

func pixelDiffers(a, b color.Color) bool {
	ar, ag, ab, _ := a.RGBA()
	br, bg, bb, _ := b.RGBA()

	const maxChannel = 0xffff
	toleranceScaled := uint32(pixelDiffTolerance * maxChannel)

	return channelDiffers(ar, br, toleranceScaled) ||
		channelDiffers(ag, bg, toleranceScaled) ||
		channelDiffers(ab, bb, toleranceScaled)
}

func channelDiffers(a, b, tolerance uint32) bool {
	var d uint32
	if a > b {
		d = a - b
	} else {
		d = b - a
	}
	return d > tolerance
}
