package vision

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"math/bits"
)

// dHashWidth/dHashHeight produce a 9x8 grayscale grid: 8 columns of
// horizontal gradient comparisons per row, 8 rows, yielding a 64-bit hash.
const (
	dHashWidth  = 9
	dHashHeight = 8
)

// DHash computes a 64-bit difference hash of img. No perceptual-hash
// library appears anywhere in the retrieved corpus, so this is implemented
// directly against image/color; every other hashing concern in this
// package (content hash) uses the standard library for the same reason.
func DHash(img image.Image) uint64 {
	small := resizeGray(img, dHashWidth, dHashHeight)
	var hash uint64
	bit := uint(0)
	for y := 0; y < dHashHeight; y++ {
		for x := 0; x < dHashWidth-1; x++ {
			left := small[y*dHashWidth+x]
			right := small[y*dHashWidth+x+1]
			if left < right {
				hash |= 1 << bit
			}
			bit++
		}
	}
	return hash
}

// resizeGray nearest-neighbor-resamples img to w x h grayscale intensities.
func resizeGray(img image.Image, w, h int) []uint8 {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	out := make([]uint8, w*h)
	if srcW == 0 || srcH == 0 {
		return out
	}
	for y := 0; y < h; y++ {
		sy := bounds.Min.Y + y*srcH/h
		for x := 0; x < w; x++ {
			sx := bounds.Min.X + x*srcW/w
			out[y*w+x] = grayAt(img, sx, sy)
		}
	}
	return out
}

func grayAt(img image.Image, x, y int) uint8 {
	r, g, b, _ := img.At(x, y).RGBA()
	gr := color.GrayModel.Convert(color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: 0xffff}).(color.Gray)
	return gr.Y
}

// HammingDistance64 returns the number of differing bits between a and b.
func HammingDistance64(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// ContentHash returns a hex-encoded SHA-256 digest of data. The pipeline
// stores it on each Context; duplicate detection compares dHash distance
// only and does not consult it.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
