// Package dedup finds and collapses near-duplicate face crops.
//
// Duplicates are detected with a perceptual hash of the crop content, so
// re-encoded or lightly resized copies of the same photograph still match.
package dedup

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"sort"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

const hashBits = 64

// ComputeHash computes a 64-bit DCT perceptual hash for an image.
func ComputeHash(imageData []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return 0, fmt.Errorf("decode image for hashing: %w", err)
	}
	return hashImage(img), nil
}

// HammingDistance counts differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similarity maps the Hamming distance between two hashes onto [0, 1],
// where 1 means identical.
func Similarity(a, b uint64) float64 {
	return 1 - float64(HammingDistance(a, b))/hashBits
}

// hashImage computes the DCT hash: shrink to 32x32 grayscale, take the
// low-frequency 8x8 DCT block minus the DC term, and threshold each
// coefficient against the block median.
func hashImage(img image.Image) uint64 {
	gray := toGrayscale(resizeImage(img, 32, 32))
	dct := computeDCT(gray)

	lowFreq := make([]float64, hashBits)
	idx := 0
	for u := range 8 {
		for v := range 8 {
			if u == 0 && v == 0 {
				continue
			}
			if idx < hashBits {
				lowFreq[idx] = dct[u][v]
				idx++
			}
		}
	}
	for ; idx < hashBits; idx++ {
		lowFreq[idx] = dct[idx/8][idx%8]
	}

	median := computeMedian(lowFreq)

	var hash uint64
	for i := range hashBits {
		if lowFreq[i] > median {
			hash |= 1 << (63 - i)
		}
	}
	return hash
}

func resizeImage(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// toGrayscale converts an image to a 2D array of luma values (0-255).
func toGrayscale(img *image.RGBA) [][]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gray := make([][]float64, width)
	for x := range width {
		gray[x] = make([]float64, height)
		for y := range height {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma formula.
			gray[x][y] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}
	return gray
}

// computeDCT computes the DCT-II of a square grayscale block.
func computeDCT(gray [][]float64) [][]float64 {
	size := len(gray)
	dct := make([][]float64, size)
	for i := range dct {
		dct[i] = make([]float64, size)
	}

	cosTable := make([][]float64, size)
	for i := range cosTable {
		cosTable[i] = make([]float64, size)
		for j := range size {
			cosTable[i][j] = math.Cos(math.Pi * float64(i) * (2*float64(j) + 1) / (2 * float64(size)))
		}
	}

	for u := range size {
		for v := range size {
			var sum float64
			for x := range size {
				for y := range size {
					sum += gray[x][y] * cosTable[u][x] * cosTable[v][y]
				}
			}
			dct[u][v] = sum
		}
	}

	return dct
}

func computeMedian(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
