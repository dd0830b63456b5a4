package identity

import (
	"crypto/sha256"
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

// ContentDigest computes the SHA-256 digest over normalized image bytes.
func ContentDigest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// PerceptualHash computes a 64-bit DCT perceptual hash of the decoded image.
// The hash is returned as a signed int64 so SQLite stores it in an INTEGER
// column without loss; compare with HammingDistance, never arithmetically.
func PerceptualHash(img image.Image) int64 {
	resized := resizeImage(img, 32, 32)
	gray := toGrayscale(resized)
	dct := computeDCT(gray)

	// Top-left 8x8 coefficients carry the low frequencies. The DC component
	// tracks overall brightness and is skipped so the hash survives exposure
	// shifts.
	lowFreq := make([]float64, 64)
	idx := 0
	for u := 0; u < 8; u++ {
		for v := 0; v < 8; v++ {
			if u == 0 && v == 0 {
				continue
			}
			if idx < 64 {
				lowFreq[idx] = dct[u][v]
				idx++
			}
		}
	}
	for ; idx < 64; idx++ {
		lowFreq[idx] = dct[idx/8][idx%8]
	}

	median := computeMedian(lowFreq)

	var hash uint64
	for i := 0; i < 64; i++ {
		if lowFreq[i] > median {
			hash |= 1 << (63 - i)
		}
	}
	return int64(hash)
}

// HammingDistance counts differing bits between two perceptual hashes.
func HammingDistance(a, b int64) int {
	xor := uint64(a) ^ uint64(b)
	distance := 0
	for xor != 0 {
		distance++
		xor &= xor - 1
	}
	return distance
}

// Within reports whether two hashes sit inside the near-duplicate threshold.
func Within(a, b int64, threshold int) bool {
	return HammingDistance(a, b) <= threshold
}

// BitVector expands a perceptual hash into the 64-dim {0,1} float32 vector
// used for approximate neighbor search. Squared Euclidean distance between
// two bit vectors equals their Hamming distance, so graph ordering matches
// the exact metric.
func BitVector(hash int64) []float32 {
	bits := make([]float32, 64)
	value := uint64(hash)
	for i := 0; i < 64; i++ {
		if value&(1<<(63-i)) != 0 {
			bits[i] = 1
		}
	}
	return bits
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
	for x := 0; x < width; x++ {
		gray[x] = make([]float64, height)
		for y := 0; y < height; y++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma formula.
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			gray[x][y] = luma
		}
	}
	return gray
}

// computeDCT computes the 2D DCT-II of a square grayscale grid.
func computeDCT(gray [][]float64) [][]float64 {
	size := len(gray)
	dct := make([][]float64, size)
	for i := range dct {
		dct[i] = make([]float64, size)
	}

	cosTable := make([][]float64, size)
	for i := range cosTable {
		cosTable[i] = make([]float64, size)
		for j := 0; j < size; j++ {
			cosTable[i][j] = math.Cos(math.Pi * float64(i) * (2*float64(j) + 1) / (2 * float64(size)))
		}
	}

	for u := 0; u < size; u++ {
		for v := 0; v < size; v++ {
			var sum float64
			for x := 0; x < size; x++ {
				for y := 0; y < size; y++ {
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
