package identity_test

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"facet/internal/identity"
)

func gradientImage(offset int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(40 + x + offset)
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func checkerImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(60)
			if ((x/8)+(y/8))%2 == 0 {
				v = 180
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestContentDigest(t *testing.T) {
	first := identity.ContentDigest([]byte("normalized image bytes"))
	second := identity.ContentDigest([]byte("normalized image bytes"))
	if len(first) != 32 {
		t.Fatalf("digest length = %d, want 32", len(first))
	}
	if !bytes.Equal(first, second) {
		t.Fatal("digest not deterministic")
	}
	if bytes.Equal(first, identity.ContentDigest([]byte("normalized image byteS"))) {
		t.Fatal("distinct bytes produced same digest")
	}
}

func TestPerceptualHashDeterministic(t *testing.T) {
	img := gradientImage(0)
	if identity.PerceptualHash(img) != identity.PerceptualHash(img) {
		t.Fatal("hash not deterministic")
	}
}

func TestPerceptualHashIgnoresBrightnessShift(t *testing.T) {
	// A constant brightness shift moves only the DC coefficient, which the
	// hash skips, so the distance must be zero.
	base := identity.PerceptualHash(gradientImage(0))
	shifted := identity.PerceptualHash(gradientImage(20))
	if d := identity.HammingDistance(base, shifted); d != 0 {
		t.Fatalf("distance after brightness shift = %d, want 0", d)
	}
}

func TestPerceptualHashSeparatesStructures(t *testing.T) {
	gradient := identity.PerceptualHash(gradientImage(0))
	checker := identity.PerceptualHash(checkerImage())
	if d := identity.HammingDistance(gradient, checker); d <= 5 {
		t.Fatalf("distance between unrelated structures = %d, want > 5", d)
	}
}

func TestHammingDistance(t *testing.T) {
	cases := []struct {
		name string
		a, b int64
		want int
	}{
		{name: "identical", a: 0x0F0F, b: 0x0F0F, want: 0},
		{name: "one bit", a: 0, b: 1, want: 1},
		{name: "two bits", a: 3, b: 0, want: 2},
		{name: "all bits", a: 0, b: -1, want: 64},
		{name: "sign bit only", a: 0, b: -1 << 63, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := identity.HammingDistance(tc.a, tc.b); got != tc.want {
				t.Fatalf("HammingDistance = %d, want %d", got, tc.want)
			}
			if got := identity.HammingDistance(tc.b, tc.a); got != tc.want {
				t.Fatalf("HammingDistance not symmetric: %d != %d", got, tc.want)
			}
		})
	}
}

func TestWithin(t *testing.T) {
	if !identity.Within(0, 0x1F, 5) {
		t.Fatal("distance 5 should sit within threshold 5")
	}
	if identity.Within(0, 0x3F, 5) {
		t.Fatal("distance 6 should exceed threshold 5")
	}
}

func TestBitVectorSquaredDistanceEqualsHamming(t *testing.T) {
	a := int64(-6148914691236517206) // alternating bits
	b := int64(0x00FF00FF00FF00FF)
	va := identity.BitVector(a)
	vb := identity.BitVector(b)
	if len(va) != 64 || len(vb) != 64 {
		t.Fatalf("vector lengths = %d, %d", len(va), len(vb))
	}
	var squared float64
	for i := range va {
		d := float64(va[i] - vb[i])
		squared += d * d
	}
	if int(squared) != identity.HammingDistance(a, b) {
		t.Fatalf("squared L2 = %v, hamming = %d", squared, identity.HammingDistance(a, b))
	}
}

func TestBitVectorBitPositions(t *testing.T) {
	vec := identity.BitVector(-1 << 63) // only the most significant bit set
	if vec[0] != 1 {
		t.Fatal("most significant bit should map to index 0")
	}
	for i := 1; i < 64; i++ {
		if vec[i] != 0 {
			t.Fatalf("unexpected bit at index %d", i)
		}
	}
}
