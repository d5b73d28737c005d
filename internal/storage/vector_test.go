package storage

import (
	"math"
	"testing"
)

func TestEncodeDecodeVector_ExactRoundTrip(t *testing.T) {
	vec := []float32{0, -0, 1, -1.5, 3.1415927, math.SmallestNonzeroFloat32, math.MaxFloat32, float32(math.Inf(-1))}

	blob := EncodeVector(vec)
	if len(blob) != 4*len(vec) {
		t.Fatalf("blob length = %d, want %d", len(blob), 4*len(vec))
	}

	got, err := DecodeVector(blob)
	if err != nil {
		t.Fatalf("DecodeVector() error = %v", err)
	}
	for i := range vec {
		if math.Float32bits(got[i]) != math.Float32bits(vec[i]) {
			t.Errorf("value %d = %v, want bit-identical %v", i, got[i], vec[i])
		}
	}
}

func TestEncodeVector_LittleEndian(t *testing.T) {
	blob := EncodeVector([]float32{1})
	want := []byte{0x00, 0x00, 0x80, 0x3f}
	for i := range want {
		if blob[i] != want[i] {
			t.Fatalf("EncodeVector(1) = % x, want % x", blob, want)
		}
	}
}

func TestDecodeVector_BadLength(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeVector() expected error for truncated blob")
	}
}
