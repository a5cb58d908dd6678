package optimize

import "testing"

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -0.2, 3.5, 0}
	blob := encodeVector(vec)
	decoded := decodeVector(blob)

	if len(decoded) != len(vec) {
		t.Fatalf("expected %d floats, got %d", len(vec), len(decoded))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Fatalf("index %d: expected %f, got %f", i, vec[i], decoded[i])
		}
	}
}

func TestEncodeVectorEmpty(t *testing.T) {
	blob := encodeVector(nil)
	if len(decodeVector(blob)) != 0 {
		t.Fatal("expected an empty vector to round-trip to an empty slice")
	}
}
