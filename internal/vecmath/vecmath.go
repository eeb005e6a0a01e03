// Package vecmath holds the vector primitives used for embedding similarity.
package vecmath

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"
)

var (
	ErrEmpty          = errors.New("vecmath: empty vector")
	ErrLengthMismatch = errors.New("vecmath: vector length mismatch")
	ErrNotFinite      = errors.New("vecmath: non-finite component")
)

func Dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func Norm(v []float64) float64 {
	return math.Sqrt(Dot(v, v))
}

// Cosine returns the cosine similarity of a and b in [-1,1].
// A zero-norm operand yields 0 with no error.
func Cosine(a, b []float64) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmpty
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(a), len(b))
	}
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return Dot(a, b) / (na * nb), nil
}

// Rescale maps a cosine in [-1,1] onto [0,1].
func Rescale(cos float64) float64 {
	v := (cos + 1) / 2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Distance is the Euclidean distance between two vectors of equal length.
func Distance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Usable reports whether v is non-empty and every component is finite.
func Usable(v []float64) bool {
	if len(v) == 0 {
		return false
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func Clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// Decode parses a JSON numeric array such as "[0.1, -0.2]".
// An empty or "null" input decodes to a nil vector with no error.
func Decode(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, ErrNotFinite
		}
	}
	return v, nil
}

// Encode renders v as a JSON array. A nil vector encodes to "".
func Encode(v []float64) (string, error) {
	if v == nil {
		return "", nil
	}
	if !Usable(v) {
		return "", ErrNotFinite
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode vector: %w", err)
	}
	return string(b), nil
}
