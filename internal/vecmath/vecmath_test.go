package vecmath

import (
	"errors"
	"math"
	"testing"
)

func TestCosineRescaled(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"opposite", []float64{1, -2, 3}, []float64{-1, 2, -3}, 0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0.5},
		{"zero norm", []float64{0, 0}, []float64{1, 1}, 0.5},
	}
	for _, tc := range cases {
		cos, err := Cosine(tc.a, tc.b)
		if err != nil {
			t.Fatalf("%s: cosine err=%v", tc.name, err)
		}
		got := Rescale(cos)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: want=%v got=%v", tc.name, tc.want, got)
		}
	}
}

func TestCosineRangeForRandomishVectors(t *testing.T) {
	t.Parallel()

	a := []float64{0.3, -1.7, 2.2, 0.01, 5}
	for k := 0; k < 50; k++ {
		b := make([]float64, len(a))
		for i := range b {
			b[i] = math.Sin(float64(k*7+i)) * float64(k+1)
		}
		cos, err := Cosine(a, b)
		if err != nil {
			t.Fatalf("cosine err=%v", err)
		}
		if s := Rescale(cos); s < 0 || s > 1 {
			t.Fatalf("score out of range: %v", s)
		}
	}
}

func TestCosineLengthMismatch(t *testing.T) {
	t.Parallel()

	_, err := Cosine([]float64{1, 2}, []float64{1, 2, 3})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("want=%v got=%v", ErrLengthMismatch, err)
	}
	if _, err := Cosine(nil, []float64{1}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("want=%v got=%v", ErrEmpty, err)
	}
}

func TestRescaleClamps(t *testing.T) {
	t.Parallel()

	if got := Rescale(1.0000001); got != 1 {
		t.Fatalf("want=1 got=%v", got)
	}
	if got := Rescale(-1.0000001); got != 0 {
		t.Fatalf("want=0 got=%v", got)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	v, err := Decode(" [0.5, -1, 2e-3] ")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(v) != 3 || v[1] != -1 {
		t.Fatalf("unexpected vector %v", v)
	}

	for _, raw := range []string{"[1, \"x\"]", "{\"a\":1}", "[1,"} {
		if _, err := Decode(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}

	v, err = Decode("null")
	if err != nil || v != nil {
		t.Fatalf("null: want nil vector, got=%v err=%v", v, err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := Encode([]float64{0.25, -0.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if s != "[0.25,-0.5]" {
		t.Fatalf("want=%q got=%q", "[0.25,-0.5]", s)
	}
	if _, err := Encode([]float64{math.NaN()}); !errors.Is(err, ErrNotFinite) {
		t.Fatalf("want=%v got=%v", ErrNotFinite, err)
	}
}

func TestDistanceAndUsable(t *testing.T) {
	t.Parallel()

	d, err := Distance([]float64{0, 0}, []float64{3, 4})
	if err != nil || d != 5 {
		t.Fatalf("want=5 got=%v err=%v", d, err)
	}
	if Usable(nil) || Usable([]float64{math.Inf(1)}) {
		t.Fatal("expected unusable")
	}
	if !Usable([]float64{0}) {
		t.Fatal("expected usable")
	}
}
