package digest

import "testing"

func TestComputeDeterministic(t *testing.T) {
	a := Compute([]byte("hello"))
	b := Compute([]byte("hello"))
	if a != b {
		t.Errorf("expected Compute to be deterministic, got %v != %v", a, b)
	}
}

func TestComputeDistinguishesInputs(t *testing.T) {
	a := Compute([]byte("hello"))
	b := Compute([]byte("world"))
	if a == b {
		t.Error("expected distinct keys to produce distinct digests")
	}
}

func TestComputeNeverZero(t *testing.T) {
	d := Compute([]byte(""))
	if d.IsZero() {
		t.Error("Compute must never return the zero-slot sentinel")
	}
}

func TestStringIsHex(t *testing.T) {
	d := Compute([]byte("key"))
	s := d.String()
	if len(s) != Size*2 {
		t.Errorf("expected hex string of length %d, got %d (%s)", Size*2, len(s), s)
	}
}

func TestZeroIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Error("Zero sentinel must report IsZero true")
	}
}
