package segment

import (
	"bytes"
	"testing"

	"github.com/intellect4all/blockkv/digest"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := digest.Compute([]byte("key1"))
	key := []byte("key1")
	value := []byte("value1")

	buf := Encode(nil, d, 12345, key, value, 0)
	rec, consumed, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != uint32(len(buf)) {
		t.Errorf("expected to consume %d bytes, consumed %d", len(buf), consumed)
	}
	if rec.Digest != d {
		t.Error("digest mismatch after round trip")
	}
	if rec.Timestamp != 12345 {
		t.Errorf("expected timestamp 12345, got %d", rec.Timestamp)
	}
	if !bytes.Equal(rec.Key, key) {
		t.Errorf("key mismatch: got %q", rec.Key)
	}
	if !bytes.Equal(rec.Value, value) {
		t.Errorf("value mismatch: got %q", rec.Value)
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	d := digest.Compute([]byte("key"))
	buf := Encode(nil, d, 1, []byte("key"), []byte("value"), 0)
	buf[HeaderSize] ^= 0xFF // flip a byte inside the key payload

	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected corruption to be detected")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected short-buffer error")
	}
}

func TestEncodeEmptyValueIsTombstone(t *testing.T) {
	d := digest.Compute([]byte("key"))
	buf := Encode(nil, d, 1, []byte("key"), nil, 0)
	rec, _, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Value) != 0 {
		t.Errorf("expected empty value, got %q", rec.Value)
	}
}
