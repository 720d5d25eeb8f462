package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)}
	for _, v := range values {
		buf := PutUvarint(nil, v)
		got, err := ReadUvarint(bufio.NewReader(bytes.NewReader(buf)))
		if err != nil {
			t.Fatalf("ReadUvarint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d, got %d", v, got)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{"", "malloc", "a very long function name with spaces and /slashes"}
	for _, s := range cases {
		buf := PutString(nil, s)
		got, err := ReadString(bufio.NewReader(bytes.NewReader(buf)))
		if err != nil {
			t.Fatalf("ReadString(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("round trip %q, got %q", s, got)
		}
	}
}

func TestFrameDeltaRoundTrip(t *testing.T) {
	cases := []struct {
		current, last uint64
	}{
		{0, 0},
		{0, 42},
		{5, 5},
		{5, 3},
		{3, 5},
		{1, 0},
		{1000, 1},
	}
	for _, c := range cases {
		delta := FrameDelta(c.current, c.last)
		got := ApplyFrameDelta(delta, c.last)
		if got != c.current {
			t.Errorf("FrameDelta(%d,%d)=%d, ApplyFrameDelta=%d, want %d", c.current, c.last, delta, got, c.current)
		}
	}
}

func TestFrameDeltaUnknownNeverCollides(t *testing.T) {
	// current==last (repeated allocation from the same frame) must not
	// encode to the same wire value as an explicit "unknown" frame.
	delta := FrameDelta(7, 7)
	if delta == 0 {
		t.Fatalf("same-frame delta collided with the unknown sentinel")
	}
}
