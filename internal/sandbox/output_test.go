package sandbox

import (
	"strings"
	"testing"
)

func TestOutputBufferCapturesLines(t *testing.T) {
	out := newOutputBuffer()
	out.print(nil, "first")
	out.print(nil, "second")

	if got := out.String(); got != "first\nsecond\n" {
		t.Errorf("String() = %q", got)
	}
}

func TestOutputBufferCap(t *testing.T) {
	out := newOutputBuffer()
	chunk := strings.Repeat("x", 64*1024)
	for i := 0; i < 32; i++ {
		out.print(nil, chunk)
	}

	if got := len(out.String()); got != maxStdoutBytes {
		t.Errorf("len = %d, want cap %d", got, maxStdoutBytes)
	}

	// More writes after the cap are discarded without error.
	out.print(nil, "overflow")
	if got := len(out.String()); got != maxStdoutBytes {
		t.Errorf("len after overflow = %d, want cap %d", got, maxStdoutBytes)
	}
}
