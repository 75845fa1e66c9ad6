package sandbox

import (
	"strings"

	"go.starlark.net/starlark"
)

// maxStdoutBytes caps captured guest output. A print loop cannot grow
// host memory without bound; excess output is silently discarded.
const maxStdoutBytes = 1 << 20

// outputBuffer accumulates guest print output in memory. Nothing the
// guest prints ever reaches the host's real stdout or stderr.
type outputBuffer struct {
	buf       strings.Builder
	remaining int
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{remaining: maxStdoutBytes}
}

// print is installed as the interpreter's print hook. The interpreter
// hands over the message without a trailing newline.
func (o *outputBuffer) print(_ *starlark.Thread, msg string) {
	o.write(msg)
	o.write("\n")
}

func (o *outputBuffer) write(s string) {
	if o.remaining <= 0 {
		return
	}
	if len(s) > o.remaining {
		s = s[:o.remaining]
	}
	o.buf.WriteString(s)
	o.remaining -= len(s)
}

func (o *outputBuffer) String() string { return o.buf.String() }
