package sandbox

import (
	"bytes"
	"fmt"

	"go.starlark.net/starlark"
)

const captureKey = "sandbox.capture"

// limitedBuffer keeps the first max bytes written and remembers whether
// anything was dropped.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// String returns the kept bytes, with the truncation marker when needed.
func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}

// capture collects everything a running script emits besides its globals.
type capture struct {
	stdout   limitedBuffer
	stderr   limitedBuffer
	warnings []string
	figures  int
}

func newCapture(maxBytes int) *capture {
	return &capture{
		stdout: limitedBuffer{max: maxBytes},
		stderr: limitedBuffer{max: maxBytes},
	}
}

func (c *capture) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func captureOf(thread *starlark.Thread) *capture {
	if thread == nil {
		return nil
	}
	c, _ := thread.Local(captureKey).(*capture)
	return c
}

func recordFigure(thread *starlark.Thread) {
	if c := captureOf(thread); c != nil {
		c.figures++
	}
}
