package executor

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"
)

const truncatedMarker = "[output truncated]"

// limitedBuffer captures one output stream. Once either ceiling is reached
// it stops accepting data and appends truncatedMarker exactly once.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	maxBytes  int
	maxLines  int
	lines     int
	truncated bool
}

func newLimitedBuffer(maxBytes, maxLines int) *limitedBuffer {
	return &limitedBuffer{maxBytes: maxBytes, maxLines: maxLines}
}

func (b *limitedBuffer) WriteString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(s) > 0 && !b.truncated {
		if (b.maxLines > 0 && b.lines >= b.maxLines) || (b.maxBytes > 0 && b.buf.Len() >= b.maxBytes) {
			b.truncateLocked()
			return
		}

		chunk, nl := s, false
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			chunk, nl = s[:i+1], true
		}
		if b.maxBytes > 0 {
			if room := b.maxBytes - b.buf.Len(); len(chunk) > room {
				for room > 0 && !utf8.RuneStart(chunk[room]) {
					room--
				}
				b.buf.WriteString(chunk[:room])
				b.truncateLocked()
				return
			}
		}
		b.buf.WriteString(chunk)
		if nl {
			b.lines++
		}
		s = s[len(chunk):]
	}
}

// Line writes s followed by a newline.
func (b *limitedBuffer) Line(s string) { b.WriteString(s + "\n") }

func (b *limitedBuffer) truncateLocked() {
	if b.buf.Len() > 0 && !bytes.HasSuffix(b.buf.Bytes(), []byte{'\n'}) {
		b.buf.WriteByte('\n')
	}
	b.buf.WriteString(truncatedMarker)
	b.buf.WriteByte('\n')
	b.truncated = true
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
