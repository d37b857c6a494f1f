package executor

import "bytes"

const truncatedMarker = "\n[output truncated]"

// cappedBuffer keeps the first max bytes written and silently discards the
// rest, so a chatty script cannot exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.max <= 0 {
		b.buf.Write(p)
		return n, nil
	}
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || n > 0
		return n, nil
	}
	if len(p) > room {
		p = p[:room]
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}
