package logger

import "sync"

// TailWriter keeps the last Limit bytes written through it. It is safe for
// concurrent writers, so a process's stdout and stderr can share one instance.
type TailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

// NewTailWriter returns a TailWriter bounded at limit bytes. A non-positive
// limit falls back to DefaultTailBytes.
func NewTailWriter(limit int) *TailWriter {
	if limit <= 0 {
		limit = DefaultTailBytes
	}
	return &TailWriter{limit: limit}
}

// DefaultTailBytes bounds captured output when no explicit limit is set.
const DefaultTailBytes = 16 * 1024

func (t *TailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String returns a copy of the retained tail.
func (t *TailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Bytes returns a copy of the retained tail.
func (t *TailWriter) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}
