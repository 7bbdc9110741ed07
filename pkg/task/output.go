package task

import (
	"bytes"
	"sync"
	"time"
)

// MaxLines is how many output lines a status carries per stream.
const MaxLines = 128

// Tail keeps the most recent lines written to it.
type Tail struct {
	mu    sync.Mutex
	max   int
	lines []Line
}

// NewTail returns a Tail holding at most max lines.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = MaxLines
	}
	return &Tail{max: max}
}

// Add appends a line, dropping the oldest when full.
func (t *Tail) Add(l Line) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, l)
	if over := len(t.lines) - t.max; over > 0 {
		t.lines = append(t.lines[:0:0], t.lines[over:]...)
	}
}

// Lines returns a copy of the retained lines.
func (t *Tail) Lines() []Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Line(nil), t.lines...)
}

// LineWriter splits written bytes into timestamped lines.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(Line)
	now  func() time.Time
}

// NewLineWriter calls emit once per complete line written.
func NewLineWriter(emit func(Line)) *LineWriter {
	return &LineWriter{emit: emit, now: func() time.Time { return time.Now().UTC() }}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(w.buf[:i], []byte("\r")))
		w.buf = w.buf[i+1:]
		w.emit(Line{S: line, T: w.now()})
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(Line{S: string(w.buf), T: w.now()})
		w.buf = nil
	}
}
