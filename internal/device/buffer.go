package device

import (
	"sync"
)

// defaultBufferLimit bounds retained output when no command is waiting.
const defaultBufferLimit = 1 << 20

// Buffer is the append-only transcript of session output. Offsets are
// absolute and grow monotonically; old text is only discarded while no
// command holds the buffer.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	base    int // absolute offset of data[0]
	limit   int
	holds   int
	changed chan struct{}
}

// NewBuffer creates a buffer retaining roughly limit bytes when idle.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = defaultBufferLimit
	}
	return &Buffer{limit: limit, changed: make(chan struct{})}
}

// Append adds text and wakes every waiter.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, text...)
	if b.holds == 0 && len(b.data) > b.limit {
		drop := len(b.data) - b.limit/2
		b.data = append([]byte(nil), b.data[drop:]...)
		b.base += drop
	}
	close(b.changed)
	b.changed = make(chan struct{})
}

// Len returns the absolute end offset.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + len(b.data)
}

// Since returns everything appended after offset, the current end offset,
// and a channel closed on the next append.
func (b *Buffer) Since(offset int) (string, int, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := offset - b.base
	if start < 0 {
		start = 0
	}
	if start > len(b.data) {
		start = len(b.data)
	}
	return string(b.data[start:]), b.base + len(b.data), b.changed
}

// Hold pins the buffer against trimming until the returned func is called.
func (b *Buffer) Hold() (release func()) {
	b.mu.Lock()
	b.holds++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.holds--
			b.mu.Unlock()
		})
	}
}
