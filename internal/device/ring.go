package device

import "sync"

// RingBuffer keeps the last N lines of device output for crash reports.
type RingBuffer struct {
	lines []string
	size  int
	pos   int
	count int
	mu    sync.Mutex
}

// NewRingBuffer creates a ring holding up to size lines.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		lines: make([]string, size),
		size:  size,
	}
}

// Write adds a line, evicting the oldest when full.
func (b *RingBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.pos] = line
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Lines returns the retained lines, oldest first.
func (b *RingBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]string, 0, b.count)
	if b.count < b.size {
		return append(result, b.lines[:b.count]...)
	}
	result = append(result, b.lines[b.pos:]...)
	return append(result, b.lines[:b.pos]...)
}

// Reset clears the ring.
func (b *RingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos = 0
	b.count = 0
}
