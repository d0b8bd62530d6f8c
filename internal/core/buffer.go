package core

import "sync"

// Buffer is a bounded byte ring holding the most recent shell output.
// It has a single writer (the session's output pump) and any number of
// readers. Readers address bytes by their absolute stream offset, so a
// reconnecting client can replay the retained tail and then follow the
// live stream without gaps or reordering.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	start  int64 // absolute offset of data[0]
	cap    int
	closed bool
	notify chan struct{} // closed and replaced on every Append / Close
}

// NewBuffer returns a Buffer that retains at most capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{
		cap:    capacity,
		notify: make(chan struct{}),
	}
}

// DefaultBufferSize is the retained-output cap used when no explicit
// capacity is configured.
const DefaultBufferSize = 256 * 1024

// Append adds bytes to the buffer, evicting from the head to stay
// within capacity. When the eviction point falls mid-line, the cut is
// advanced to the next newline within a small window so replays tend
// to start at a line boundary.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.data = append(b.data, p...)
	if excess := len(b.data) - b.cap; excess > 0 {
		cut := excess
		limit := min(excess+256, len(b.data))
		for i := excess; i < limit; i++ {
			if b.data[i] == '\n' {
				cut = i + 1
				break
			}
		}
		b.start += int64(cut)
		b.data = append(b.data[:0:0], b.data[cut:]...)
	}

	close(b.notify)
	b.notify = make(chan struct{})
}

// Snapshot returns a copy of the retained tail.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Clear drops all retained bytes. The absolute offsets keep advancing,
// so readers positioned before the clear simply resume at the new tail.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start += int64(len(b.data))
	b.data = nil
}

// TailOffset returns the absolute offset of the oldest retained byte.
// A reader starting here replays the full retained tail.
func (b *Buffer) TailOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Next returns a copy of the bytes at or after offset, together with
// the offset just past them. Offsets older than the retained tail are
// clamped forward (those bytes were evicted). When no bytes are
// available, data is nil and wait is a channel that is closed on the
// next Append; when the buffer is closed and drained, data and wait
// are both nil.
func (b *Buffer) Next(offset int64) (data []byte, next int64, wait <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < b.start {
		offset = b.start
	}
	end := b.start + int64(len(b.data))
	if offset < end {
		data = append([]byte(nil), b.data[offset-b.start:]...)
		return data, end, nil
	}
	if b.closed {
		return nil, offset, nil
	}
	return nil, offset, b.notify
}

// Close marks the end of the stream. Pending and future readers drain
// the remaining bytes and then observe end-of-stream. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}
