package wind

import "sync"

// DefaultBufferCapacity holds a little over two hours of data at the
// sensor's 25 Hz output rate.
const DefaultBufferCapacity = 200000

// Buffer is a thread-safe fixed-capacity ring of readings. Appending to a
// full buffer evicts the oldest entry. The single writer is the owning
// sensor's acquisition goroutine; snapshots may be taken from any goroutine.
type Buffer struct {
	mu        sync.Mutex
	entries   []Reading
	head      int // index of the oldest entry
	size      int
	latest    Reading
	hasLatest bool
}

// NewBuffer creates a buffer with the given capacity. Zero or negative
// capacities fall back to DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{entries: make([]Reading, capacity)}
}

// Append inserts a reading, evicting the oldest entry once full. O(1).
func (b *Buffer) Append(r Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.entries) {
		b.entries[b.head] = r
		b.head = (b.head + 1) % len(b.entries)
	} else {
		b.entries[(b.head+b.size)%len(b.entries)] = r
		b.size++
	}
	b.latest = r
	b.hasLatest = true
}

// Snapshot returns a point-in-time copy of the buffer contents in arrival
// order, oldest first. The copy is taken under the lock; callers may hold the
// result indefinitely.
func (b *Buffer) Snapshot() []Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Reading, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}

// Latest returns the most recently appended reading. O(1); independent of
// buffer size. The second return is false until the first append.
func (b *Buffer) Latest() (Reading, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasLatest
}

// Len returns the current number of buffered readings.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.entries)
}

// Clear discards all buffered readings, including the latest-reading slot.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
	b.hasLatest = false
	b.latest = Reading{}
}
