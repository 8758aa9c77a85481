// Package ring implements the soft completion ring: a fixed-capacity
// circular buffer of normalized completion records with single-producer,
// single-consumer semantics and silent drop on overflow.
package ring

// Entry is one normalized completion record. Status is zero for a
// successful completion; a nonzero value is the provider status code and
// marks the entry as an error entry, which the consumer retrieves through
// the error-read path. Addr carries the resolved source address handle for
// receive completions (the unavailable sentinel otherwise).
type Entry struct {
	Context any
	Flags   uint64
	Len     uint64
	Buf     uint64
	Data    uint64
	Addr    uint64
	Status  int32
}

// lastOp disambiguates the empty and full conditions when head == tail.
type lastOp uint8

const (
	opRead lastOp = iota
	opWrite
)

// Buffer is an index-based circular buffer of Entries. head is the next
// write position, tail the next read position. The buffer is never resized.
//
// Access is not synchronized: only the thread executing a read or progress
// call on the owning CQ may touch the buffer.
type Buffer struct {
	entries []Entry
	head    int
	tail    int
	last    lastOp
}

// New creates a Buffer holding exactly capacity entries. Panics if
// capacity is not positive; queue depth is validated at CQ open.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer{entries: make([]Entry, capacity)}
}

// Capacity returns the fixed size of the buffer.
func (b *Buffer) Capacity() int {
	return len(b.entries)
}

// Empty reports whether the buffer holds no entries.
func (b *Buffer) Empty() bool {
	return b.head == b.tail && b.last == opRead
}

// Full reports whether a push would be dropped.
func (b *Buffer) Full() bool {
	return b.head == b.tail && b.last == opWrite
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	switch {
	case b.head > b.tail:
		return b.head - b.tail
	case b.head < b.tail:
		return len(b.entries) - b.tail + b.head
	case b.last == opWrite:
		return len(b.entries)
	default:
		return 0
	}
}

// Push appends e at the head position. If the buffer is full the entry is
// dropped and Push returns false; existing entries are never overwritten.
func (b *Buffer) Push(e Entry) bool {
	if b.Full() {
		return false
	}
	b.entries[b.head] = e
	b.head++
	if b.head == len(b.entries) {
		b.head = 0
	}
	b.last = opWrite
	return true
}

// Peek returns the entry at the tail position without consuming it, or nil
// if the buffer is empty. The pointer is valid until the next Push or
// Advance; callers copy out what they need.
func (b *Buffer) Peek() *Entry {
	if b.Empty() {
		return nil
	}
	return &b.entries[b.tail]
}

// Advance consumes the tail entry. It is a no-op on an empty buffer.
func (b *Buffer) Advance() {
	if b.Empty() {
		return
	}
	b.entries[b.tail] = Entry{}
	b.tail++
	if b.tail == len(b.entries) {
		b.tail = 0
	}
	b.last = opRead
}

// Pop consumes and returns the tail entry.
func (b *Buffer) Pop() (Entry, bool) {
	e := b.Peek()
	if e == nil {
		return Entry{}, false
	}
	out := *e
	b.Advance()
	return out, true
}
