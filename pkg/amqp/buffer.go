package amqp

// Buffer is a growable byte window used for partial reads and writes.
// Bytes in [start, end) have been filled but not yet consumed; bytes from end
// to the end of the storage are free space.
type Buffer struct {
	buf   []byte
	start int
	end   int
	limit int
}

// NewBuffer returns a buffer with the given initial capacity. The storage
// never grows past limit; a limit of zero means unbounded.
func NewBuffer(capacity, limit int) *Buffer {
	if limit > 0 && capacity > limit {
		capacity = limit
	}
	return &Buffer{buf: make([]byte, capacity), limit: limit}
}

// Space returns the writable region. When it is exhausted the consumed
// prefix is reclaimed first and the storage is doubled second. The returned
// slice is empty only when the buffer is full up to its limit.
func (b *Buffer) Space() []byte {
	if b.end == len(b.buf) {
		b.grow(1)
	}
	return b.buf[b.end:]
}

// Fill commits n bytes written into the slice returned by Space.
func (b *Buffer) Fill(n int) error {
	if n < 0 || n > len(b.buf)-b.end {
		return ErrBufferOverflow
	}
	b.end += n
	return nil
}

// Data returns the unread region. It is valid until the next mutating call.
func (b *Buffer) Data() []byte {
	return b.buf[b.start:b.end]
}

// Consume drops n bytes from the front of the unread region. It fails without
// changing anything when n exceeds the unread length.
func (b *Buffer) Consume(n int) error {
	if n < 0 || n > b.end-b.start {
		return ErrBufferUnderflow
	}
	b.start += n
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
	return nil
}

// Write appends p to the unread region, growing the storage as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(b.buf)-b.end < len(p) && !b.grow(len(p)) {
		return 0, ErrBufferFull
	}
	n := copy(b.buf[b.end:], p)
	b.end += n
	return n, nil
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.end - b.start }

// Cap returns the size of the underlying storage.
func (b *Buffer) Cap() int { return len(b.buf) }

// Reset discards all unread data.
func (b *Buffer) Reset() { b.start, b.end = 0, 0 }

// grow makes room for at least n more bytes after end.
func (b *Buffer) grow(n int) bool {
	unread := b.end - b.start
	if b.start > 0 && len(b.buf)-unread >= n {
		copy(b.buf, b.buf[b.start:b.end])
		b.start, b.end = 0, unread
		return true
	}
	size := len(b.buf)
	if size == 0 {
		size = 64
	}
	for size-unread < n {
		size *= 2
	}
	if b.limit > 0 && size > b.limit {
		size = b.limit
	}
	if size-unread < n {
		// still compact what we can so Space reports the real free room
		if b.start > 0 {
			copy(b.buf, b.buf[b.start:b.end])
			b.start, b.end = 0, unread
		}
		return false
	}
	buf := make([]byte, size)
	copy(buf, b.buf[b.start:b.end])
	b.buf = buf
	b.start, b.end = 0, unread
	return true
}
