// Package netbuf provides the chained packet buffers passed between the link,
// the IPv6 core and Neighbor Discovery.
//
// A Buffer is owned by exactly one holder at a time. Whoever holds it last
// calls Free; a Pool counts the buffers it handed out that have not been
// freed yet, which is how the receive paths are checked for leaks.
package netbuf

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
)

// Pool hands out buffers and tracks how many are still live
type Pool struct {
	live atomic.Int64
}

// NewPool returns an empty pool
func NewPool() *Pool {
	return &Pool{}
}

// Live returns the number of buffers allocated from p and not yet freed
func (p *Pool) Live() int64 {
	return p.live.Load()
}

// New allocates a zeroed buffer of size bytes
func (p *Pool) New(size int) *Buffer {
	return p.wrap(buffer.MakeWithData(make([]byte, size)))
}

// FromBytes allocates a buffer holding a copy of data
func (p *Pool) FromBytes(data []byte) *Buffer {
	return p.wrap(buffer.MakeWithData(data))
}

func (p *Pool) wrap(buf buffer.Buffer) *Buffer {
	p.live.Add(1)
	return &Buffer{pool: p, buf: buf}
}

// Buffer is a chain of gvisor views
type Buffer struct {
	pool  *Pool
	buf   buffer.Buffer
	freed bool
}

// Len returns the number of bytes in the whole chain
func (b *Buffer) Len() int {
	return int(b.buf.Size())
}

// Header returns the first view of the chain, see Pullup
func (b *Buffer) Header() []byte {
	views := b.buf.AsViewList()
	if v := views.Front(); v != nil {
		return v.AsSlice()
	}
	return nil
}

// Pullup makes the first n bytes of the chain contiguous in the first view.
// It returns false, leaving the chain untouched, when the chain is shorter
// than n.
func (b *Buffer) Pullup(n int) bool {
	if b.freed || b.Len() < n {
		return false
	}
	if n == 0 {
		return true
	}
	_, ok := b.buf.PullUp(0, n)
	return ok
}

// Bytes returns the content of the chain as one slice
func (b *Buffer) Bytes() []byte {
	if b.buf.Size() == 0 {
		return nil
	}
	return b.buf.Flatten()
}

// Trim removes delta bytes from the head of the chain when delta is positive
// and -delta bytes from the tail when it is negative.
func (b *Buffer) Trim(delta int) {
	size := b.buf.Size()
	if delta > 0 {
		b.buf.TrimFront(min(int64(delta), size))
		return
	}
	b.buf.Truncate(max(size+int64(delta), 0))
}

// Free releases the buffer. Freeing twice is a no-op.
func (b *Buffer) Free() {
	if b == nil || b.freed {
		return
	}
	b.freed = true
	b.buf.Release()
	if b.pool != nil {
		b.pool.live.Add(-1)
	}
}

// Freed reports whether Free has been called
func (b *Buffer) Freed() bool {
	return b.freed
}

// Clone returns an independent copy of the chain allocated from the same pool
func (b *Buffer) Clone() *Buffer {
	if b.pool == nil {
		return &Buffer{buf: buffer.MakeWithData(b.Bytes())}
	}
	return b.pool.FromBytes(b.Bytes())
}

// Concat appends the views of tail to head and returns head. tail is
// consumed and must not be used afterwards.
func Concat(head, tail *Buffer) *Buffer {
	head.buf.Merge(&tail.buf)
	tail.Free()
	return head
}
