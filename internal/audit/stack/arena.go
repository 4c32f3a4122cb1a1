package stack

import (
	"bytes"
	"sync"
)

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Arena hands out scratch buffers owned by a single stack item. Every buffer goes
// back to the pool when the item is removed, whichever path removed it.
type Arena struct {
	buffers  []*bytes.Buffer
	released bool
}

// Buffer returns an empty scratch buffer valid until the arena is released.
func (a *Arena) Buffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	a.buffers = append(a.buffers, buf)
	return buf
}

// Release returns every buffer to the pool. Repeated calls are no-ops.
func (a *Arena) Release() {
	if a.released {
		return
	}
	for _, buf := range a.buffers {
		buf.Reset()
		bufferPool.Put(buf)
	}
	a.buffers = nil
	a.released = true
}

// Released reports whether the arena has been released.
func (a *Arena) Released() bool { return a.released }

// Len is the number of buffers currently handed out.
func (a *Arena) Len() int { return len(a.buffers) }
