package backend

import (
	"github.com/ublkgo/ublk/internal/interfaces"
)

// Null discards every write and returns zeroes for every read. It is sized
// but keeps no data, useful for throughput testing and for exercising the
// queue runner and orchestrator without a memory-backed device.
type Null struct {
	size int64
}

// NewNull creates a null backend reporting the given size.
func NewNull(size int64) *Null {
	return &Null{size: size}
}

// ReadAt implements the Backend interface, always returning zeroes.
func (n *Null) ReadAt(p []byte, off int64) (int, error) {
	if off >= n.size {
		return 0, nil
	}

	available := n.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// WriteAt implements the Backend interface, discarding the data.
func (n *Null) WriteAt(p []byte, off int64) (int, error) {
	if off >= n.size {
		return 0, nil
	}

	available := n.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return len(p), nil
}

// Size implements the Backend interface.
func (n *Null) Size() int64 {
	return n.size
}

// Close implements the Backend interface.
func (n *Null) Close() error {
	return nil
}

// Flush implements the Backend interface.
func (n *Null) Flush() error {
	return nil
}

// Discard implements the DiscardBackend interface; there is no data to
// clear so this is a no-op.
func (n *Null) Discard(offset, length int64) error {
	return nil
}

// WriteZeroes implements the WriteZeroesBackend interface.
func (n *Null) WriteZeroes(offset, length int64) error {
	return nil
}

// Resize implements the ResizeBackend interface.
func (n *Null) Resize(newSize int64) error {
	n.size = newSize
	return nil
}

var (
	_ interfaces.Backend        = (*Null)(nil)
	_ interfaces.DiscardBackend = (*Null)(nil)
	_ interfaces.WriteZeroesBackend = (*Null)(nil)
	_ interfaces.ResizeBackend  = (*Null)(nil)
)
