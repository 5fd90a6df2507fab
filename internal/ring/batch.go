package ring

import (
	"fmt"
	"unsafe"

	"github.com/ublkgo/ublk/internal/uapi"
)

// realBatch accumulates SQEs so several commands can share a single
// io_uring_enter call.
type realBatch struct {
	ring    *realRing
	entries []sqe
	// payloads keeps every command struct reachable until Submit runs; the
	// struct's bytes are already copied into each entry's cmd area.
	payloads []interface{}
}

func (b *realBatch) AddCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) error {
	s := b.ring.buildCmdSQE(cmd, unsafe.Pointer(ctrlCmd), uint32(unsafe.Sizeof(*ctrlCmd)), userData)
	b.entries = append(b.entries, s)
	b.payloads = append(b.payloads, ctrlCmd)
	return nil
}

func (b *realBatch) AddIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error {
	s := b.ring.buildCmdSQE(cmd, unsafe.Pointer(ioCmd), uint32(unsafe.Sizeof(*ioCmd)), userData)
	b.entries = append(b.entries, s)
	b.payloads = append(b.payloads, ioCmd)
	return nil
}

func (b *realBatch) Len() int { return len(b.entries) }

// Submit reserves a local-tail slot for every accumulated entry via
// getSQE, then publishes all of them to the kernel with a single
// flushSQEs call before one io_uring_enter drains their completions. This
// is the batch path §4.5 requires: N commands, one submit.
func (b *realBatch) Submit() ([]Result, error) {
	if len(b.entries) == 0 {
		return nil, nil
	}

	n := len(b.entries)

	b.ring.mu.Lock()
	for _, s := range b.entries {
		slot, _, err := b.ring.getSQE()
		if err != nil {
			b.ring.mu.Unlock()
			return nil, err
		}
		*slot = s
	}
	b.ring.flushSQEs()

	_, completed, err := b.ring.enter(uint32(n), uint32(n), ioringEnterGetEvents)
	if err != nil {
		b.ring.mu.Unlock()
		return nil, err
	}
	if int(completed) < n {
		// The kernel may have only partially drained; take what is ready.
		results := b.ring.drain(0)
		b.ring.mu.Unlock()
		return results, nil
	}
	results := b.ring.drain(n)
	b.ring.mu.Unlock()

	if len(results) != n {
		return results, fmt.Errorf("batch submit: expected %d completions, got %d", n, len(results))
	}
	return results, nil
}
