package ring

import (
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ublkgo/ublk/internal/uapi"
)

func errnoError(code int32) error {
	return syscall.Errno(code)
}

// realRing wraps one io_uring instance dedicated to URING_CMD traffic
// against targetFD (either the control device or one queue's character
// device).
type realRing struct {
	fd       int
	targetFD int32
	opcode   uint8
	params   ioUringParams

	sqMmap   []byte
	cqMmap   []byte
	sqesMmap []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray *uint32
	sqes    *sqe

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   *cqe

	// sqLocalTail is the producer's own view of the tail, advanced by
	// getSQE before the slot is published to the kernel. flushSQEs
	// publishes it to sqTail with one release-store, so several getSQE
	// calls can share one point of visibility (and one io_uring_enter)
	// instead of publishing after every entry. Mutated only while mu is
	// held.
	sqLocalTail uint32

	mu sync.Mutex
}

func newRing(entries uint32, targetFD int32) (*realRing, error) {
	if !isPowerOfTwo(entries) {
		return nil, ErrInvalidEntries
	}

	params := ioUringParams{
		flags: ioringSetupSQE128 | ioringSetupCQE32,
	}

	ringFD, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, newSetupError(errno)
	}

	if params.features&ioringFeatSingleMmap == 0 {
		syscall.Close(int(ringFD))
		return nil, ErrKernelTooOld
	}

	r := &realRing{
		fd:       int(ringFD),
		targetFD: targetFD,
		opcode:   kernelUringCmdOpcode(),
		params:   params,
	}

	sqSize := int(params.sqOff.array + params.sqEntries*4)
	cqSize := int(params.cqOff.cqes + params.cqEntries*uint32(unsafe.Sizeof(cqe{})))
	sqesSize := int(params.sqEntries) * int(unsafe.Sizeof(sqe{}))

	sqMmap, err := unix.Mmap(r.fd, ioringOffSQRing, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		syscall.Close(r.fd)
		return nil, fmt.Errorf("mmap SQ ring: %w", err)
	}

	cqMmap, err := unix.Mmap(r.fd, ioringOffCQRing, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(sqMmap)
		syscall.Close(r.fd)
		return nil, fmt.Errorf("mmap CQ ring: %w", err)
	}

	sqesMmap, err := unix.Mmap(r.fd, ioringOffSQES, sqesSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Munmap(cqMmap)
		syscall.Close(r.fd)
		return nil, fmt.Errorf("mmap SQEs: %w", err)
	}

	r.sqMmap, r.cqMmap, r.sqesMmap = sqMmap, cqMmap, sqesMmap

	sqBase := unsafe.Pointer(&sqMmap[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, params.sqOff.head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, params.sqOff.tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, params.sqOff.ringMask))
	r.sqArray = (*uint32)(unsafe.Add(sqBase, params.sqOff.array))
	r.sqes = (*sqe)(unsafe.Pointer(&sqesMmap[0]))

	cqBase := unsafe.Pointer(&cqMmap[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, params.cqOff.head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, params.cqOff.tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, params.cqOff.ringMask))
	r.cqes = (*cqe)(unsafe.Pointer(&cqMmap[params.cqOff.cqes]))

	r.sqLocalTail = loadAcquire(r.sqTail)

	return r, nil
}

func (r *realRing) Close() error {
	if r.sqesMmap != nil {
		unix.Munmap(r.sqesMmap)
	}
	if r.cqMmap != nil {
		unix.Munmap(r.cqMmap)
	}
	if r.sqMmap != nil {
		unix.Munmap(r.sqMmap)
	}
	return syscall.Close(r.fd)
}

func (r *realRing) sqeAt(index uint32) *sqe {
	return (*sqe)(unsafe.Add(unsafe.Pointer(r.sqes), uintptr(index)*unsafe.Sizeof(sqe{})))
}

func (r *realRing) cqeAt(index uint32) *cqe {
	return (*cqe)(unsafe.Add(unsafe.Pointer(r.cqes), uintptr(index)*unsafe.Sizeof(cqe{})))
}

// buildCmdSQE lays out a URING_CMD SQE the way ublk expects it: the ioctl-
// encoded command number travels in the off field (the kernel's cmd_op,
// low 32 bits), and the caller's command struct is copied into the cmd area.
func (r *realRing) buildCmdSQE(cmdOp uint32, payload unsafe.Pointer, payloadLen uint32, userData uint64) sqe {
	s := sqe{
		opcode:   r.opcode,
		fd:       r.targetFD,
		off:      uint64(cmdOp),
		userData: userData,
	}
	copy(s.cmd[:], unsafe.Slice((*byte)(payload), payloadLen))
	return s
}

// getSQE reserves the next submission slot at the producer's local tail,
// which is not yet visible to the kernel. It fails with errSQFull when the
// local tail has run as far ahead of the kernel-visible head as the ring is
// deep, rather than overwrite an entry the kernel has not consumed yet.
// Callers must hold r.mu.
func (r *realRing) getSQE() (*sqe, uint32, error) {
	head := loadAcquire(r.sqHead)
	depth := r.sqMask + 1
	if r.sqLocalTail-head >= depth {
		return nil, 0, errSQFull
	}
	tail := r.sqLocalTail
	index := tail & r.sqMask
	*(*uint32)(unsafe.Add(unsafe.Pointer(r.sqArray), uintptr(index)*4)) = index
	r.sqLocalTail++
	return r.sqeAt(index), tail, nil
}

// flushSQEs publishes every SQE reserved by getSQE since the last flush
// with a single release-store of the shared tail, so a batch of get_sqe
// calls becomes one point of visibility to the kernel instead of one per
// entry. Returns how many entries were published. Callers must hold r.mu.
func (r *realRing) flushSQEs() uint32 {
	published := loadAcquire(r.sqTail)
	n := r.sqLocalTail - published
	storeRelease(r.sqTail, r.sqLocalTail)
	return n
}

// push reserves one SQE, fills it, and publishes it immediately. It is the
// single-command path; batch submission instead calls getSQE for each
// entry and flushSQEs once. Callers must hold r.mu.
func (r *realRing) push(s sqe) (uint32, error) {
	slot, tail, err := r.getSQE()
	if err != nil {
		return 0, err
	}
	*slot = s
	r.flushSQEs()
	return tail, nil
}

// cqReady reports how many completions are currently available without
// blocking or draining them.
func (r *realRing) cqReady() uint32 {
	return loadAcquire(r.cqTail) - loadAcquire(r.cqHead)
}

// maxEINTRRetries bounds the local retry loop around io_uring_enter; a
// signal arriving mid-wait must not fail the whole bring-up or kill a
// queue, but a real hang still has to surface eventually.
const maxEINTRRetries = 64

func (r *realRing) enter(toSubmit, minComplete, flags uint32) (uint32, uint32, error) {
	for attempt := 0; ; attempt++ {
		submitted, completed, errno := syscall.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
		if errno == 0 {
			return uint32(submitted), uint32(completed), nil
		}
		if errno == syscall.EINTR && attempt < maxEINTRRetries {
			continue
		}
		return 0, 0, fmt.Errorf("io_uring_enter: %w", errno)
	}
}

// drain pops up to max ready CQEs (all of them when max is 0).
func (r *realRing) drain(max int) []Result {
	var results []Result
	for {
		head := loadAcquire(r.cqHead)
		tail := loadAcquire(r.cqTail)
		if head == tail {
			return results
		}
		c := r.cqeAt(head & r.cqMask)
		results = append(results, resultFromCQE(c))
		storeRelease(r.cqHead, head+1)
		if max > 0 && len(results) >= max {
			return results
		}
	}
}

func (r *realRing) SubmitCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.buildCmdSQE(cmd, unsafe.Pointer(ctrlCmd), uint32(unsafe.Sizeof(*ctrlCmd)), userData)
	if _, err := r.push(s); err != nil {
		return nil, err
	}

	if _, _, err := r.enter(1, 1, ioringEnterGetEvents); err != nil {
		return nil, err
	}

	results := r.drain(1)
	if len(results) == 0 {
		return nil, fmt.Errorf("io_uring_enter returned without a completion")
	}
	return results[0], nil
}

// AsyncHandle is a control command submitted without waiting; Wait polls the
// ring for its completion.
type AsyncHandle struct {
	ring     *realRing
	userData uint64
}

// Wait blocks until the submitted command completes or timeout elapses.
func (h *AsyncHandle) Wait(timeout time.Duration) (Result, error) {
	deadline := time.Now().Add(timeout)
	for {
		h.ring.mu.Lock()
		head := loadAcquire(h.ring.cqHead)
		tail := loadAcquire(h.ring.cqTail)
		if head != tail {
			c := h.ring.cqeAt(head & h.ring.cqMask)
			res := resultFromCQE(c)
			storeRelease(h.ring.cqHead, head+1)
			h.ring.mu.Unlock()
			if res.UserData() != h.userData {
				return res, fmt.Errorf("completion for user_data %#x while waiting on %#x", res.UserData(), h.userData)
			}
			return res, nil
		}
		h.ring.mu.Unlock()

		if timeout > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for completion of user_data %#x", h.userData)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (r *realRing) SubmitCtrlCmdAsync(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (*AsyncHandle, error) {
	r.mu.Lock()
	s := r.buildCmdSQE(cmd, unsafe.Pointer(ctrlCmd), uint32(unsafe.Sizeof(*ctrlCmd)), userData)
	if _, err := r.push(s); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	_, _, err := r.enter(1, 0, 0)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &AsyncHandle{ring: r, userData: userData}, nil
}

func (r *realRing) SubmitIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) (Result, error) {
	r.mu.Lock()
	s := r.buildCmdSQE(cmd, unsafe.Pointer(ioCmd), uint32(unsafe.Sizeof(*ioCmd)), userData)
	if _, err := r.push(s); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	_, _, err := r.enter(1, 0, 0)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &minimalResult{userData: userData}, nil
}

func (r *realRing) WaitForCompletion(timeoutMS int) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timeoutMS == 0 {
		if _, _, err := r.enter(0, 1, ioringEnterGetEvents); err != nil {
			return nil, err
		}
		return r.drain(0), nil
	}

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		if results := r.drain(0); len(results) > 0 {
			return results, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *realRing) NewBatch() Batch {
	return &realBatch{ring: r}
}

// CQReady reports how many completions are currently queued, without
// draining them. Pairs with NewBatch/Submit to let a caller observe that a
// single flush made every submitted entry's completion available.
func (r *realRing) CQReady() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cqReady()
}
