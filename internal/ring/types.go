package ring

import "unsafe"

// sqe is the 128-byte submission queue entry layout used when the ring is
// set up with IORING_SETUP_SQE128: the standard 48-byte prefix plus an
// 80-byte cmd area for URING_CMD payloads.
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	length      uint32
	rwFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFDIn  int32
	cmd         [80]byte
}

var _ [128]byte = [unsafe.Sizeof(sqe{})]byte{}

// cqe is the 32-byte completion queue entry layout used with
// IORING_SETUP_CQE32: a 16-byte CQE extended with 16 bytes of command-specific
// data that ublk does not use.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
	bigCQE   [2]uint64
}

var _ [32]byte = [unsafe.Sizeof(cqe{})]byte{}

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

const (
	ioringSetupSQE128 = 1 << 10
	ioringSetupCQE32  = 1 << 11

	ioringOffSQRing = 0
	ioringOffCQRing = 0x8000000
	ioringOffSQES   = 0x10000000

	ioringEnterGetEvents = 1 << 0

	// ioringFeatSingleMmap indicates the kernel lets the SQ, SQE, and CQ
	// regions be reached with one mmap each (the CQ region overlapping
	// the SQ mmap on older kernels otherwise). newRing refuses to proceed
	// without it.
	ioringFeatSingleMmap = 1 << 0
)

// minimalResult is the concrete Result returned for every completion this
// package reaps.
type minimalResult struct {
	userData uint64
	value    int32
	err      error
}

func (r *minimalResult) UserData() uint64 { return r.userData }
func (r *minimalResult) Value() int32     { return r.value }
func (r *minimalResult) Error() error     { return r.err }

func resultFromCQE(c *cqe) *minimalResult {
	res := &minimalResult{userData: c.userData, value: c.res}
	if c.res < 0 {
		res.err = errnoError(-c.res)
	}
	return res
}
