// Package ring implements the io_uring plumbing ublk needs: a ring set up
// with IORING_SETUP_SQE128 and IORING_SETUP_CQE32 so URING_CMD operations
// can carry ublk's control and I/O command structs in the extended SQE/CQE
// space.
package ring

import (
	"github.com/ublkgo/ublk/internal/logging"
	"github.com/ublkgo/ublk/internal/uapi"
)

// Ring is bound to a single target file descriptor (the control device or
// one queue's character device) and submits URING_CMD operations against it.
type Ring interface {
	Close() error

	// SubmitCtrlCmd submits a control command and blocks for its completion.
	SubmitCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (Result, error)

	// SubmitCtrlCmdAsync submits a control command without waiting.
	SubmitCtrlCmdAsync(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (*AsyncHandle, error)

	// SubmitIOCmd submits an I/O command. It returns once the SQE has been
	// posted to the kernel; it does not wait for the CQE.
	SubmitIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) (Result, error)

	// WaitForCompletion drains completions, blocking until at least one is
	// available when timeoutMS is 0, or until timeoutMS elapses otherwise.
	WaitForCompletion(timeoutMS int) ([]Result, error)

	NewBatch() Batch

	// CQReady reports how many completions are currently queued without
	// draining them (liburing's io_uring_cq_ready).
	CQReady() uint32
}

// Batch lets several commands share one io_uring_enter call.
type Batch interface {
	AddCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) error
	AddIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error
	Submit() ([]Result, error)
	Len() int
}

// Result is one CQE's outcome.
type Result interface {
	UserData() uint64
	Value() int32
	Error() error
}

// Features describes the io_uring capabilities ublk relies on.
type Features struct {
	SQE128   bool
	CQE32    bool
	UringCmd bool
	SQPOLL   bool
}

// SupportsFeatures always returns nil: it does not probe the running
// kernel. Whether an SQE128/CQE32 ring with URING_CMD can be set up is
// only checked when NewRing creates one.
func SupportsFeatures() error {
	return nil
}

// GetFeatures returns the feature set this package always requests.
func GetFeatures() (Features, error) {
	return Features{SQE128: true, CQE32: true, UringCmd: true, SQPOLL: false}, nil
}

// Config configures a new Ring.
type Config struct {
	Entries uint32 // submission queue depth
	FD      int32  // target device fd commands are issued against
	Flags   uint32 // reserved for future setup flags
}

// NewRing sets up an SQE128/CQE32 io_uring bound to config.FD.
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	logger.Debug("creating io_uring", "entries", config.Entries, "fd", config.FD)

	r, err := newRing(config.Entries, config.FD)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, err
	}

	logger.Info("created io_uring", "entries", config.Entries)
	return r, nil
}
