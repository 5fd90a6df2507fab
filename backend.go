// Package ublk provides the main API for creating userspace block devices
package ublk

import (
	"context"
	"fmt"
	"time"

	"github.com/ublkgo/ublk/internal/constants"
	"github.com/ublkgo/ublk/internal/ctrl"
	"github.com/ublkgo/ublk/internal/orchestrator"
)

// Device represents a ublk block device. It is a thin facade over
// internal/orchestrator, which drives the actual state machine.
type Device struct {
	// ID is the device ID assigned by the kernel
	ID uint32

	// Path is the path to the block device (e.g., "/dev/ublkb0")
	Path string

	// CharPath is the path to the character device (e.g., "/dev/ublkc0")
	CharPath string

	// Backend is the backend implementation
	Backend Backend

	orch *orchestrator.Device

	// Internal state
	queues    int
	depth     int
	blockSize int

	// Metrics and observability
	metrics  *Metrics
	observer Observer
}

// DeviceParams contains parameters for creating a ublk device
type DeviceParams struct {
	// Backend provides the storage implementation
	Backend Backend

	// Device configuration
	QueueDepth       int // Queue depth per queue (default: 128)
	NumQueues        int // Number of queues (0 selects a single queue)
	LogicalBlockSize int // Logical block size in bytes (default: 512)
	// MaxIOSize caps the size of a single I/O the kernel may submit.
	// It is clamped to the fixed per-tag buffer size (64KB) regardless
	// of what's requested here, since that buffer is what ReadAt/WriteAt
	// actually read and write into.
	MaxIOSize int

	// Feature flags
	EnableZeroCopy     bool // Enable zero-copy if supported
	EnableUnprivileged bool // Allow unprivileged operation
	EnableUserCopy     bool // Use user-copy mode
	EnableZoned        bool // Passed through to the controller; no zoned feature flag is sent to the kernel
	EnableIoctlEncode  bool // Advertise UBLK_F_CMD_IOCTL_ENCODE at ADD_DEV (control commands are always ioctl-encoded)

	// Device attributes
	ReadOnly      bool // Make device read-only
	Rotational    bool // Device is rotational (HDD-like)
	VolatileCache bool // Device has volatile cache
	EnableFUA     bool // Enable Force Unit Access

	// Discard parameters. SET_PARAMS carries only the basic parameter
	// record, so these are not sent to the kernel.
	DiscardAlignment   uint32 // Discard alignment
	DiscardGranularity uint32 // Discard granularity
	MaxDiscardSectors  uint32 // Max sectors per discard
	MaxDiscardSegments uint16 // Max segments per discard

	// Advanced options
	DeviceID    int32  // Specific device ID to request (-1 for auto)
	DeviceName  string // Optional device name
	CPUAffinity []int  // Passed through to the controller; queue threads are not pinned to these CPUs
}

// DefaultParams returns default device parameters
func DefaultParams(backend Backend) DeviceParams {
	return DeviceParams{
		Backend:          backend,
		QueueDepth:       constants.DefaultQueueDepth,
		NumQueues:        0, // 0 selects a single queue
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		MaxIOSize:        constants.DefaultMaxIOSize,

		// Sensible defaults
		EnableZeroCopy:     false, // Requires 4K blocks
		EnableUnprivileged: false, // Requires root by default
		EnableUserCopy:     false, // Direct mode by default
		EnableZoned:        false, // Regular block device
		EnableIoctlEncode:  true, // Controller always ioctl-encodes command numbers; advertise the bit to match

		ReadOnly:      false,
		Rotational:    false, // SSD-like by default
		VolatileCache: false,
		EnableFUA:     false,

		// Discard defaults
		DiscardAlignment:   constants.DefaultDiscardAlignment,
		DiscardGranularity: constants.DefaultDiscardGranularity,
		MaxDiscardSectors:  constants.DefaultMaxDiscardSectors,
		MaxDiscardSegments: constants.DefaultMaxDiscardSegments,

		DeviceID: constants.AutoAssignDeviceID,
	}
}

// Options contains additional options for device creation
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Logger receives the queue runners' debug/info messages (if nil, they
	// log nothing). The control plane logs through the internal default
	// logger regardless of this field.
	Logger Logger

	// Observer for metrics collection (if nil, uses no-op observer)
	Observer Observer

	// ShareControlHandle is recorded and logged at device creation. Each
	// queue still opens its own io_uring instance; no ring is shared
	// between the control plane and the queues. Off by default.
	ShareControlHandle bool

	// ArmSettleDelay overrides how long CreateAndServe waits after every
	// queue has submitted its initial FETCH_REQ before issuing START_DEV.
	// Zero uses the orchestrator's own default.
	ArmSettleDelay time.Duration
}

// CreateAndServe creates a ublk device with the given parameters and starts serving I/O.
// This is the main entry point for creating ublk devices.
//
// The device will continue serving I/O until:
// - The context is cancelled
// - StopAndDelete is called
// - An unrecoverable error occurs
//
// Example:
//
//	mem := backend.NewMemory(64 << 20) // 64MB RAM disk
//	params := ublk.DefaultParams(mem)
//	device, err := ublk.CreateAndServe(context.Background(), params, nil)
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if options == nil {
		options = &Options{}
	}

	if options.Context != nil {
		ctx = options.Context
	}

	// Initialize metrics and observer
	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	// Determine actual number of queues (default to 1 if not specified)
	numQueues := params.NumQueues
	if numQueues == 0 {
		numQueues = 1 // Single queue for minimal implementation
	}

	orchCfg := orchestrator.Config{
		Params:             convertToCtrlParams(params),
		Logger:             options.Logger,
		Observer:           observer,
		ShareControlHandle: options.ShareControlHandle,
		ArmSettleDelay:     options.ArmSettleDelay,
	}

	orch, err := orchestrator.Run(ctx, numQueues, params.QueueDepth, orchCfg)
	if err != nil {
		return nil, WrapError("CREATE_DEV", err)
	}

	device := &Device{
		ID:        orch.DevID,
		Path:      fmt.Sprintf("/dev/ublkb%d", orch.DevID),
		CharPath:  fmt.Sprintf("/dev/ublkc%d", orch.DevID),
		Backend:   params.Backend,
		orch:      orch,
		queues:    numQueues,
		depth:     params.QueueDepth,
		blockSize: params.LogicalBlockSize,
		metrics:   metrics,
		observer:  observer,
	}

	if options.Logger != nil {
		options.Logger.Printf("Device created: %s (ID: %d) with %d queues", device.Path, device.ID, numQueues)
	}

	return device, nil
}

// DeviceState represents the current state of a ublk device
type DeviceState string

const (
	// DeviceStateCreated indicates the device has been created but not started
	DeviceStateCreated DeviceState = "created"
	// DeviceStateConfigured indicates parameters have been set but queues aren't primed yet
	DeviceStateConfigured DeviceState = "configured"
	// DeviceStateStarting indicates queue runners are being primed and armed
	DeviceStateStarting DeviceState = "starting"
	// DeviceStateRunning indicates the device is actively serving I/O
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopping indicates teardown is in progress
	DeviceStateStopping DeviceState = "stopping"
	// DeviceStateStopped indicates the device has been stopped
	DeviceStateStopped DeviceState = "stopped"
)

var orchStateToDeviceState = map[orchestrator.State]DeviceState{
	orchestrator.StateCreated:    DeviceStateCreated,
	orchestrator.StateConfigured: DeviceStateConfigured,
	orchestrator.StateStarting:   DeviceStateStarting,
	orchestrator.StateRunning:    DeviceStateRunning,
	orchestrator.StateStopping:   DeviceStateStopping,
	orchestrator.StateStopped:    DeviceStateStopped,
}

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil || d.orch == nil {
		return DeviceStateStopped
	}
	if s, ok := orchStateToDeviceState[d.orch.State()]; ok {
		return s
	}
	return DeviceStateStopped
}

// IsRunning returns true if the device is currently serving I/O
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// NumQueues returns the number of I/O queues configured for this device
func (d *Device) NumQueues() int {
	return d.queues
}

// QueueDepth returns the queue depth configured for this device
func (d *Device) QueueDepth() int {
	return d.depth
}

// BlockSize returns the logical block size of this device
func (d *Device) BlockSize() int {
	return d.blockSize
}

// BlockPath returns the path to the block device (e.g., "/dev/ublkb0")
func (d *Device) BlockPath() string {
	return d.Path
}

// CharDevicePath returns the path to the character device (e.g., "/dev/ublkc0")
func (d *Device) CharDevicePath() string {
	return d.CharPath
}

// DeviceID returns the kernel-assigned device ID
func (d *Device) DeviceID() uint32 {
	return d.ID
}

// Size returns the size of the device in bytes
func (d *Device) Size() int64 {
	if d.Backend == nil {
		return 0
	}
	return d.Backend.Size()
}

// DeviceInfo contains comprehensive information about a ublk device
type DeviceInfo struct {
	ID         uint32      `json:"id"`
	BlockPath  string      `json:"block_path"`
	CharPath   string      `json:"char_path"`
	State      DeviceState `json:"state"`
	NumQueues  int         `json:"num_queues"`
	QueueDepth int         `json:"queue_depth"`
	BlockSize  int         `json:"block_size"`
	Size       int64       `json:"size"`
	Running    bool        `json:"running"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	state := d.State()
	return DeviceInfo{
		ID:         d.ID,
		BlockPath:  d.Path,
		CharPath:   d.CharPath,
		State:      state,
		NumQueues:  d.queues,
		QueueDepth: d.depth,
		BlockSize:  d.blockSize,
		Size:       d.Size(),
		Running:    state == DeviceStateRunning,
	}
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// StopAndDelete stops the device and removes it from the system.
// This should be called to cleanly shut down a ublk device.
func StopAndDelete(ctx context.Context, device *Device) error {
	if device == nil || device.orch == nil {
		return ErrInvalidParameters
	}

	if device.metrics != nil {
		device.metrics.Stop()
	}

	if err := device.orch.Stop(); err != nil {
		return NewDeviceError("STOP_DEV", device.ID, ErrCodeIOError, err.Error())
	}

	return nil
}

// convertToCtrlParams converts public DeviceParams to internal ctrl.DeviceParams
func convertToCtrlParams(params DeviceParams) ctrl.DeviceParams {
	ctrlParams := ctrl.DefaultDeviceParams(params.Backend)

	// Copy all fields
	ctrlParams.DeviceID = params.DeviceID
	ctrlParams.QueueDepth = params.QueueDepth
	ctrlParams.NumQueues = params.NumQueues
	ctrlParams.LogicalBlockSize = params.LogicalBlockSize
	ctrlParams.MaxIOSize = params.MaxIOSize

	ctrlParams.EnableZeroCopy = params.EnableZeroCopy
	ctrlParams.EnableUnprivileged = params.EnableUnprivileged
	ctrlParams.EnableUserCopy = params.EnableUserCopy
	ctrlParams.EnableZoned = params.EnableZoned
	ctrlParams.EnableIoctlEncode = params.EnableIoctlEncode

	ctrlParams.ReadOnly = params.ReadOnly
	ctrlParams.Rotational = params.Rotational
	ctrlParams.VolatileCache = params.VolatileCache
	ctrlParams.EnableFUA = params.EnableFUA

	ctrlParams.DiscardAlignment = params.DiscardAlignment
	ctrlParams.DiscardGranularity = params.DiscardGranularity
	ctrlParams.MaxDiscardSectors = params.MaxDiscardSectors
	ctrlParams.MaxDiscardSegments = params.MaxDiscardSegments

	ctrlParams.DeviceName = params.DeviceName
	ctrlParams.CPUAffinity = params.CPUAffinity

	return ctrlParams
}

// Error definitions moved to errors.go
