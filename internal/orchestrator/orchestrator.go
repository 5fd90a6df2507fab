// Package orchestrator drives a ublk device through its lifecycle:
// adding it to the kernel, configuring parameters, priming queue runners,
// arming the data plane, and tearing everything down again. The public
// ublk.Device type is a thin facade over this package.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ublkgo/ublk/internal/constants"
	"github.com/ublkgo/ublk/internal/ctrl"
	"github.com/ublkgo/ublk/internal/logging"
	"github.com/ublkgo/ublk/internal/queue"
)

// State names a stage in a device's lifecycle.
type State string

const (
	StateCreated    State = "created"
	StateConfigured State = "configured"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Config carries everything Run needs to bring a device up. The backend
// itself travels inside Params (ctrl.DeviceParams.Backend).
type Config struct {
	Params   ctrl.DeviceParams
	Logger   queue.Logger
	Observer queue.Observer

	// ShareControlHandle is only logged by Run: every queue still opens
	// its own io_uring instance, and none is shared with the control plane.
	ShareControlHandle bool

	// ArmSettleDelay is how long to wait after submitting every queue's
	// initial FETCH_REQ before issuing START_DEV, letting the kernel
	// observe all of them as armed.
	ArmSettleDelay time.Duration
}

// Device is the orchestrator's live handle on a running ublk device.
type Device struct {
	DevID     uint32
	NumQueues int

	ctrl    *ctrl.Controller
	runners []*queue.Runner

	ctx    context.Context
	cancel context.CancelFunc

	state State
	log   *logging.Logger
}

// State reports the device's current lifecycle stage.
func (d *Device) State() State {
	if d == nil {
		return StateStopped
	}
	select {
	case <-d.ctx.Done():
		return StateStopped
	default:
	}
	return d.state
}

// Run creates the device, configures it, primes every queue runner, and
// issues START_DEV, walking CREATED -> CONFIGURED -> STARTING -> RUNNING.
// On any failure it tears down whatever was already brought up.
func Run(ctx context.Context, numQueues, queueDepth int, cfg Config) (*Device, error) {
	log := logging.Default()

	c, err := ctrl.NewController()
	if err != nil {
		return nil, fmt.Errorf("creating controller: %w", err)
	}

	if cfg.ShareControlHandle {
		log.Debug("share_control_handle requested; each queue still opens its own ring")
	}

	devID, err := c.AddDevice(&cfg.Params)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("adding device: %w", err)
	}

	dctx, cancel := context.WithCancel(ctx)
	dev := &Device{
		DevID:     devID,
		NumQueues: numQueues,
		ctrl:      c,
		ctx:       dctx,
		cancel:    cancel,
		state:     StateCreated,
		log:       log.WithDevice(int(devID)),
	}

	if err := c.SetParams(devID, &cfg.Params); err != nil {
		dev.abort()
		return nil, fmt.Errorf("setting parameters: %w", err)
	}
	dev.state = StateConfigured

	dev.runners = make([]*queue.Runner, numQueues)
	for i := 0; i < numQueues; i++ {
		runnerConfig := queue.Config{
			DevID:    devID,
			QueueID:  uint16(i),
			Depth:    queueDepth,
			Backend:  cfg.Params.Backend,
			Logger:   cfg.Logger,
			Observer: cfg.Observer,
		}
		runner, err := queue.NewRunner(dev.ctx, runnerConfig)
		if err != nil {
			dev.closeRunners(i)
			dev.abort()
			return nil, fmt.Errorf("creating queue runner %d: %w", i, err)
		}
		dev.runners[i] = runner
	}

	dev.state = StateStarting
	for i, runner := range dev.runners {
		if err := runner.Start(); err != nil {
			dev.closeRunners(len(dev.runners))
			dev.abort()
			return nil, fmt.Errorf("starting queue runner %d: %w", i, err)
		}
	}

	settle := cfg.ArmSettleDelay
	if settle <= 0 {
		settle = constants.DeviceStartupDelay
	}
	time.Sleep(settle)

	// START_DEV is submitted without blocking the ring lock for the whole
	// round trip: the kernel only completes it once every queue's FETCH_REQ
	// has been observed, which can take a moment under load.
	startHandle, err := c.StartDeviceAsync(devID)
	if err != nil {
		dev.closeRunners(len(dev.runners))
		dev.abort()
		return nil, fmt.Errorf("starting device: %w", err)
	}
	if err := startHandle.Wait(constants.StartDeviceTimeout); err != nil {
		dev.closeRunners(len(dev.runners))
		dev.abort()
		return nil, fmt.Errorf("starting device: %w", err)
	}

	dev.state = StateRunning
	dev.log.Info("device running", "queues", numQueues)

	if info, err := c.GetDeviceInfo(devID); err != nil {
		dev.log.Debug("post-start GetDeviceInfo failed", "err", err)
	} else {
		dev.log.Debug("post-start device info", "state", info.State)
	}

	return dev, nil
}

// Stop walks RUNNING -> STOPPING -> STOPPED: cancels every queue runner,
// then issues STOP_DEV/DEL_DEV on a fresh control connection (the kernel
// may already have torn down the one used to start the device).
func (d *Device) Stop() error {
	d.state = StateStopping
	d.cancel()
	d.closeRunners(len(d.runners))
	d.runners = nil

	c, err := ctrl.NewController()
	if err != nil {
		return fmt.Errorf("creating controller for teardown: %w", err)
	}
	defer c.Close()

	if err := c.StopDevice(d.DevID); err != nil {
		return fmt.Errorf("stopping device: %w", err)
	}
	if err := c.DeleteDevice(d.DevID); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	d.state = StateStopped
	return nil
}

func (d *Device) closeRunners(n int) {
	for i := 0; i < n && i < len(d.runners); i++ {
		if d.runners[i] != nil {
			d.runners[i].Close()
		}
	}
}

// abort tears down a controller connection after a failed bring-up and
// marks the device stopped.
func (d *Device) abort() {
	d.cancel()
	d.ctrl.DeleteDevice(d.DevID)
	d.ctrl.Close()
	d.state = StateStopped
}
