//go:build !cgo || !linux

package ring

// kernelUringCmdOpcode returns the default IORING_OP_URING_CMD value.
// Linux 6.0+ uses 46. If a target kernel ever changes this, build on that
// host with cgo enabled so the cgo variant can read it from the real
// headers instead.
func kernelUringCmdOpcode() uint8 { return 46 }
