//go:build linux && cgo

package ring

/*
#include <linux/io_uring.h>
static unsigned char get_uring_cmd_opcode() {
    return (unsigned char)IORING_OP_URING_CMD;
}
*/
import "C"

// kernelUringCmdOpcode reads IORING_OP_URING_CMD from the build host's
// kernel headers.
func kernelUringCmdOpcode() uint8 {
	return uint8(C.get_uring_cmd_opcode())
}
