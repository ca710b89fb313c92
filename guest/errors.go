package guest

import "errors"

// Error kinds the run loop and I/O dispatch distinguish. Init-time
// failures (missing control device, rejected ioctl) live in the
// hypervisor package; these are the ones a running vCPU thread, or
// LoadImage, can surface.
var (
	ErrUnknownExit = errors.New("exit reason not in dispatch table")
	ErrUnknownPort = errors.New("I/O exit to unregistered port")
	ErrGuestFault  = errors.New("guest internal error")
	ErrBadImage    = errors.New("image too large for guest memory at load address")
)
