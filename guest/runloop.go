package guest

import (
	"errors"
	"fmt"
	"runtime"

	"hyperctl/kvm"
)

// RunInfiniteLoop re-enters the guest on the calling thread until a
// handler returns a terminal status. The caller is expected to have
// dedicated a goroutine to this guest; pinning the OS thread here keeps
// every KVM_RUN of this loop on one host thread even across a goroutine
// reschedule.
func (g *Guest) RunInfiniteLoop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer g.engine.ReleaseIfHeld()

	for {
		cont, err := g.RunOnce()
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

// RunOnce re-enters the guest exactly once and dispatches on the exit
// reason it reports.
func (g *Guest) RunOnce() (bool, error) {
	if err := kvm.Run(g.vcpuFd); err != nil {
		return false, fmt.Errorf("%w: %w", kvm.ErrUnexpectedEXITReason, err)
	}

	switch g.run.ExitReason {
	case kvm.EXITIO:
		return g.exitIO()
	case kvm.EXITHLT:
		g.logf("HLT")

		return false, nil
	case kvm.EXITSHUTDOWN:
		g.logf("SHUTDOWN")

		return false, nil
	case kvm.EXITINTERNALERROR:
		return false, g.exitInternalError()
	default:
		g.logf("unexpected exit reason %d", g.run.ExitReason)

		return false, fmt.Errorf("%w: %d", ErrUnknownExit, g.run.ExitReason)
	}
}

// exitIO dispatches a KVM_EXIT_IO trap to the console or file-protocol
// handler, or fails the thread for any other port.
func (g *Guest) exitIO() (bool, error) {
	direction, size, port, count, offset := g.run.IO()

	data := g.ioBuffer(offset, size)

	for i := uint64(0); i < count; i++ {
		switch port {
		case consolePort:
			g.consoleIO(direction, data)
		case fileProtoPort:
			g.fileProtoIO(direction, data)
		default:
			g.logf("unknown I/O port %#x", port)

			return false, fmt.Errorf("%w: %#x", ErrUnknownPort, port)
		}
	}

	return true, nil
}

// ioBuffer slices the guest-visible data window out of the shared run
// region at the kernel-reported offset.
func (g *Guest) ioBuffer(offset, size uint64) []byte {
	return g.runBytes[offset : offset+size]
}

// exitInternalError logs a best-effort disassembly around the faulting
// RIP before terminating the thread.
func (g *Guest) exitInternalError() error {
	regs, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		g.logf("internal error (regs unavailable: %v)", err)

		return fmt.Errorf("%w: regs unavailable: %w", ErrGuestFault, err)
	}

	g.logf("internal error at RIP=%#x: %s", regs.RIP, g.disassembleAt(regs.RIP))

	return ErrGuestFault
}

var errRIPOutOfRange = errors.New("RIP outside guest memory")

func (g *Guest) disassembleAt(rip uint64) string {
	if rip >= uint64(len(g.mem)) {
		return errRIPOutOfRange.Error()
	}

	end := rip + 16
	if end > uint64(len(g.mem)) {
		end = uint64(len(g.mem))
	}

	return disassemble(g.mem[rip:end])
}
