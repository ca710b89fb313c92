// Package guest owns a single virtual machine: its kernel handles, its
// host-mapped memory and run region, its console pseudoterminal, and its
// paravirtual file protocol engine. Exactly one vCPU, exactly two live
// I/O ports.
package guest

import (
	"fmt"
	"log"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"hyperctl/fileproto"
	"hyperctl/kvm"
	"hyperctl/longmode"
)

// MinMemSize is the smallest guest memory size that leaves the long-mode
// bootstrap one usable 2 MiB super-page beyond the page tables themselves.
// longmode.Setup itself accepts 2 MiB, but maps nothing usable there.
const MinMemSize = 4 << 20

// StackTop is the initial RSP: 2 MiB, per spec's fixed guest stack layout.
const StackTop = 1 << 21

// Guest is one VM: its kernel handles, host-mapped memory, run region,
// console, and file protocol state. Exactly one vCPU.
type Guest struct {
	ID int

	vmFd, vcpuFd uintptr
	mem          []byte
	run          *kvm.RunData
	runBytes     []byte

	ptyMaster, ptySlave *os.File

	loadAddr uint64
	engine   *fileproto.Engine

	logf func(format string, args ...interface{})
}

// New creates a guest VM against an already-open hypervisor control
// handle: a memory region, a vCPU, the long-mode bootstrap, and a
// pseudoterminal pair for its console. On any failure, everything
// acquired so far is released.
func New(kvmFd uintptr, runRegionSize uintptr, memSize uint64, pageSize longmode.PageSize, id int, token *fileproto.Token) (g *Guest, err error) {
	g = &Guest{ID: id, engine: fileproto.NewEngine(id, token)}
	g.logf = func(format string, args ...interface{}) {
		log.Printf("[guest %d] "+format, append([]interface{}{id}, args...)...)
	}

	// Failing returns set the named result g to nil before this runs,
	// so the cleanup works on its own reference to the guest.
	acquired := g

	defer func() {
		if err != nil {
			acquired.Close()
		}
	}()

	g.vmFd, err = kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	g.mem, err = unix.Mmap(-1, 0, int(memSize), //nolint:gosec
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	if err = kvm.SetUserMemoryRegion(g.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: memSize,
		UserspaceAddr: memAddr(g.mem),
	}); err != nil {
		return nil, fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	g.vcpuFd, err = kvm.CreateVCPU(g.vmFd)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU: %w", err)
	}

	runBytes, err := unix.Mmap(int(g.vcpuFd), 0, int(runRegionSize), //nolint:gosec
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap run region: %w", err)
	}

	g.runBytes = runBytes
	g.run = runDataFromBytes(runBytes)

	loadAddr, entryRIP, sregs, err := longmode.Setup(g.mem, memSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("long-mode bootstrap: %w", err)
	}

	g.loadAddr = loadAddr

	if err = kvm.SetSregs(g.vcpuFd, sregs); err != nil {
		return nil, fmt.Errorf("SetSregs: %w", err)
	}

	regs := kvm.Regs{RFLAGS: 2, RIP: entryRIP, RSP: StackTop}
	if err = kvm.SetRegs(g.vcpuFd, regs); err != nil {
		return nil, fmt.Errorf("SetRegs: %w", err)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty.Open: %w", err)
	}

	g.ptyMaster, g.ptySlave = master, slave

	return g, nil
}

// LoadImage copies a raw guest image into memory starting at the
// address the long-mode bootstrap returned.
func (g *Guest) LoadImage(image []byte) error {
	if uint64(len(image)) > uint64(len(g.mem))-g.loadAddr {
		return ErrBadImage
	}

	copy(g.mem[g.loadAddr:], image)

	return nil
}

// PTYSlavePath is the path an external supervisor attaches to for this
// guest's console.
func (g *Guest) PTYSlavePath() string {
	if g.ptySlave == nil {
		return ""
	}

	return g.ptySlave.Name()
}

// Close releases every kernel handle, mapping, and pty this guest
// acquired, in reverse order, tolerating partial initialization.
func (g *Guest) Close() {
	g.engine.ReleaseIfHeld()
	g.engine.CloseAllFiles()

	if g.ptyMaster != nil {
		_ = g.ptyMaster.Close()
	}

	if g.ptySlave != nil {
		_ = g.ptySlave.Close()
	}

	if g.runBytes != nil {
		_ = unix.Munmap(g.runBytes)
	}

	if g.mem != nil {
		_ = unix.Munmap(g.mem)
	}

	if g.vcpuFd != 0 {
		_ = unix.Close(int(g.vcpuFd)) //nolint:gosec
	}

	if g.vmFd != 0 {
		_ = unix.Close(int(g.vmFd)) //nolint:gosec
	}
}
