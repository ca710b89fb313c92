// Package kvm wraps the small slice of the Linux KVM ioctl interface this
// hypervisor needs: VM/vCPU creation, register access, memory-slot
// registration, and the vCPU run loop. It deliberately carries none of the
// irqchip/PIT/CPUID machinery a full Linux-guest monitor would need — this
// core boots a freestanding long-mode payload with no interrupt controller.
package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmGetVCPUMMapSize     = 44548
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590

	// Exit reasons actually dispatched by the run loop. The rest of the
	// kernel's exit-reason space is real ABI, not fabricated, but this
	// core never branches on it.
	EXITUNKNOWN       = 0
	EXITIO            = 2
	EXITHLT           = 5
	EXITSHUTDOWN      = 8
	EXITINTERNALERROR = 17

	EXITIOIN  = 0
	EXITIOOUT = 1
)

// ErrUnexpectedEXITReason wraps a failed KVM_RUN in the run loop. Exit
// reasons missing from the run loop's handler table are reported as
// guest.ErrUnknownExit instead.
var ErrUnexpectedEXITReason = errors.New("unexpected kvm exit reason")

// Regs holds the guest's general-purpose registers, laid out to match
// struct kvm_regs.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Sregs holds the guest's special (segment + control) registers, laid out
// to match struct kvm_sregs.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(256 + 63) / 64]uint64
}

// Segment is one GDT/LDT segment descriptor as seen by KVM_{GET,SET}_SREGS.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a table-descriptor register (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// RunData mirrors the shared struct kvm_run region mapped from the vCPU
// fd. Only the fields the run loop and I/O dispatch actually read are
// modeled.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO payload packed into RunData.Data by the
// kernel: direction, operand size, port, repeat count, and the byte
// offset (from the start of RunData) where the data buffer lives.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, used
// to register a guest's host-mapped memory with KVM_SET_USER_MEMORY_REGION.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// ioctl issues a raw KVM ioctl with a plain integer argument.
func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// ioctlPtr issues a raw KVM ioctl whose argument is a pointer to a
// fixed-layout struct (GetRegs, SetSregs, SetUserMemoryRegion, ...).
func ioctlPtr(fd uintptr, op uintptr, arg unsafe.Pointer) (uintptr, error) {
	return ioctl(fd, op, uintptr(arg))
}

// CreateVM issues KVM_CREATE_VM against the hypervisor's /dev/kvm fd and
// returns the new VM's fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmCreateVM), uintptr(0))
}

// CreateVCPU issues KVM_CREATE_VCPU and returns the new vCPU's fd.
func CreateVCPU(vmFd uintptr) (uintptr, error) {
	return ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(0))
}

// Run re-enters the guest via KVM_RUN. EAGAIN/EINTR are transient
// (typically a host signal landed mid-entry): Run re-enters the guest
// on them rather than returning, so they never reach the caller.
func Run(vcpuFd uintptr) error {
	for {
		_, err := ioctl(vcpuFd, uintptr(kvmRun), uintptr(0))
		if err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)) {
			continue
		}

		return err
	}
}

// GetVCPUMMapSize returns the size of the shared run region a vCPU fd
// must be mmap'd with.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), uintptr(0))
}

// GetSregs issues KVM_GET_SREGS.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := ioctlPtr(vcpuFd, kvmGetSregs, unsafe.Pointer(&sregs))

	return sregs, err
}

// SetSregs issues KVM_SET_SREGS.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctlPtr(vcpuFd, kvmSetSregs, unsafe.Pointer(&sregs))

	return err
}

// GetRegs issues KVM_GET_REGS.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := ioctlPtr(vcpuFd, kvmGetRegs, unsafe.Pointer(&regs))

	return regs, err
}

// SetRegs issues KVM_SET_REGS.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctlPtr(vcpuFd, kvmSetRegs, unsafe.Pointer(&regs))

	return err
}

// SetUserMemoryRegion registers a guest-physical memory slot with KVM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctlPtr(vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(region))

	return err
}
