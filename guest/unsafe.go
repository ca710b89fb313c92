package guest

import (
	"unsafe"

	"hyperctl/kvm"
)

// memAddr returns the host-virtual address of a mmap'd byte slice's
// backing array, as KVM_SET_USER_MEMORY_REGION needs it.
func memAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// runDataFromBytes reinterprets a vCPU's mmap'd run region as the
// shared kvm_run layout.
func runDataFromBytes(b []byte) *kvm.RunData {
	return (*kvm.RunData)(unsafe.Pointer(&b[0]))
}
