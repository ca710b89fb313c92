// Package hypervisor is the process-wide handle: it owns the
// virtualization control node, the per-vCPU run-region size queried
// once at init, the session-scoped guest id counter, and the
// file-protocol token every guest it creates shares.
package hypervisor

import (
	"errors"
	"fmt"
	"os"

	"hyperctl/fileproto"
	"hyperctl/guest"
	"hyperctl/kvm"
	"hyperctl/longmode"
)

// Error kinds surfaced at hypervisor init.
var (
	ErrEnvUnavailable = errors.New("virtualization control node unavailable")
	ErrKernelCall     = errors.New("kernel rejected ioctl")
)

// Hypervisor is the process-wide handle: one control handle, one
// run-region size, and the shared state every guest it creates draws
// from, owned here rather than as a package-level global.
type Hypervisor struct {
	dev           *os.File
	runRegionSize uintptr

	nextID int
	token  *fileproto.Token
}

// New opens the virtualization control node and queries the run-region
// size once. Any partially acquired handle is released on failure.
func New() (*Hypervisor, error) {
	dev, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvUnavailable, err)
	}

	size, err := kvm.GetVCPUMMapSize(dev.Fd())
	if err != nil {
		_ = dev.Close()

		return nil, fmt.Errorf("%w: GetVCPUMMapSize: %w", ErrKernelCall, err)
	}

	return &Hypervisor{
		dev:           dev,
		runRegionSize: size,
		token:         fileproto.NewToken(),
	}, nil
}

// CreateGuest creates one Guest sharing this Hypervisor's control
// handle, run-region size, and file-protocol token.
func (h *Hypervisor) CreateGuest(memSize uint64, pageSize longmode.PageSize) (*guest.Guest, error) {
	id := h.nextID
	h.nextID++

	g, err := guest.New(h.dev.Fd(), h.runRegionSize, memSize, pageSize, id, h.token)
	if err != nil {
		return nil, fmt.Errorf("CreateGuest(id=%d): %w", id, err)
	}

	return g, nil
}

// Close releases the control handle. Guests created through this
// Hypervisor must be closed independently before this is called.
func (h *Hypervisor) Close() error {
	return h.dev.Close()
}
