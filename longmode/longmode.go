// Package longmode builds the four-level paging hierarchy and special
// registers that take a freshly created vCPU straight into 64-bit long
// mode for a freestanding payload, with no real-mode or protected-mode
// entry trampoline in between.
package longmode

import (
	"encoding/binary"
	"fmt"

	"hyperctl/kvm"
)

// PageSize selects the guest's page-table granularity.
type PageSize int

const (
	// PageSize2MB builds one PD entry per 2 MiB super-page (PS bit set).
	PageSize2MB PageSize = iota
	// PageSize4KB builds a full page-table hierarchy of 4 KiB pages.
	PageSize4KB
)

const (
	pml4Addr = 0x0000
	pdptAddr = 0x1000
	pdAddr   = 0x2000

	// ptBase is where 4 KiB page tables are allocated for PageSize4KB.
	// Placing them immediately after the PD at 0x3000 would collide
	// with a PD entry's own target address once more than one page
	// table is needed, so they live in a clearly distinct region
	// instead.
	ptBase = 0x10000

	size2MB = 2 << 20
	size4KB = 4 << 10

	pdePresent = uint64(1) << 0
	pdeRW      = uint64(1) << 1
	pdeUser    = uint64(1) << 2
	pdePS      = uint64(1) << 7

	cr4PAE    = uint64(1) << 5
	cr0PE     = uint64(1)
	cr0PG     = uint64(1) << 31
	eferLME   = uint64(1) << 8
	eferLMA   = uint64(1) << 10
)

// ErrMemTooSmall is returned when mem_size is below one 2 MiB super-page
// or is not a multiple of 2 MiB.
var ErrMemTooSmall = fmt.Errorf("longmode: mem_size too small for page size")

// Setup writes the PML4/PDPT/PD(/PT) hierarchy into mem and returns the
// Sregs the vCPU must be programmed with, the guest-physical address at
// which the guest image should be loaded, and the RIP that address is
// reached through.
//
// Under PageSize2MB, the PD maps virtual 0 to loadAddr and onward in
// lockstep (an offset-shifted mapping, not identity), so entryRIP is 0:
// the first byte copied to loadAddr is the first byte fetched at RIP=0.
// Under PageSize4KB, the PD identity-maps guest-physical memory, so
// entryRIP equals loadAddr directly.
//
// mem must be at least memSize bytes; memSize must be a multiple of
// 2 MiB and at least 2 MiB. A 2 MiB guest builds zero usable PD entries
// (degenerate but not an error, matching the bootstrap this core is
// based on) — callers wanting a guest that can actually fetch an
// instruction should require at least 4 MiB.
func Setup(mem []byte, memSize uint64, pageSize PageSize) (loadAddr uint64, entryRIP uint64, sregs kvm.Sregs, err error) {
	if memSize < size2MB || memSize%size2MB != 0 {
		return 0, 0, kvm.Sregs{}, ErrMemTooSmall
	}

	putEntry := func(addr uint64, v uint64) {
		binary.LittleEndian.PutUint64(mem[addr:addr+8], v)
	}

	putEntry(pml4Addr, pdePresent|pdeRW|pdeUser|pdptAddr)
	putEntry(pdptAddr, pdePresent|pdeRW|pdeUser|pdAddr)

	switch pageSize {
	case PageSize2MB:
		loadAddr = setup2MB(mem, memSize, putEntry)
		entryRIP = 0
	case PageSize4KB:
		loadAddr = setup4KB(mem, memSize, putEntry)
		entryRIP = loadAddr
	default:
		return 0, 0, kvm.Sregs{}, fmt.Errorf("longmode: unknown page size %d", pageSize)
	}

	sregs.CR3 = pml4Addr
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0PG
	sregs.EFER = eferLME | eferLMA
	setupFlatSegments(&sregs)

	return loadAddr, entryRIP, sregs, nil
}

// setup2MB fills the PD with one super-page entry per 2 MiB of guest
// memory beyond the paging tables themselves. PD[i] maps virtual
// i·2MiB to physical load+i·2MiB, so virtual 0 resolves to load: the
// image is placed at load and the guest runs with RIP=0. The image is
// loaded at the next 2 MiB boundary strictly after the tables
// (0x200000), leaving PD[0] to map that boundary.
func setup2MB(mem []byte, memSize uint64, putEntry func(addr, v uint64)) uint64 {
	load := uint64((pdAddr+size4KB)/size2MB+1) * size2MB

	page := load
	for i := uint64(0); i < memSize/size2MB-1; i++ {
		putEntry(pdAddr+i*8, pdePresent|pdeRW|pdeUser|pdePS|page)
		page += size2MB
	}

	return load
}

// setup4KB fills the PD with pointers to page tables starting at ptBase,
// then fills each page table with 512 entries identity-mapping
// successive 4 KiB frames of guest memory until memSize is reached.
// Because the mapping is identity, the image's load address is also a
// valid entry RIP.
func setup4KB(mem []byte, memSize uint64, putEntry func(addr, v uint64)) uint64 {
	numPD := memSize / size2MB

	pt := uint64(ptBase)
	for i := uint64(0); i < numPD; i++ {
		putEntry(pdAddr+i*8, pdePresent|pdeRW|pdeUser|pt)
		pt += size4KB
	}

	page := uint64(0)
	ptAddr := uint64(ptBase)

	for i := uint64(0); i < numPD; i++ {
		for j := uint64(0); j < 512; j++ {
			if page >= memSize {
				break
			}

			putEntry(ptAddr+j*8, page|pdePresent|pdeRW|pdeUser)
			page += size4KB
		}

		ptAddr += size4KB
	}

	return pt
}

// setupFlatSegments programs a flat 64-bit code segment plus matching
// flat data segments for DS/ES/FS/GS/SS.
func setupFlatSegments(sregs *kvm.Sregs) {
	code := kvm.Segment{
		Base:    0,
		Limit:   0xFFFFFFFF,
		Present: 1,
		Typ:     11, // execute/read, accessed
		S:       1,
		L:       1, // 64-bit code segment
		G:       1,
	}

	sregs.CS = code

	data := code
	data.Typ = 3 // read/write, accessed
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data
}
