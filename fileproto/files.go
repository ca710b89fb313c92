package fileproto

// OpenFile is one entry in a guest's open-file table.
type OpenFile struct {
	HostFD int
	Flags  int32
	Mode   uint32

	name       [nameBufCap]byte
	nameLen    int
	overflow   bool
	terminated bool
}

func newOpenFile() *OpenFile {
	return &OpenFile{HostFD: -1, Flags: -1, Mode: ^uint32(0)}
}

// appendNameByte accumulates one byte of the filename stream. The
// terminating null itself is consumed but not stored — name_buf holds
// content only. A name of exactly 49 content bytes (plus the null
// terminator) succeeds; a 50th content byte overflows the buffer and
// the eventual host_fd is forced to -1 rather than silently
// truncating.
func (f *OpenFile) appendNameByte(b byte) {
	if f.terminated {
		return
	}

	if b == 0 {
		f.terminated = true

		return
	}

	if f.nameLen >= len(f.name) {
		f.overflow = true

		return
	}

	f.name[f.nameLen] = b
	f.nameLen++
}

func (f *OpenFile) Name() string {
	return string(f.name[:f.nameLen])
}

// fileTable is a guest's set of open files, kept as an insertion-ordered
// slice plus a host_fd index: O(1) append, O(1) lookup by host_fd,
// O(n) delete (n = open files for this guest, normally tiny).
type fileTable struct {
	order []*OpenFile
	byFD  map[int]*OpenFile
}

func newFileTable() *fileTable {
	return &fileTable{byFD: make(map[int]*OpenFile)}
}

func (t *fileTable) append(f *OpenFile) {
	t.order = append(t.order, f)
}

// indexByFD must be called only after f.HostFD has been assigned; the
// table doesn't index by fd until then since OPEN allocates the entry
// before the host descriptor is known.
func (t *fileTable) indexByFD(f *OpenFile) {
	if f.HostFD >= 0 {
		t.byFD[f.HostFD] = f
	}
}

func (t *fileTable) lookupByFD(fd int) *OpenFile {
	return t.byFD[fd]
}

func (t *fileTable) remove(f *OpenFile) {
	if f == nil {
		return
	}

	delete(t.byFD, f.HostFD)

	for i, cur := range t.order {
		if cur == f {
			t.order = append(t.order[:i], t.order[i+1:]...)

			break
		}
	}
}
