package fileproto

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const wantsWriteMask = unix.O_RDWR | unix.O_WRONLY | unix.O_TRUNC | unix.O_APPEND

// sandboxedPath returns the per-guest rewritten name a guest's "name"
// maps to on the host: files named foo by the guest map to
// vm_<id>_foo on the host.
func sandboxedPath(id int, name string) string {
	return fmt.Sprintf("vm_%d_%s", id, name)
}

// safeGuestName reports whether name is confined to the host cwd: no
// path separator and no leading dot, so a guest can't OPEN "/etc/shadow"
// or "../../etc/passwd" through the read-only shared-seed fallback.
func safeGuestName(name string) bool {
	return name != "" && !strings.ContainsRune(name, '/') && name[0] != '.'
}

// resolveOpen implements the copy-on-open namespacing policy: the
// sandboxed path is preferred whenever it already exists; otherwise a
// write-intending open creates it first, and a read-only open falls
// through to the shared seed file in the host cwd. It returns a
// negative descriptor on any host error, never an error value — a
// file I/O failure never crosses back into the guest as anything but
// a sentinel.
func resolveOpen(id int, name string, flags int32, mode uint32) int {
	sandboxed := sandboxedPath(id, name)

	if _, err := os.Stat(sandboxed); err == nil {
		fd, err := unix.Open(sandboxed, int(flags), mode)
		if err != nil {
			return -1
		}

		return fd
	}

	if flags&wantsWriteMask != 0 {
		fd, err := unix.Open(sandboxed, unix.O_CREAT, 0o777)
		if err != nil {
			return -1
		}

		_ = unix.Close(fd)

		fd, err = unix.Open(sandboxed, int(flags), mode)
		if err != nil {
			return -1
		}

		return fd
	}

	if !safeGuestName(name) {
		return -1
	}

	fd, err := unix.Open(name, int(flags), mode)
	if err != nil {
		return -1
	}

	return fd
}
