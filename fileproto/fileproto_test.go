package fileproto

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func chdirTemp(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = os.Chdir(cwd) })

	return dir
}

func dword(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	return b[:]
}

func asU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// doOpen drives a full OPEN sequence through the engine and returns the
// fd the guest would observe.
func doOpen(e *Engine, name string, flags int32, mode uint32) int32 {
	e.Out(dword(uint32(Open)))

	for i := 0; i < len(name); i++ {
		e.Out([]byte{name[i]})
	}

	e.Out([]byte{0})
	e.Out(dword(uint32(flags))) //nolint:gosec
	e.Out(dword(mode))

	out := make([]byte, 4)
	e.In(out)

	return int32(asU32(out)) //nolint:gosec
}

func doClose(e *Engine, fd int32) int32 {
	e.Out(dword(uint32(Close)))
	e.Out(dword(uint32(fd))) //nolint:gosec

	out := make([]byte, 4)
	e.In(out)

	status := int32(asU32(out)) //nolint:gosec

	e.Out(dword(uint32(Finish)))

	return status
}

func TestOpenWriteThenReadRoundTrip(t *testing.T) { // nolint:paralleltest
	chdirTemp(t)

	token := NewToken()
	e := NewEngine(0, token)

	fd := doOpen(e, "out.txt", unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if fd < 0 {
		t.Fatalf("OPEN for write: fd = %d, want >= 0", fd)
	}

	for _, b := range []byte("HELLO") {
		e.Out(dword(uint32(Write)))
		e.Out(dword(uint32(fd))) //nolint:gosec
		e.Out([]byte{b})
		e.Out(dword(uint32(Finish)))
	}

	if status := doClose(e, fd); status != 0 {
		t.Fatalf("CLOSE after write: status = %d, want 0", status)
	}

	if e.Lock() != LockIdle {
		t.Fatalf("Lock after CLOSE+FINISH = %v, want idle", e.Lock())
	}

	contents, err := os.ReadFile(sandboxedPath(0, "out.txt"))
	if err != nil {
		t.Fatalf("reading sandboxed path: %v", err)
	}

	if string(contents) != "HELLO" {
		t.Fatalf("sandboxed file contents = %q, want %q", contents, "HELLO")
	}

	if _, err := os.Stat("out.txt"); err == nil {
		t.Fatalf("host cwd out.txt should not exist")
	}
}

func TestReadOnlyOpenFallsThroughToSeed(t *testing.T) { // nolint:paralleltest
	chdirTemp(t)

	if err := os.WriteFile("primer.txt", []byte("HELLO"), 0o644); err != nil {
		t.Fatal(err)
	}

	token := NewToken()
	e := NewEngine(0, token)

	fd := doOpen(e, "primer.txt", unix.O_RDONLY, 0)
	if fd < 0 {
		t.Fatalf("OPEN read-only: fd = %d, want >= 0", fd)
	}

	e.Out(dword(uint32(Read)))
	e.Out(dword(uint32(fd))) //nolint:gosec

	var got []byte

	for i := 0; i < 20; i++ {
		out := make([]byte, 1)
		e.In(out)

		if out[0] == byte(EOFSentinel) {
			break
		}

		got = append(got, out[0])
	}

	e.Out(dword(uint32(Finish)))

	if string(got) != "HELLO" {
		t.Fatalf("read bytes = %q, want %q", got, "HELLO")
	}

	if _, err := os.Stat(sandboxedPath(0, "primer.txt")); err == nil {
		t.Fatalf("read-only open should not create a sandboxed copy")
	}
}

func TestConcurrentGuestsDistinctNamespaces(t *testing.T) { // nolint:paralleltest
	chdirTemp(t)

	token := NewToken()
	eA := NewEngine(0, token)
	eB := NewEngine(1, token)

	fdA := doOpen(eA, "log.txt", unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	fdB := doOpen(eB, "log.txt", unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)

	if fdA < 0 || fdB < 0 {
		t.Fatalf("OPEN: fdA=%d fdB=%d, want both >= 0", fdA, fdB)
	}

	write := func(e *Engine, fd int32, data string) {
		for _, b := range []byte(data) {
			e.Out(dword(uint32(Write)))
			e.Out(dword(uint32(fd))) //nolint:gosec
			e.Out([]byte{b})
			e.Out(dword(uint32(Finish)))
		}
	}

	write(eA, fdA, "A")
	write(eB, fdB, "B")

	doClose(eA, fdA)
	doClose(eB, fdB)

	gotA, err := os.ReadFile(sandboxedPath(0, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}

	gotB, err := os.ReadFile(sandboxedPath(1, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}

	if string(gotA) != "A" || string(gotB) != "B" {
		t.Fatalf("gotA=%q gotB=%q, want A, B", gotA, gotB)
	}

	if _, err := os.Stat("log.txt"); err == nil {
		t.Fatalf("no host-cwd log.txt should have been created")
	}
}

func TestNameOverflowRejected(t *testing.T) { // nolint:paralleltest
	chdirTemp(t)

	token := NewToken()
	e := NewEngine(0, token)

	longName := make([]byte, 50) // one byte past the 49-byte cap
	for i := range longName {
		longName[i] = 'a'
	}

	fd := doOpen(e, string(longName), unix.O_RDONLY, 0)
	if fd != -1 {
		t.Fatalf("OPEN with overflowed name: fd = %d, want -1", fd)
	}
}

func TestExactly49ByteNameSucceeds(t *testing.T) { // nolint:paralleltest
	dir := chdirTemp(t)

	name := make([]byte, 49)
	for i := range name {
		name[i] = 'b'
	}

	if err := os.WriteFile(filepath.Join(dir, string(name)), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	token := NewToken()
	e := NewEngine(0, token)

	fd := doOpen(e, string(name), unix.O_RDONLY, 0)
	if fd < 0 {
		t.Fatalf("OPEN with 49-byte name: fd = %d, want >= 0", fd)
	}
}

func TestCloseUnknownFDReturnsNegativeStatus(t *testing.T) { // nolint:paralleltest
	chdirTemp(t)

	token := NewToken()
	e := NewEngine(0, token)

	if status := doClose(e, 999); status != -1 {
		t.Fatalf("CLOSE unknown fd: status = %d, want -1", status)
	}
}

func TestReadOnlyOpenRejectsPathEscape(t *testing.T) { // nolint:paralleltest
	chdirTemp(t)

	token := NewToken()
	e := NewEngine(0, token)

	for _, name := range []string{"/etc/shadow", "../outside.txt", "./sneaky.txt"} {
		if fd := doOpen(e, name, unix.O_RDONLY, 0); fd != -1 {
			t.Errorf("OPEN read-only %q: fd = %d, want -1", name, fd)
		}
	}
}

func TestCloseAllFilesClosesEveryOpenHostFD(t *testing.T) { // nolint:paralleltest
	chdirTemp(t)

	token := NewToken()
	e := NewEngine(0, token)

	fd := doOpen(e, "leaked.txt", unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if fd < 0 {
		t.Fatalf("OPEN: fd = %d, want >= 0", fd)
	}

	f := e.files.lookupByFD(int(fd))
	if f == nil {
		t.Fatalf("lookupByFD(%d) = nil, want the OPEN'd entry", fd)
	}

	e.CloseAllFiles()

	if f.HostFD != -1 {
		t.Errorf("HostFD after CloseAllFiles = %d, want -1", f.HostFD)
	}

	if err := unix.Close(int(fd)); err == nil {
		t.Errorf("fd %d still open after CloseAllFiles", fd)
	}
}

func TestReleaseIfHeldUnblocksOtherGuests(t *testing.T) { // nolint:paralleltest
	chdirTemp(t)

	token := NewToken()
	eA := NewEngine(0, token)
	eB := NewEngine(1, token)

	// Guest A starts OPEN and never FINISHes (simulates a HLT mid-op,
	// a protocol violation the engine must not deadlock on).
	eA.Out(dword(uint32(Open)))

	if eA.Lock() != LockOpen {
		t.Fatalf("Lock after starting OPEN = %v, want open", eA.Lock())
	}

	done := make(chan int32, 1)

	go func() {
		done <- doOpen(eB, "b.txt", unix.O_RDONLY, 0)
	}()

	eA.ReleaseIfHeld()

	if eA.Lock() != LockIdle {
		t.Fatalf("Lock after ReleaseIfHeld = %v, want idle", eA.Lock())
	}

	select {
	case <-done:
	default:
	}

	<-done // must complete now that the token is free.
}
