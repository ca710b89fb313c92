package fileproto

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Token is the process-wide single-permit mutual-exclusion semaphore:
// at most one file operation is in flight across every guest sharing
// a Token at a time. It is owned by the Hypervisor handle (one per
// process, or one per test), never a package-level global, so tests
// can run independent hypervisors without cross-contaminating each
// other's lock state.
type Token struct {
	ch chan struct{}
}

// NewToken returns a released (acquirable) token.
func NewToken() *Token {
	t := &Token{ch: make(chan struct{}, 1)}
	t.ch <- struct{}{}

	return t
}

// Acquire blocks until the token is available.
func (t *Token) Acquire() {
	<-t.ch
}

// Release returns the token. Calling Release without a matching
// Acquire would block forever by construction (the channel is full),
// so callers track whether they hold it themselves (see Engine.held).
func (t *Token) Release() {
	t.ch <- struct{}{}
}

// Engine is the per-guest paravirtual file protocol state machine,
// sharing a Token across every guest a Hypervisor owns.
type Engine struct {
	guestID int
	token   *Token
	held    bool

	lock    Lock
	current *OpenFile
	files   *fileTable
}

// NewEngine returns an Engine for one guest, sharing token with every
// other guest created by the same Hypervisor.
func NewEngine(guestID int, token *Token) *Engine {
	return &Engine{guestID: guestID, token: token, files: newFileTable()}
}

// Lock reports the engine's current finite-state register.
func (e *Engine) Lock() Lock { return e.lock }

// CurrentFile reports the in-flight OpenFile, or nil when Lock is idle
// or no host fd was resolved for the guest's fd argument.
func (e *Engine) CurrentFile() *OpenFile { return e.current }

// Out handles a guest OUT instruction on port 0x278. len(data) selects
// dword (4, opcodes/fd/flags/mode) vs byte (1, filename/write stream)
// semantics, mirroring how the kernel reports operand size on the
// shared run region.
func (e *Engine) Out(data []byte) {
	switch len(data) {
	case 4:
		e.out32(binary.LittleEndian.Uint32(data))
	case 1:
		e.outByte(data[0])
	}
}

// In handles a guest IN instruction on port 0x278, filling data with
// the engine's response.
func (e *Engine) In(data []byte) {
	switch len(data) {
	case 4:
		binary.LittleEndian.PutUint32(data, e.in32())
	case 1:
		data[0] = e.inByte()
	}
}

// ReleaseIfHeld drops the global token when a guest's vCPU thread exits
// mid-operation (e.g. HLT without FINISH): one guest's protocol
// violation must not deadlock every other guest permanently.
func (e *Engine) ReleaseIfHeld() {
	if !e.held {
		return
	}

	e.token.Release()
	e.held = false
	e.lock = LockIdle
	e.current = nil
}

// CloseAllFiles closes every host fd this guest's table still holds
// open, for use when the guest exits without a CLOSE for each OPEN.
func (e *Engine) CloseAllFiles() {
	for _, f := range e.files.order {
		if f.HostFD >= 0 {
			_ = unix.Close(f.HostFD)
			f.HostFD = -1
		}
	}
}

func (e *Engine) out32(data uint32) {
	switch {
	case e.lock == LockIdle:
		e.startOperation(Opcode(data))
	case e.lock == LockOpen:
		e.openFlagsOrMode(int32(data)) //nolint:gosec // guest-controlled value, intentional reinterpretation
	case Opcode(data) == Finish:
		e.endOperation()
	default:
		e.resolveCurrentByFD(int(int32(data))) //nolint:gosec
	}
}

func (e *Engine) startOperation(op Opcode) {
	e.token.Acquire()
	e.held = true

	switch op {
	case Open:
		e.lock = LockOpen
		f := newOpenFile()
		e.files.append(f)
		e.current = f
	case Close:
		e.lock = LockClose
	case Read:
		e.lock = LockRead
	case Write:
		e.lock = LockWrite
	default:
		// Unknown/Finish opcode with nothing in flight: nothing to do,
		// don't hold the token across an operation that never starts.
		e.token.Release()
		e.held = false
	}
}

func (e *Engine) openFlagsOrMode(data int32) {
	if e.current.Flags == -1 {
		e.current.Flags = data

		return
	}

	e.current.Mode = uint32(data) //nolint:gosec

	if e.current.overflow {
		e.current.HostFD = -1
	} else {
		e.current.HostFD = resolveOpen(e.guestID, e.current.Name(), e.current.Flags, e.current.Mode)
	}

	e.files.indexByFD(e.current)
}

func (e *Engine) resolveCurrentByFD(fd int) {
	e.current = e.files.lookupByFD(fd)
}

func (e *Engine) endOperation() {
	if e.held {
		e.token.Release()
		e.held = false
	}

	e.lock = LockIdle
	e.current = nil
}

func (e *Engine) outByte(b byte) {
	switch e.lock {
	case LockOpen:
		e.current.appendNameByte(b)
	case LockWrite:
		e.writeByte(b)
	case LockIdle, LockClose, LockRead:
		// No-op: a byte-sized OUT is only meaningful while naming a
		// file or streaming a write.
	}
}

func (e *Engine) writeByte(b byte) {
	if e.current == nil {
		return
	}

	_, _ = unix.Write(e.current.HostFD, []byte{b})
}

func (e *Engine) in32() uint32 {
	switch e.lock {
	case LockClose:
		return e.closeStatus()
	case LockOpen:
		return e.sendFD()
	default:
		return 0
	}
}

func (e *Engine) closeStatus() uint32 {
	status := int32(-1)

	if e.current != nil {
		if err := unix.Close(e.current.HostFD); err == nil {
			status = 0
		}

		e.files.remove(e.current)
	}

	return uint32(status) //nolint:gosec
}

func (e *Engine) sendFD() uint32 {
	fd := e.current.HostFD
	e.endOperation()

	return uint32(int32(fd)) //nolint:gosec
}

func (e *Engine) inByte() byte {
	if e.lock != LockRead {
		return byte(EOFSentinel)
	}

	return e.readByte()
}

func (e *Engine) readByte() byte {
	if e.current == nil {
		return byte(EOFSentinel)
	}

	var buf [1]byte

	n, err := unix.Read(e.current.HostFD, buf[:])
	if err != nil || n == 0 {
		return byte(EOFSentinel)
	}

	return buf[0]
}
