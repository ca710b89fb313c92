package guest

import "hyperctl/kvm"

// The two paravirtual ports this core recognizes; every other port is
// the ErrUnknownPort fallthrough in exitIO.
const (
	consolePort   = 0xE9
	fileProtoPort = 0x278
)

// consoleIO implements the port 0xE9 handler: OUT streams guest bytes
// onto pty_master, IN pulls one byte back (or the EOF sentinel on a
// short read).
func (g *Guest) consoleIO(direction uint64, data []byte) {
	if direction == kvm.EXITIOOUT {
		_, _ = g.ptyMaster.Write(data)

		return
	}

	var buf [1]byte

	n, err := g.ptyMaster.Read(buf[:])
	if err != nil || n == 0 {
		data[0] = 0xFF // EOF sentinel (-1 as an unsigned byte)

		return
	}

	data[0] = buf[0]
}

// fileProtoIO delegates port 0x278 traps to the file protocol engine;
// the engine itself decides byte vs dword semantics from len(data).
func (g *Guest) fileProtoIO(direction uint64, data []byte) {
	if direction == kvm.EXITIOOUT {
		g.engine.Out(data)

		return
	}

	g.engine.In(data)
}
