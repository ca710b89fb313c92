package guest

import "golang.org/x/arch/x86/x86asm"

// disassemble decodes one instruction from a short window of guest
// memory for the guest-fault diagnostic, the same decoder the upstream
// gokvm module pulls in for its own fault reporting and register-trace
// tooling.
func disassemble(window []byte) string {
	inst, err := x86asm.Decode(window, 64)
	if err != nil {
		return "<undecodable: " + err.Error() + ">"
	}

	return x86asm.GNUSyntax(inst, 0, nil)
}
