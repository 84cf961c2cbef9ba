package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionLength is the longest encoding of an x86-64 instruction.
const MaxInstructionLength = 15

// AsmInstruction represents one assembly instruction read from tracee
// memory.
type AsmInstruction struct {
	Loc  uint64
	Len  int
	Text string
}

// DecodeInstruction decodes the 64-bit instruction starting at mem[0:],
// located at pc in the tracee.
func DecodeInstruction(mem []byte, pc uint64) (AsmInstruction, error) {
	inst, err := x86asm.Decode(mem, 64)
	if err != nil {
		return AsmInstruction{Loc: pc}, err
	}
	return AsmInstruction{Loc: pc, Len: inst.Len, Text: x86asm.GNUSyntax(inst, pc, nil)}, nil
}

// Disassemble reads and decodes the instruction at pc.
func Disassemble(mem MemoryReader, pc uint64) (AsmInstruction, error) {
	buf := make([]byte, MaxInstructionLength)
	n, err := mem.ReadMemory(buf, pc)
	if n == 0 && err != nil {
		return AsmInstruction{Loc: pc}, IOError("disassemble", pc, err)
	}
	return DecodeInstruction(buf[:n], pc)
}
