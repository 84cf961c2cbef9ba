package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Registers is the general purpose register block of an x86-64 tracee, in
// the order the linux kernel returns it for PTRACE_GETREGS.
//
// The same layout is the block hook functions receive by reference: 27
// little-endian 64-bit words, field order pinned by this declaration. Hooks
// built independently of this module must agree with RegistersSize and
// the field order below.
type Registers struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// RegistersSize is the size in bytes of a serialized register block.
const RegistersSize = 27 * 8

// PC returns the value of the RIP register.
func (r *Registers) PC() uint64 {
	return r.Rip
}

// SP returns the value of the RSP register.
func (r *Registers) SP() uint64 {
	return r.Rsp
}

// MarshalBinary encodes the register block in its fixed hook ABI layout.
func (r *Registers) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(RegistersSize)
	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a register block written by MarshalBinary (or by
// a hook function modifying it in place).
func (r *Registers) UnmarshalBinary(data []byte) error {
	if len(data) != RegistersSize {
		return fmt.Errorf("register block is %d bytes, expected %d", len(data), RegistersSize)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, r)
}

// Slice returns the registers as a list of (name, value) pairs.
func (r *Registers) Slice() []Register {
	return []Register{
		{"Rip", r.Rip},
		{"Rsp", r.Rsp},
		{"Rax", r.Rax},
		{"Rbx", r.Rbx},
		{"Rcx", r.Rcx},
		{"Rdx", r.Rdx},
		{"Rdi", r.Rdi},
		{"Rsi", r.Rsi},
		{"Rbp", r.Rbp},
		{"R8", r.R8},
		{"R9", r.R9},
		{"R10", r.R10},
		{"R11", r.R11},
		{"R12", r.R12},
		{"R13", r.R13},
		{"R14", r.R14},
		{"R15", r.R15},
		{"Orig_rax", r.Orig_rax},
		{"Cs", r.Cs},
		{"Eflags", r.Eflags},
		{"Ss", r.Ss},
		{"Fs_base", r.Fs_base},
		{"Gs_base", r.Gs_base},
		{"Ds", r.Ds},
		{"Es", r.Es},
		{"Fs", r.Fs},
		{"Gs", r.Gs},
	}
}

// Register represents a CPU register.
type Register struct {
	Name  string
	Value uint64
}

func (reg Register) String() string {
	return fmt.Sprintf("%s=%#x", reg.Name, reg.Value)
}
