// Package elftest builds small ELF64 x86-64 images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Section is a section with contents. Addr zero means not allocated.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
}

// Symbol is a global function symbol. Section names the section the
// symbol is defined in, empty means absolute.
type Symbol struct {
	Name    string
	Value   uint64
	Section string
}

// Prog is a program header written verbatim.
type Prog struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

// Image describes the file to build.
type Image struct {
	Type     elf.Type
	Machine  elf.Machine
	Entry    uint64
	Progs    []Prog
	Sections []Section
	Symbols  []Symbol
}

type stringTable struct {
	buf     bytes.Buffer
	strings map[string]uint32
}

func newStringTable() *stringTable {
	st := &stringTable{strings: make(map[string]uint32)}
	st.buf.WriteByte(0)
	return st
}

func (st *stringTable) Add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := st.strings[s]; ok {
		return off
	}
	off := uint32(st.buf.Len())
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	st.strings[s] = off
	return off
}

func align(w *bytes.Buffer, n int) {
	for w.Len()%n != 0 {
		w.WriteByte(0)
	}
}

// Bytes lays out the file: header, program headers, section contents,
// symbol and string tables, section headers.
func (img *Image) Bytes() []byte {
	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
		symsize   = 24
	)
	typ := img.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_DYN
	}
	machine := img.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}

	shstrtab := newStringTable()
	strtab := newStringTable()

	index := map[string]int{}
	for i, s := range img.Sections {
		index[s.Name] = i + 1
	}
	symtabIdx := len(img.Sections) + 1
	strtabIdx := symtabIdx + 1
	shstrtabIdx := strtabIdx + 1

	var syms bytes.Buffer
	binary.Write(&syms, binary.LittleEndian, elf.Sym64{})
	for _, sym := range img.Symbols {
		shndx := uint16(elf.SHN_ABS)
		if sym.Section != "" {
			shndx = uint16(index[sym.Section])
		}
		binary.Write(&syms, binary.LittleEndian, elf.Sym64{
			Name:  strtab.Add(sym.Name),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: shndx,
			Value: sym.Value,
		})
	}

	var out bytes.Buffer
	out.Write(make([]byte, ehsize))
	phoff := uint64(out.Len())
	for _, p := range img.Progs {
		binary.Write(&out, binary.LittleEndian, elf.Prog64{
			Type:   uint32(p.Type),
			Flags:  uint32(p.Flags),
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Vaddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  0x1000,
		})
	}

	headers := []elf.Section64{{}}
	for _, s := range img.Sections {
		align(&out, 16)
		hdr := elf.Section64{
			Name:      shstrtab.Add(s.Name),
			Type:      uint32(s.Type),
			Flags:     uint64(s.Flags),
			Addr:      s.Addr,
			Off:       uint64(out.Len()),
			Size:      uint64(len(s.Data)),
			Addralign: 1,
		}
		if s.Type == elf.SHT_RELA {
			hdr.Entsize = 24
		}
		if s.Type != elf.SHT_NOBITS {
			out.Write(s.Data)
		}
		headers = append(headers, hdr)
	}

	align(&out, 8)
	headers = append(headers, elf.Section64{
		Name:      shstrtab.Add(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Off:       uint64(out.Len()),
		Size:      uint64(syms.Len()),
		Link:      uint32(strtabIdx),
		Info:      1,
		Addralign: 8,
		Entsize:   symsize,
	})
	out.Write(syms.Bytes())

	strtabHdr := elf.Section64{
		Name:      shstrtab.Add(".strtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Off:       uint64(out.Len()),
		Size:      uint64(strtab.buf.Len()),
		Addralign: 1,
	}
	out.Write(strtab.buf.Bytes())
	headers = append(headers, strtabHdr)

	shstrtabHdr := elf.Section64{
		Name:      shstrtab.Add(".shstrtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Off:       uint64(out.Len()),
		Addralign: 1,
	}
	shstrtabHdr.Size = uint64(shstrtab.buf.Len())
	out.Write(shstrtab.buf.Bytes())
	headers = append(headers, shstrtabHdr)

	align(&out, 8)
	shoff := uint64(out.Len())
	for _, h := range headers {
		binary.Write(&out, binary.LittleEndian, h)
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(img.Progs)),
		Shentsize: shentsize,
		Shnum:     uint16(len(headers)),
		Shstrndx:  uint16(shstrtabIdx),
	}
	if len(img.Progs) == 0 {
		hdr.Phoff = 0
	}
	var hbuf bytes.Buffer
	binary.Write(&hbuf, binary.LittleEndian, hdr)
	data := out.Bytes()
	copy(data, hbuf.Bytes())
	return data
}

// WriteFile writes the image into the test's temporary directory and
// returns its path.
func (img *Image) WriteFile(t testing.TB, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, img.Bytes(), 0755); err != nil {
		t.Fatalf("could not write %s: %v", path, err)
	}
	return path
}

// Uint64s encodes values as consecutive little-endian words, the layout of
// pointer-width declaration records.
func Uint64s(values ...uint64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], v)
	}
	return buf
}

// RelaRelative encodes one R_X86_64_RELATIVE relocation entry.
func RelaRelative(off, addend uint64) []byte {
	return Uint64s(off, uint64(elf.R_X86_64_RELATIVE), addend)
}
