// Package elfimg reads the on-disk layout of the instrumented executable
// and of the injected library: sections, symbols, loadable segments and
// strings addressed by virtual address.
//
// Images are never mapped into the controller's address space, every read
// is a positioned read on the underlying file.
package elfimg

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

var (
	// ErrInvalidFormat is returned by Open for files that are not 64-bit
	// x86-64 ELF images.
	ErrInvalidFormat = errors.New("invalid ELF image")
	// ErrNotFound is returned when a section, string or symbol is absent.
	ErrNotFound = errors.New("not found")
)

// Symbol is a named address from the symbol table.
type Symbol struct {
	Name  string
	Value uint64
}

// Segment is a PT_LOAD program header.
type Segment struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Off    uint64
	Flags  elf.ProgFlag
}

// End returns the first virtual address past the segment.
func (s Segment) End() uint64 {
	return s.Vaddr + s.Memsz
}

type sectionVA struct {
	addr   uint64
	offset uint64
	size   uint64
}

// Image is an open ELF image.
type Image struct {
	Path string

	f  *os.File
	ef *elf.File

	// sections is the VA index of every allocated section with file
	// contents, built once by Open.
	sections []sectionVA

	symbols   []Symbol
	symbolMap map[string]uint64
	relative  map[uint64]uint64
}

// Open opens and indexes the image at path.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	img, err := newImage(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func newImage(path string, f *os.File) (*Image, error) {
	var ident [elf.EI_NIDENT]byte
	if _, err := f.ReadAt(ident[:], 0); err != nil || !bytes.HasPrefix(ident[:], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%s: %w: bad magic", path, ErrInvalidFormat)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrInvalidFormat, err)
	}
	if ef.Class != elf.ELFCLASS64 || ef.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%s: %w: unsupported %v %v", path, ErrInvalidFormat, ef.Class, ef.Machine)
	}
	img := &Image{Path: path, f: f, ef: ef}
	for _, s := range ef.Sections {
		if s.Addr == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		img.sections = append(img.sections, sectionVA{addr: s.Addr, offset: s.Offset, size: s.Size})
	}
	return img, nil
}

// Close closes the underlying file.
func (img *Image) Close() error {
	return img.f.Close()
}

// Entry returns the entry point virtual address.
func (img *Image) Entry() uint64 {
	return img.ef.Entry
}

// Type returns the ELF file type (ET_EXEC or ET_DYN).
func (img *Image) Type() elf.Type {
	return img.ef.Type
}

// ReadStringAt reads the NUL terminated string stored at virtual address va.
func (img *Image) ReadStringAt(va uint64) (string, error) {
	for _, s := range img.sections {
		if va < s.addr || va >= s.addr+s.size {
			continue
		}
		rel := va - s.addr
		r := bufio.NewReader(io.NewSectionReader(img.f, int64(s.offset+rel), int64(s.size-rel)))
		str, err := r.ReadString(0)
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("string at %#x: unterminated", va)
			}
			return "", err
		}
		return str[:len(str)-1], nil
	}
	return "", fmt.Errorf("string at %#x: %w", va, ErrNotFound)
}

// ReadSection returns the contents of the named section.
func (img *Image) ReadSection(name string) ([]byte, error) {
	s := img.ef.Section(name)
	if s == nil {
		return nil, fmt.Errorf("section %s: %w", name, ErrNotFound)
	}
	return s.Data()
}

// SectionAddr returns the virtual address of the named section.
func (img *Image) SectionAddr(name string) (uint64, bool) {
	s := img.ef.Section(name)
	if s == nil {
		return 0, false
	}
	return s.Addr, true
}

// Symbols returns the symbol table. Images stripped of .symtab fall back
// to the dynamic symbol table.
func (img *Image) Symbols() ([]Symbol, error) {
	if img.symbols != nil {
		return img.symbols, nil
	}
	syms, err := img.ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	dynsyms, err := img.ef.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	r := make([]Symbol, 0, len(syms)+len(dynsyms))
	for _, list := range [][]elf.Symbol{syms, dynsyms} {
		for _, sym := range list {
			if sym.Name == "" || sym.Section == elf.SHN_UNDEF {
				continue
			}
			r = append(r, Symbol{Name: sym.Name, Value: sym.Value})
		}
	}
	img.symbols = r
	return r, nil
}

// LookupSymbol returns the value of the defined symbol called name.
// The static symbol table takes precedence over the dynamic one.
func (img *Image) LookupSymbol(name string) (uint64, bool) {
	if img.symbolMap == nil {
		syms, err := img.Symbols()
		if err != nil {
			return 0, false
		}
		img.symbolMap = make(map[string]uint64, len(syms))
		for _, sym := range syms {
			if _, dup := img.symbolMap[sym.Name]; !dup {
				img.symbolMap[sym.Name] = sym.Value
			}
		}
	}
	v, ok := img.symbolMap[name]
	return v, ok
}

// SymbolNames returns the sorted names of all defined symbols.
func (img *Image) SymbolNames() []string {
	syms, _ := img.Symbols()
	names := make([]string, 0, len(syms))
	for _, sym := range syms {
		names = append(names, sym.Name)
	}
	sort.Strings(names)
	return names
}

// Segments returns the PT_LOAD program headers in header order.
func (img *Image) Segments() []Segment {
	var r []Segment
	for _, p := range img.ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		r = append(r, Segment{Vaddr: p.Vaddr, Memsz: p.Memsz, Filesz: p.Filesz, Off: p.Off, Flags: p.Flags})
	}
	return r
}

// RelativeAddend returns the addend of the R_X86_64_RELATIVE dynamic
// relocation that patches the pointer at va, if any. Linkers may leave such
// pointers zero on disk.
func (img *Image) RelativeAddend(va uint64) (uint64, bool) {
	if img.relative == nil {
		img.relative = make(map[uint64]uint64)
		for _, s := range img.ef.Sections {
			if s.Type != elf.SHT_RELA {
				continue
			}
			data, err := s.Data()
			if err != nil {
				continue
			}
			for len(data) >= 24 {
				off := binary.LittleEndian.Uint64(data)
				info := binary.LittleEndian.Uint64(data[8:])
				addend := binary.LittleEndian.Uint64(data[16:])
				if elf.R_X86_64(elf.R_TYPE64(info)) == elf.R_X86_64_RELATIVE {
					img.relative[off] = addend
				}
				data = data[24:]
			}
		}
	}
	v, ok := img.relative[va]
	return v, ok
}
