package hookdata

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sohook/sohook/pkg/elfimg"
	"github.com/sohook/sohook/pkg/proc"
)

const (
	// DefaultHookSection is the library section holding hook records.
	DefaultHookSection = ".sohook"
	// DefaultFuncSection is the library section holding callable function
	// records.
	DefaultFuncSection = ".sofunc"

	// HookRecordSize is the size of {address, length, name pointer, padding}.
	HookRecordSize = 32
	// FuncRecordSize is the size of {address, name pointer}.
	FuncRecordSize = 16
)

// LoadFile reads hook declarations from the text file at path.
func (s *Set) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return proc.ConfigError("open hook declarations", 0, err)
	}
	defer f.Close()
	return s.Parse(f)
}

// Parse reads hook declarations, one per line:
//
//	ADDRESS = NAME[, LENGTH]
//
// ADDRESS and LENGTH are hexadecimal, LENGTH defaults to 0. Blank lines and
// lines starting with ';' are ignored, as is anything after a ';'.
func (s *Set) Parse(r io.Reader) error {
	scan := bufio.NewScanner(r)
	lineno := 0
	for scan.Scan() {
		lineno++
		line := strings.TrimSpace(scan.Text())
		if line == "" || line[0] == ';' {
			continue
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		addr, name, length, err := parseLine(line)
		if err != nil {
			return proc.ConfigError(fmt.Sprintf("parse hook declaration line %d", lineno), 0, err)
		}
		s.AddHook(addr, name, length)
	}
	if err := scan.Err(); err != nil {
		return proc.ConfigError(fmt.Sprintf("read hook declarations after line %d", lineno), 0, err)
	}
	return nil
}

func parseLine(line string) (addr uint64, name string, length uint64, err error) {
	lhs, rhs, ok := strings.Cut(line, "=")
	if !ok {
		return 0, "", 0, fmt.Errorf("missing '=' in %q", line)
	}
	addr, err = parseHex(lhs)
	if err != nil {
		return 0, "", 0, fmt.Errorf("bad address: %v", err)
	}
	name, lenstr, hasLen := strings.Cut(rhs, ",")
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t") {
		return 0, "", 0, fmt.Errorf("bad function name %q", name)
	}
	if hasLen {
		length, err = parseHex(lenstr)
		if err != nil {
			return 0, "", 0, fmt.Errorf("bad length: %v", err)
		}
	}
	return addr, name, length, nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

// Image is the part of an opened library image embedded declarations are
// read from.
type Image interface {
	ReadSection(name string) ([]byte, error)
	SectionAddr(name string) (uint64, bool)
	ReadStringAt(va uint64) (string, error)
	RelativeAddend(va uint64) (uint64, bool)
}

// LoadEmbedded reads the hook records stored in hookSection and the
// callable function records stored in funcSection of the library image.
// The function section is optional.
func (s *Set) LoadEmbedded(img Image, hookSection, funcSection string) error {
	data, base, err := readRecords(img, hookSection, HookRecordSize)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return proc.ConfigError("load "+hookSection, 0, errors.New("empty section"))
	}
	for i := 0; i < len(data); i += HookRecordSize {
		addr := binary.LittleEndian.Uint64(data[i:])
		length := binary.LittleEndian.Uint64(data[i+8:])
		name, err := readName(img, binary.LittleEndian.Uint64(data[i+16:]), base+uint64(i)+16)
		if err != nil {
			return proc.ConfigError("load "+hookSection, addr, err)
		}
		s.AddHook(addr, name, length)
	}

	data, base, err = readRecords(img, funcSection, FuncRecordSize)
	if err != nil {
		if errors.Is(err, elfimg.ErrNotFound) {
			s.log.Debugf("no %s section, hook code can not call back into the executable", funcSection)
			return nil
		}
		return err
	}
	for i := 0; i < len(data); i += FuncRecordSize {
		addr := binary.LittleEndian.Uint64(data[i:])
		name, err := readName(img, binary.LittleEndian.Uint64(data[i+8:]), base+uint64(i)+8)
		if err != nil {
			return proc.ConfigError("load "+funcSection, addr, err)
		}
		s.AddFunc(addr, name)
	}
	return nil
}

func readRecords(img Image, section string, size int) ([]byte, uint64, error) {
	data, err := img.ReadSection(section)
	if err != nil {
		return nil, 0, proc.ConfigError("load "+section, 0, err)
	}
	if len(data)%size != 0 {
		return nil, 0, proc.ConfigError("load "+section, 0, fmt.Errorf("section size %#x is not a multiple of %d", len(data), size))
	}
	base, _ := img.SectionAddr(section)
	return data, base, nil
}

// readName reads the declaration name pointed to by ptr. A zero pointer
// is looked up in the dynamic relocations patching the field at fieldVA.
func readName(img Image, ptr, fieldVA uint64) (string, error) {
	if ptr == 0 {
		var ok bool
		ptr, ok = img.RelativeAddend(fieldVA)
		if !ok {
			return "", fmt.Errorf("null name pointer at %#x", fieldVA)
		}
	}
	name, err := img.ReadStringAt(ptr)
	if err != nil {
		return "", fmt.Errorf("could not read name: %w", err)
	}
	return name, nil
}
