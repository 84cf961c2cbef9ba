// Package vamap translates addresses between an ELF image's virtual address
// space and the place that image was loaded at in a live process.
//
// The translation is built from the image's PT_LOAD segments and the
// process memory map, read through procfs.
package vamap

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/prometheus/procfs"

	"github.com/sohook/sohook/pkg/elfimg"
	"github.com/sohook/sohook/pkg/logflags"
	"github.com/sohook/sohook/pkg/proc"
)

const pageSize = 0x1000

var (
	// ErrAddressNotMapped is returned for addresses outside every loadable
	// segment.
	ErrAddressNotMapped = errors.New("address not mapped")
	// ErrSegmentMismatch is returned when the memory map of the process does
	// not contain a region for every loadable segment of the image.
	ErrSegmentMismatch = errors.New("loadable segments do not match process memory map")
)

func pageDown(a uint64) uint64 {
	return a &^ (pageSize - 1)
}

// Mapping is one loadable segment, in image and in runtime addresses.
// End addresses are exclusive.
type Mapping struct {
	ImageStart, ImageEnd     uint64
	RuntimeStart, RuntimeEnd uint64
}

func (m Mapping) String() string {
	return fmt.Sprintf("%#x-%#x => %#x-%#x", m.ImageStart, m.ImageEnd, m.RuntimeStart, m.RuntimeEnd)
}

// Map translates addresses of one image.
type Map struct {
	Path     string
	bias     uint64
	mappings []Mapping
}

// Load reads the memory map of process pid from fs and builds the
// translation for the image at path.
func Load(fs procfs.FS, pid int, path string, segs []elfimg.Segment) (*Map, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, proc.IOError("read memory map", 0, err)
	}
	entries, err := p.ProcMaps()
	if err != nil {
		return nil, proc.IOError("read memory map", 0, err)
	}
	return New(canonicalPath(path), segs, entries)
}

// canonicalPath returns path as the kernel prints it in the memory map.
func canonicalPath(path string) string {
	if p, err := filepath.EvalSymlinks(path); err == nil {
		path = p
	}
	if p, err := filepath.Abs(path); err == nil {
		path = p
	}
	return path
}

// New pairs every segment with the memory map entry of path that maps the
// page containing the segment's file offset. All segments must agree on a
// single load bias.
func New(path string, segs []elfimg.Segment, entries []*procfs.ProcMap) (*Map, error) {
	log := logflags.VamapLogger().WithField("image", filepath.Base(path))

	var own []*procfs.ProcMap
	for _, e := range entries {
		if e.Pathname == path {
			own = append(own, e)
		}
	}
	if len(segs) == 0 || len(own) == 0 {
		return nil, proc.ProtocolError("map "+path, 0, ErrSegmentMismatch)
	}

	// Every entry matching the first segment's offset proposes a bias;
	// the right one is the bias all other segments agree with.
	first := segs[0]
	for _, e := range own {
		if uint64(e.Offset) != pageDown(first.Off) {
			continue
		}
		bias := uint64(e.StartAddr) - pageDown(first.Vaddr)
		m, ok := pair(path, bias, segs, own)
		if !ok {
			continue
		}
		for _, mm := range m.mappings {
			log.Debugf("%v", mm)
		}
		log.Debugf("load bias %#x", bias)
		return m, nil
	}
	return nil, proc.ProtocolError("map "+path, 0, ErrSegmentMismatch)
}

func pair(path string, bias uint64, segs []elfimg.Segment, own []*procfs.ProcMap) (*Map, bool) {
	m := &Map{Path: path, bias: bias}
	for _, seg := range segs {
		found := false
		for _, e := range own {
			if uint64(e.Offset) == pageDown(seg.Off) && uint64(e.StartAddr) == pageDown(seg.Vaddr)+bias {
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
		m.mappings = append(m.mappings, Mapping{
			ImageStart:   seg.Vaddr,
			ImageEnd:     seg.End(),
			RuntimeStart: seg.Vaddr + bias,
			RuntimeEnd:   seg.End() + bias,
		})
	}
	sort.Slice(m.mappings, func(i, j int) bool { return m.mappings[i].ImageStart < m.mappings[j].ImageStart })
	return m, true
}

// Bias returns the difference between runtime and image addresses.
func (m *Map) Bias() uint64 {
	return m.bias
}

// Mappings returns the segment mappings ordered by address.
func (m *Map) Mappings() []Mapping {
	return append([]Mapping(nil), m.mappings...)
}

// Forward translates an image address into a runtime address.
func (m *Map) Forward(addr uint64) (uint64, error) {
	for _, mm := range m.mappings {
		if addr >= mm.ImageStart && addr < mm.ImageEnd {
			return addr - mm.ImageStart + mm.RuntimeStart, nil
		}
	}
	return 0, proc.ProtocolError("translate "+filepath.Base(m.Path)+" address", addr, ErrAddressNotMapped)
}

// Backward translates a runtime address into an image address.
func (m *Map) Backward(addr uint64) (uint64, error) {
	for _, mm := range m.mappings {
		if addr >= mm.RuntimeStart && addr < mm.RuntimeEnd {
			return addr - mm.RuntimeStart + mm.ImageStart, nil
		}
	}
	return 0, proc.ProtocolError("translate "+filepath.Base(m.Path)+" runtime address", addr, ErrAddressNotMapped)
}

// Contains reports whether addr is a runtime address inside the image.
func (m *Map) Contains(addr uint64) bool {
	_, err := m.Backward(addr)
	return err == nil
}
