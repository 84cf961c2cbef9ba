package proc

import "fmt"

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// ReadFull reads exactly len(buf) bytes of tracee memory at addr or fails
// with a TransientIOError.
func ReadFull(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short read: %d of %d bytes", n, len(buf))
	}
	if err != nil {
		return IOError("read memory", addr, err)
	}
	return nil
}

// WriteFull writes all of data into tracee memory at addr or fails with a
// TransientIOError.
func WriteFull(mem MemoryReadWriter, addr uint64, data []byte) error {
	n, err := mem.WriteMemory(addr, data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err != nil {
		return IOError("write memory", addr, err)
	}
	return nil
}
