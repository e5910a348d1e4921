package mm

import (
	"encoding/binary"

	"kmemcore/kernel"
	"kmemcore/kernel/sync"
)

var (
	// ErrBusError is returned when accessing a physical address that is
	// not backed by installed memory.
	ErrBusError = &kernel.Error{Module: "mm", Message: "physical address is not backed by installed memory", Kind: kernel.KindMisuse}
)

// pageBuf holds the contents of a single physical frame.
type pageBuf [PageSize]byte

// PhysicalMemory emulates the installed RAM. Frames are only materialized when
// they are first written; frames that were never written read back as zeroes.
type PhysicalMemory struct {
	mutex  sync.Spinlock
	size   uintptr
	frames map[Frame]*pageBuf
}

// NewPhysicalMemory returns a PhysicalMemory instance emulating size bytes of
// RAM starting at physical address 0.
func NewPhysicalMemory(size Size) *PhysicalMemory {
	return &PhysicalMemory{
		size:   uintptr(size),
		frames: make(map[Frame]*pageBuf),
	}
}

// Size returns the amount of installed memory.
func (m *PhysicalMemory) Size() Size {
	return Size(m.size)
}

// Contains returns true if the [addr, addr+size) range is backed by installed
// memory.
func (m *PhysicalMemory) Contains(addr, size uintptr) bool {
	return addr < m.size && size <= m.size-addr
}

// ResidentFrames returns the number of frames that have been materialized.
func (m *PhysicalMemory) ResidentFrames() int {
	m.mutex.Acquire()
	defer m.mutex.Release()
	return len(m.frames)
}

// ReadAt fills p with the contents of physical memory starting at addr.
func (m *PhysicalMemory) ReadAt(p []byte, addr uintptr) *kernel.Error {
	return m.access(addr, uintptr(len(p)), false, func(buf []byte, offset uintptr) {
		if buf == nil {
			chunk := p[offset : offset+pageChunk(addr+offset, uintptr(len(p))-offset)]
			for i := range chunk {
				chunk[i] = 0
			}
			return
		}
		copy(p[offset:], buf)
	})
}

// WriteAt copies p into physical memory starting at addr.
func (m *PhysicalMemory) WriteAt(p []byte, addr uintptr) *kernel.Error {
	return m.access(addr, uintptr(len(p)), true, func(buf []byte, offset uintptr) {
		copy(buf, p[offset:])
	})
}

// Uint32 reads a little-endian 32-bit value from addr.
func (m *PhysicalMemory) Uint32(addr uintptr) (uint32, *kernel.Error) {
	var buf [4]byte
	if err := m.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// PutUint32 stores a little-endian 32-bit value at addr.
func (m *PhysicalMemory) PutUint32(addr uintptr, value uint32) *kernel.Error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return m.WriteAt(buf[:], addr)
}

// Memset sets size bytes at the given physical address to the supplied value.
// Within each frame, the first byte is set and then log2(size) copy calls
// fill the rest.
func (m *PhysicalMemory) Memset(addr uintptr, value byte, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	return m.access(addr, size, true, func(target []byte, _ uintptr) {
		target[0] = value
		for index := 1; index < len(target); index *= 2 {
			copy(target[index:], target[:index])
		}
	})
}

// Memcopy copies size bytes from src to dst. Overlapping ranges are handled
// as if the source was first copied to a temporary buffer.
func (m *PhysicalMemory) Memcopy(src, dst uintptr, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	tmp := make([]byte, size)
	if err := m.ReadAt(tmp, src); err != nil {
		return err
	}
	return m.WriteAt(tmp, dst)
}

// ZeroFrame clears the contents of the supplied frame.
func (m *PhysicalMemory) ZeroFrame(frame Frame) *kernel.Error {
	if !m.Contains(frame.Address(), PageSize) {
		return ErrBusError
	}

	m.mutex.Acquire()
	delete(m.frames, frame)
	m.mutex.Release()
	return nil
}

// access splits the [addr, addr+size) range at frame boundaries and invokes
// fn for each chunk with a slice into the backing frame and the offset of the
// chunk relative to addr. When write is false, frames that were never
// materialized are passed to fn as a nil slice.
func (m *PhysicalMemory) access(addr, size uintptr, write bool, fn func(buf []byte, offset uintptr)) *kernel.Error {
	if !m.Contains(addr, size) {
		return ErrBusError
	}

	m.mutex.Acquire()
	defer m.mutex.Release()

	for offset := uintptr(0); offset < size; {
		var (
			cur       = addr + offset
			frame     = FrameFromAddress(cur)
			pageOff   = cur & PageMask
			chunkSize = pageChunk(cur, size-offset)
			buf       = m.frames[frame]
		)

		switch {
		case buf != nil:
			fn(buf[pageOff:pageOff+chunkSize], offset)
		case write:
			buf = new(pageBuf)
			m.frames[frame] = buf
			fn(buf[pageOff:pageOff+chunkSize], offset)
		default:
			fn(nil, offset)
		}

		offset += chunkSize
	}

	return nil
}

// pageChunk returns the number of bytes from addr up to either the end of its
// page or remaining bytes, whichever is smaller.
func pageChunk(addr, remaining uintptr) uintptr {
	if chunk := PageSize - (addr & PageMask); chunk < remaining {
		return chunk
	}
	return remaining
}
