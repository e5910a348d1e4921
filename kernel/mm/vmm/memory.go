package vmm

import (
	"encoding/binary"

	"kmemcore/kernel"
	"kmemcore/kernel/mm"
)

// Memory provides access to the contents of an address space. Every access
// goes through Table.Access so unmapped pages and protection violations are
// reported exactly like the MMU would, and the accessed and dirty flags are
// kept up to date.
type Memory struct {
	table  Table
	phys   *mm.PhysicalMemory
	asUser bool
}

// NewMemory returns a kernel-mode accessor for the address space described by
// table whose pages are backed by phys.
func NewMemory(table Table, phys *mm.PhysicalMemory) *Memory {
	return &Memory{table: table, phys: phys}
}

// UserView returns an accessor for the same address space that performs
// accesses with user-mode privileges.
func (m *Memory) UserView() *Memory {
	return &Memory{table: m.table, phys: m.phys, asUser: true}
}

// Table returns the table used for address translation.
func (m *Memory) Table() Table {
	return m.table
}

// ReadAt fills p with the bytes starting at virtAddr.
func (m *Memory) ReadAt(p []byte, virtAddr uintptr) *kernel.Error {
	return m.forEachPage(virtAddr, uintptr(len(p)), false, func(physAddr, offset, chunk uintptr) *kernel.Error {
		return m.phys.ReadAt(p[offset:offset+chunk], physAddr)
	})
}

// WriteAt copies p to the bytes starting at virtAddr.
func (m *Memory) WriteAt(p []byte, virtAddr uintptr) *kernel.Error {
	return m.forEachPage(virtAddr, uintptr(len(p)), true, func(physAddr, offset, chunk uintptr) *kernel.Error {
		return m.phys.WriteAt(p[offset:offset+chunk], physAddr)
	})
}

// Memset sets size bytes starting at virtAddr to value.
func (m *Memory) Memset(virtAddr uintptr, value byte, size uintptr) *kernel.Error {
	return m.forEachPage(virtAddr, size, true, func(physAddr, _, chunk uintptr) *kernel.Error {
		return m.phys.Memset(physAddr, value, chunk)
	})
}

// Memmove copies size bytes from src to dst. The ranges may overlap.
func (m *Memory) Memmove(dst, src, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	tmp := make([]byte, size)
	if err := m.ReadAt(tmp, src); err != nil {
		return err
	}
	return m.WriteAt(tmp, dst)
}

// Byte reads the byte at virtAddr.
func (m *Memory) Byte(virtAddr uintptr) (byte, *kernel.Error) {
	var buf [1]byte
	if err := m.ReadAt(buf[:], virtAddr); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// PutByte stores value at virtAddr.
func (m *Memory) PutByte(virtAddr uintptr, value byte) *kernel.Error {
	return m.WriteAt([]byte{value}, virtAddr)
}

// Uint32 reads a little-endian 32-bit value from virtAddr.
func (m *Memory) Uint32(virtAddr uintptr) (uint32, *kernel.Error) {
	var buf [4]byte
	if err := m.ReadAt(buf[:], virtAddr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// PutUint32 stores a little-endian 32-bit value at virtAddr.
func (m *Memory) PutUint32(virtAddr uintptr, value uint32) *kernel.Error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return m.WriteAt(buf[:], virtAddr)
}

// forEachPage splits [virtAddr, virtAddr+size) at page boundaries, translates
// each piece and invokes fn with its physical address, its offset from
// virtAddr and its length. All pages are translated before fn is first
// invoked so a failed access leaves memory untouched.
func (m *Memory) forEachPage(virtAddr, size uintptr, write bool, fn func(physAddr, offset, chunk uintptr) *kernel.Error) *kernel.Error {
	type piece struct{ physAddr, offset, chunk uintptr }

	if size == 0 {
		return nil
	}
	if virtAddr+size < virtAddr {
		return ErrInvalidMapping
	}

	pieces := make([]piece, 0, (size>>mm.PageShift)+2)
	for offset := uintptr(0); offset < size; {
		cur := virtAddr + offset
		chunk := mm.PageSize - PageOffset(cur)
		if chunk > size-offset {
			chunk = size - offset
		}

		physAddr, err := m.table.Access(cur, write, m.asUser)
		if err != nil {
			return err
		}

		pieces = append(pieces, piece{physAddr, offset, chunk})
		offset += chunk
	}

	for _, p := range pieces {
		if err := fn(p.physAddr, p.offset, p.chunk); err != nil {
			return err
		}
	}

	return nil
}
