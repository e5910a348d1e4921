// Package multiboot decodes the boot information structure that a multiboot
// compliant boot loader hands to the kernel.
package multiboot

import (
	"encoding/binary"
	"strings"

	"kmemcore/kernel"
	"kmemcore/kernel/mm"
)

// InfoFlag describes which fields of the boot information are valid.
type InfoFlag uint32

// nolint
const (
	FlagMemory InfoFlag = 1 << iota
	FlagBootDevice
	FlagCmdLine
	FlagModules
	FlagAoutSymbols
	FlagElfSections
	FlagMemoryMap
)

const (
	offFlags      = 0
	offMemLower   = 4
	offMemUpper   = 8
	offCmdLine    = 16
	offMmapLength = 44
	offMmapAddr   = 48

	// infoSize is the size of the information structure including the
	// trailing VBE fields.
	infoSize = 88

	// mmapEntrySize is the size of a memory map entry without its
	// leading size field.
	mmapEntrySize = 20
)

var (
	// ErrTruncated is returned when the boot information refers to data
	// outside of the supplied memory image.
	ErrTruncated = &kernel.Error{Module: "multiboot", Message: "boot information is truncated", Kind: kernel.KindCorruption}

	// ErrNoMemoryInfo is returned when the boot loader did not report the
	// amount of installed memory.
	ErrNoMemoryInfo = &kernel.Error{Module: "multiboot", Message: "boot loader did not report installed memory", Kind: kernel.KindMisuse}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Info holds the decoded boot information.
type Info struct {
	Flags InfoFlag

	// MemLower and MemUpper are the amount of lower and upper memory in
	// kilobytes. Upper memory starts at 1Mb.
	MemLower uint32
	MemUpper uint32

	// CmdLine is the kernel command line.
	CmdLine string

	regions   []MemoryMapEntry
	cmdLineKV map[string]string
}

// Parse decodes the boot information located at physical address infoAddr.
// image holds the contents of physical memory starting at address 0 and must
// cover the information structure as well as the command line and memory map
// it points to.
func Parse(image []byte, infoAddr uintptr) (*Info, *kernel.Error) {
	if infoAddr+infoSize > uintptr(len(image)) {
		return nil, ErrTruncated
	}

	var (
		raw  = image[infoAddr : infoAddr+infoSize]
		info = &Info{Flags: InfoFlag(binary.LittleEndian.Uint32(raw[offFlags:]))}
	)

	if info.Flags&FlagMemory != 0 {
		info.MemLower = binary.LittleEndian.Uint32(raw[offMemLower:])
		info.MemUpper = binary.LittleEndian.Uint32(raw[offMemUpper:])
	}

	if info.Flags&FlagCmdLine != 0 {
		start := uintptr(binary.LittleEndian.Uint32(raw[offCmdLine:]))
		if start >= uintptr(len(image)) {
			return nil, ErrTruncated
		}

		// The command line is a C-style NULL-terminated string
		end := start
		for ; end < uintptr(len(image)) && image[end] != 0; end++ {
		}
		if end == uintptr(len(image)) {
			return nil, ErrTruncated
		}
		info.CmdLine = string(image[start:end])
	}

	if info.Flags&FlagMemoryMap != 0 {
		var (
			length = uintptr(binary.LittleEndian.Uint32(raw[offMmapLength:]))
			curPtr = uintptr(binary.LittleEndian.Uint32(raw[offMmapAddr:]))
			endPtr = curPtr + length
		)

		if endPtr > uintptr(len(image)) {
			return nil, ErrTruncated
		}

		for curPtr < endPtr {
			if curPtr+4 > endPtr {
				return nil, ErrTruncated
			}

			// The size field does not include itself
			entrySize := uintptr(binary.LittleEndian.Uint32(image[curPtr:]))
			if entrySize < mmapEntrySize || curPtr+4+entrySize > endPtr {
				return nil, ErrTruncated
			}

			entry := image[curPtr+4:]
			info.regions = append(info.regions, MemoryMapEntry{
				PhysAddress: binary.LittleEndian.Uint64(entry[0:]),
				Length:      binary.LittleEndian.Uint64(entry[8:]),
				Type:        MemoryEntryType(binary.LittleEndian.Uint32(entry[16:])),
			})

			curPtr += 4 + entrySize
		}
	}

	return info, nil
}

// TotalMemory returns the amount of installed memory, that is the upper
// memory plus the first megabyte.
func (info *Info) TotalMemory() (mm.Size, *kernel.Error) {
	if info.Flags&FlagMemory == 0 {
		return 0, ErrNoMemoryInfo
	}
	return mm.Mb + mm.Size(info.MemUpper)*mm.Kb, nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region
// defined by the boot loader's memory map.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range info.regions {
		entry := info.regions[i]

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// CmdLineOptions returns the command line key-value pairs passed to the
// kernel. Flags without a value map to their own name.
func (info *Info) CmdLineOptions() map[string]string {
	if info.cmdLineKV != nil {
		return info.cmdLineKV
	}

	info.cmdLineKV = make(map[string]string)
	for _, pair := range strings.Fields(info.CmdLine) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			info.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			info.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return info.cmdLineKV
}
