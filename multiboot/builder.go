package multiboot

import "encoding/binary"

// Builder assembles boot information the way a boot loader lays it out in
// physical memory. It is used to boot the core on a simulated machine.
type Builder struct {
	MemLower, MemUpper uint32
	CmdLine            string
	Regions            []MemoryMapEntry
}

// Build returns an image of physical memory starting at address 0 that
// contains the boot information at infoAddr, followed by the command line and
// the memory map.
func (b *Builder) Build(infoAddr uintptr) []byte {
	var (
		cmdLineAddr = infoAddr + infoSize
		mmapAddr    = (cmdLineAddr + uintptr(len(b.CmdLine)) + 1 + 3) &^ 3
		mmapLength  = uintptr(len(b.Regions)) * (4 + mmapEntrySize)
		image       = make([]byte, mmapAddr+mmapLength)
		raw         = image[infoAddr:]
		flags       = FlagMemory | FlagCmdLine
	)

	if len(b.Regions) != 0 {
		flags |= FlagMemoryMap
	}

	binary.LittleEndian.PutUint32(raw[offFlags:], uint32(flags))
	binary.LittleEndian.PutUint32(raw[offMemLower:], b.MemLower)
	binary.LittleEndian.PutUint32(raw[offMemUpper:], b.MemUpper)
	binary.LittleEndian.PutUint32(raw[offCmdLine:], uint32(cmdLineAddr))
	binary.LittleEndian.PutUint32(raw[offMmapLength:], uint32(mmapLength))
	binary.LittleEndian.PutUint32(raw[offMmapAddr:], uint32(mmapAddr))
	copy(image[cmdLineAddr:], b.CmdLine)

	entry := image[mmapAddr:]
	for _, region := range b.Regions {
		binary.LittleEndian.PutUint32(entry[0:], mmapEntrySize)
		binary.LittleEndian.PutUint64(entry[4:], region.PhysAddress)
		binary.LittleEndian.PutUint64(entry[12:], region.Length)
		binary.LittleEndian.PutUint32(entry[20:], uint32(region.Type))
		entry = entry[4+mmapEntrySize:]
	}

	return image
}

// PCBuilder returns a Builder describing a PC with totalMemory bytes of RAM,
// 639Kb of conventional memory and the BIOS area reserved.
func PCBuilder(totalMemory uint64, cmdLine string) *Builder {
	return &Builder{
		MemLower: 639,
		MemUpper: uint32((totalMemory - 0x100000) / 1024),
		CmdLine:  cmdLine,
		Regions: []MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: MemAvailable},
			{PhysAddress: 0x9fc00, Length: 0x400, Type: MemReserved},
			{PhysAddress: 0xf0000, Length: 0x10000, Type: MemReserved},
			{PhysAddress: 0x100000, Length: totalMemory - 0x100000, Type: MemAvailable},
		},
	}
}
