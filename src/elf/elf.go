// Package elf validates and loads a 64-bit little-endian RISC-V
// executable into a process's address space: the ET_EXEC header, one
// PT_LOAD program header at a time, mapped and copied through the
// memory manager's range-mapping primitives.
package elf

import (
	"bytes"
	"encoding/binary"

	"riscvkern/src/defs"
	"riscvkern/src/ioh"
	"riscvkern/src/vm"
)

const (
	eiNident = 16
	ehdrSize = 64
	phdrSize = 56

	elfMag0 = 0x7f
	elfMag1 = 'E'
	elfMag2 = 'L'
	elfMag3 = 'F'

	etExec      = 2
	emRiscv     = 243
	elfData2LSB = 1

	ptLoad = 1

	pfX = 0x1
	pfW = 0x2
	pfR = 0x4
)

// ehdr_t mirrors Elf64_Ehdr field for field; the loader inspects only
// Ident, Type, Machine, Entry, Phoff, Phentsize and Phnum.
type ehdr_t struct {
	Ident     [eiNident]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// phdr_t mirrors Elf64_Phdr.
type phdr_t struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Stage is a distinct negative code identifying which loading step
// failed, so a caller can log precisely where a malformed executable
// was rejected. Zero means success.
type Stage int

const (
	Ok                  Stage = 0
	ErrReadHeader       Stage = -1
	ErrBadMagic         Stage = -2
	ErrBadTypeOrMachine Stage = -3
	ErrSeekPhdr         Stage = -4
	ErrReadPhdr         Stage = -5
	ErrSegmentBounds    Stage = -6
	ErrSeekSegment      Stage = -7
	ErrReadSegment      Stage = -8
	ErrNotLittleEndian  Stage = -9
	ErrMapSegment       Stage = -10
	ErrOverlapsStack    Stage = -11
)

func seek(io ioh.Io_i, pos uint64) defs.Err_t {
	_, err := io.Ctl(defs.IOCTL_SETPOS, int(pos), 0)
	return err
}

func checkMagic(ident [eiNident]byte) bool {
	return ident[0] == elfMag0 && ident[1] == elfMag1 && ident[2] == elfMag2 && ident[3] == elfMag3
}

// pteFlags converts ELF segment permission flags to the PTE rwx bits,
// always adding U since every loaded segment is user-accessible.
func pteFlags(p uint32) uint8 {
	var f uint8
	if p&pfR != 0 {
		f |= vm.PermR
	}
	if p&pfW != 0 {
		f |= vm.PermW
	}
	if p&pfX != 0 {
		f |= vm.PermX
	}
	return f | vm.PermU
}

// Load reads an ELF64 executable from io and maps its PT_LOAD segments
// into as, returning the entry address on success. The returned Stage
// is Ok (0) on success or one of the negative stage codes identifying
// which validation or I/O step failed; Load never partially succeeds
// silently, but a failed AllocAndMapRange call may leave earlier
// segments mapped, matching the source loader it is modeled on.
func Load(io ioh.Io_i, as *vm.Vm_t) (entry uint64, stage Stage) {
	hdrBuf := make([]byte, ehdrSize)
	if n, err := ioh.ReadFull(io, hdrBuf); err != 0 || n != ehdrSize {
		return 0, ErrReadHeader
	}
	var hdr ehdr_t
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		return 0, ErrReadHeader
	}
	if !checkMagic(hdr.Ident) {
		return 0, ErrBadMagic
	}
	if hdr.Type != etExec || hdr.Machine != emRiscv {
		return 0, ErrBadTypeOrMachine
	}
	if hdr.Ident[5] != elfData2LSB {
		return 0, ErrNotLittleEndian
	}

	for i := uint16(0); i < hdr.Phnum; i++ {
		off := hdr.Phoff + uint64(i)*uint64(hdr.Phentsize)
		if err := seek(io, off); err != 0 {
			return 0, ErrSeekPhdr
		}
		phBuf := make([]byte, phdrSize)
		if n, err := ioh.ReadFull(io, phBuf); err != 0 || n != phdrSize {
			return 0, ErrReadPhdr
		}
		var ph phdr_t
		if err := binary.Read(bytes.NewReader(phBuf), binary.LittleEndian, &ph); err != nil {
			return 0, ErrReadPhdr
		}

		if ph.Vaddr+ph.Memsz > vm.USER_STACK_VMA {
			return 0, ErrOverlapsStack
		}
		if ph.Type != ptLoad {
			continue
		}
		if ph.Vaddr < vm.USER_START_VMA || ph.Vaddr+ph.Memsz > vm.USER_END_VMA {
			return 0, ErrSegmentBounds
		}

		flags := pteFlags(ph.Flags)
		// Map writable unconditionally so the file contents (and the bss
		// tail) can be copied in even for a read-only or executable-only
		// segment; SetRangeFlags tightens permissions afterward.
		if _, err := as.AllocAndMapRange(ph.Vaddr, ph.Memsz, flags|vm.PermW); err != 0 {
			return 0, ErrMapSegment
		}

		if err := seek(io, ph.Offset); err != 0 {
			return 0, ErrSeekSegment
		}
		filedata := make([]byte, ph.Filesz)
		if n, err := ioh.ReadFull(io, filedata); err != 0 || uint64(n) != ph.Filesz {
			return 0, ErrReadSegment
		}
		if err := as.CopyOut(ph.Vaddr, filedata); err != 0 {
			return 0, ErrReadSegment
		}
		if ph.Memsz > ph.Filesz {
			if err := as.ZeroRange(ph.Vaddr+ph.Filesz, ph.Memsz-ph.Filesz); err != 0 {
				return 0, ErrReadSegment
			}
		}

		// SetRangeFlags rounds [Vaddr, Vaddr+Memsz) to page boundaries
		// itself, the same way AllocAndMapRange did when it mapped this
		// segment; computing the rounded span here a second time risked
		// falling short of the mapped range when Vaddr isn't page-aligned.
		as.SetRangeFlags(ph.Vaddr, ph.Memsz, flags)
	}

	return hdr.Entry, Ok
}
