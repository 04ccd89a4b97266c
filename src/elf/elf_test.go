package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"riscvkern/src/ioh"
	"riscvkern/src/vm"
)

// buildImage assembles a minimal one-segment ET_EXEC RV64 image: a
// 64-byte ehdr, one phdr describing a single PT_LOAD segment, and the
// segment's file contents, laid out back to back exactly as phoff and
// the segment's offset claim.
func buildImage(t *testing.T, entry, vaddr uint64, filesz, memsz uint64, flags uint32, code []byte) []byte {
	t.Helper()

	const phoff = ehdrSize
	const segOff = phoff + phdrSize

	hdr := ehdr_t{
		Type:      etExec,
		Machine:   emRiscv,
		Entry:     entry,
		Phoff:     phoff,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     1,
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = elfMag0, elfMag1, elfMag2, elfMag3
	hdr.Ident[5] = elfData2LSB

	ph := phdr_t{
		Type:   ptLoad,
		Flags:  flags,
		Offset: segOff,
		Vaddr:  vaddr,
		Filesz: filesz,
		Memsz:  memsz,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, &ph)
	buf.Write(code)
	return buf.Bytes()
}

func newVm(t *testing.T) *vm.Vm_t {
	t.Helper()
	pm := vm.NewPhysmem(256)
	return vm.NewAddressSpace(pm, 1)
}

const testVaddr = vm.USER_START_VMA + 0x1000

func TestLoadMapsSegmentAndReturnsEntry(t *testing.T) {
	code := bytes.Repeat([]byte{0x42}, 0x800)
	img := buildImage(t, testVaddr, testVaddr, 0x800, 0x1000, pfR|pfX, code)
	as := newVm(t)

	entry, stage := Load(ioh.NewMembuf(img), as)
	if stage != Ok {
		t.Fatalf("Load stage = %d, want Ok", stage)
	}
	if entry != testVaddr {
		t.Fatalf("entry = %#x, want %#x", entry, testVaddr)
	}

	if err := as.ValidateVptrLen(testVaddr, 0x800, vm.PermR|vm.PermX|vm.PermU); err != 0 {
		t.Fatalf("segment not mapped R|X|U: %v", err)
	}

	// bss tail beyond filesz must read as zero.
	var dst [16]byte
	if err := as.CopyIn(testVaddr+0x900, dst[:]); err != 0 {
		t.Fatalf("CopyIn bss tail: %v", err)
	}
	for i, b := range dst {
		if b != 0 {
			t.Fatalf("bss byte %d = %#x, want 0", i, b)
		}
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	img := buildImage(t, testVaddr, testVaddr, 0x10, 0x1000, pfR, make([]byte, 0x10))
	img[0] = 0x00 // corrupt magic
	_, stage := Load(ioh.NewMembuf(img), newVm(t))
	if stage != ErrBadMagic {
		t.Fatalf("stage = %d, want ErrBadMagic", stage)
	}
}

func TestLoadRejectsSegmentOutsideUserRegion(t *testing.T) {
	// Below USER_START_VMA but still clear of the stack-overlap check,
	// so this specifically exercises the PT_LOAD lower-bound test.
	below := uint64(vm.USER_START_VMA - vm.PageSize)
	img := buildImage(t, below, below, 0x10, vm.PageSize, pfR, make([]byte, 0x10))
	_, stage := Load(ioh.NewMembuf(img), newVm(t))
	if stage != ErrSegmentBounds {
		t.Fatalf("stage = %d, want ErrSegmentBounds", stage)
	}
}

func TestLoadRejectsSegmentOverlappingStack(t *testing.T) {
	img := buildImage(t, vm.USER_STACK_VMA, vm.USER_STACK_VMA, 0x10, vm.PageSize, pfR, make([]byte, 0x10))
	_, stage := Load(ioh.NewMembuf(img), newVm(t))
	if stage != ErrOverlapsStack {
		t.Fatalf("stage = %d, want ErrOverlapsStack", stage)
	}
}
