package vm

import (
	"sync"

	"riscvkern/src/caller"
	"riscvkern/src/defs"
	"riscvkern/src/util"
)

// Layout constants for the simulated machine. Real boot/linker setup is
// out of scope; these values give the walk, the loader, and the fault
// handler a concrete address map to agree on.
const (
	RAM_START = 0x80000000
	RAM_END   = RAM_START + 128*1024*1024

	USER_START_VMA = 0x10000000
	USER_END_VMA   = 0x20000000
	USER_STACK_VMA = USER_END_VMA - PageSize
)

// rwxFlags permission bits, reused by callers building rwxug_flags.
const (
	PermR = PTE_R
	PermW = PTE_W
	PermX = PTE_X
	PermU = PTE_U
	PermG = PTE_G
)

// Vm_t is a process's address space: the physical page pool it draws
// from, its root page table, and the mtag that names it.
type Vm_t struct {
	mu   sync.Mutex
	pm   *Physmem_t
	mtag Mtag_t
}

// NewAddressSpace allocates a fresh, empty root page table and wraps it
// in a Vm_t tagged with asid.
func NewAddressSpace(pm *Physmem_t, asid uint16) *Vm_t {
	root := pm.AllocPage()
	return &Vm_t{pm: pm, mtag: MkMtag(asid, PPN(root))}
}

// Mtag returns the address space's installable tag.
func (as *Vm_t) Mtag() Mtag_t { return as.mtag }

func (as *Vm_t) root() Pa_t { return as.mtag.RootPa() }

// wellformedVma requires bits 63:38 to be all 0 or all 1, matching the
// sign-extension a real Sv39 MMU requires of every virtual address.
func wellformedVma(va uint64) bool {
	bits := int64(va) >> 38
	return bits == 0 || bits == -1
}

func aligned(addr uint64, blksz uint64) bool { return addr%blksz == 0 }

func roundDown(addr, blksz uint64) uint64 { return util.Rounddown(addr, blksz) }
func roundUp(addr, blksz uint64) uint64   { return util.Roundup(addr, blksz) }

// WalkPt walks the page table rooted at root to find the PTE mapping va.
// With create set, missing intermediate tables are allocated along the
// way; without it, a missing mapping yields (nil, 0) rather than an
// error, matching the non-exceptional "not present" case callers expect.
// A leaf encountered above level 0 is malformed and reported as EFAULT.
// walk never promotes to a mega/gigapage mapping.
func (pm *Physmem_t) WalkPt(root Pa_t, va uint64, create bool) (*Pte_t, defs.Err_t) {
	pt := pm.Ptes(root)
	for level := 2; level > 0; level-- {
		idx := vpn(va, level)
		e := &pt[idx]
		if e.IsValid() {
			if e.IsLeaf() {
				return nil, defs.EFAULT
			}
			pt = pm.Ptes(PageOf(e.PPN()))
		} else if create {
			npa := pm.AllocPage()
			*e = ptabPte(PPN(npa), 0)
			pt = pm.Ptes(npa)
		} else {
			return nil, 0
		}
	}
	idx := vpn(va, 0)
	return &pt[idx], 0
}

func (as *Vm_t) walk(va uint64, create bool) (*Pte_t, defs.Err_t) {
	return as.pm.WalkPt(as.root(), va, create)
}

// AllocAndMapPage allocates one physical page and installs a leaf
// mapping for the page-aligned, well-formed virtual address vma with the
// given permission/user/global flags.
func (as *Vm_t) AllocAndMapPage(vma uint64, rwxugFlags uint8) (uint64, defs.Err_t) {
	if !wellformedVma(vma) || !aligned(vma, PageSize) {
		return 0, defs.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	pa, ok := as.pm.TryAllocPage()
	if !ok {
		return 0, defs.ENOMEM
	}
	pte, err := as.walk(vma, true)
	if err != 0 || pte == nil {
		as.pm.FreePage(pa)
		if err == 0 {
			err = defs.ENOMEM
		}
		return 0, err
	}
	*pte = leafPte(PPN(pa), rwxugFlags)
	SfenceVma()
	return vma, 0
}

// AllocAndMapRange rounds [vma, vma+size) to page boundaries and maps
// every page in the range. On any failure it rolls back by freeing and
// unmapping every page it had already installed, tracking the physical
// pages themselves rather than the virtual addresses they were mapped
// at (a mapped virtual address is not a physical page to free).
func (as *Vm_t) AllocAndMapRange(vma uint64, size uint64, rwxugFlags uint8) (uint64, defs.Err_t) {
	start := roundDown(vma, PageSize)
	end := roundUp(vma+size, PageSize)
	npages := (end - start) / PageSize

	var mapped []uint64
	for i := uint64(0); i < npages; i++ {
		cur := start + i*PageSize
		if _, err := as.AllocAndMapPage(cur, rwxugFlags); err != 0 {
			for _, rollback := range mapped {
				as.unmapAndFreeOne(rollback)
			}
			return 0, err
		}
		mapped = append(mapped, cur)
	}
	return start, 0
}

// CopyOut copies src into the address space starting at virtual address
// vaddr, crossing page boundaries as needed. Every page touched must
// already be mapped; the ELF loader calls this only after
// AllocAndMapRange has installed the destination, and the syscall layer
// only after ValidateVptrLen has checked it.
func (as *Vm_t) CopyOut(vaddr uint64, src []byte) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	for len(src) > 0 {
		pageVa := roundDown(vaddr, PageSize)
		off := vaddr - pageVa
		pte, err := as.walk(pageVa, false)
		if err != 0 || pte == nil || !pte.IsValid() {
			return defs.EFAULT
		}
		page, err := as.pm.Bytes(PageOf(pte.PPN()))
		if err != 0 {
			return err
		}
		n := copy(page[off:], src)
		src = src[n:]
		vaddr += uint64(n)
	}
	return 0
}

// CopyIn copies len(dst) bytes out of the address space starting at
// virtual address vaddr into dst, the mirror of CopyOut used by syscalls
// that read a validated user buffer into a kernel-side slice.
func (as *Vm_t) CopyIn(vaddr uint64, dst []byte) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	for len(dst) > 0 {
		pageVa := roundDown(vaddr, PageSize)
		off := vaddr - pageVa
		pte, err := as.walk(pageVa, false)
		if err != 0 || pte == nil || !pte.IsValid() {
			return defs.EFAULT
		}
		page, err := as.pm.Bytes(PageOf(pte.PPN()))
		if err != 0 {
			return err
		}
		n := copy(dst, page[off:])
		dst = dst[n:]
		vaddr += uint64(n)
	}
	return 0
}

// ReadCString reads a NUL-terminated string starting at vs, stopping at
// maxLen bytes. Callers must have already validated the range with
// ValidateVstr; an unmapped page encountered here is reported as EFAULT
// rather than trusted blindly.
func (as *Vm_t) ReadCString(vs uint64, maxLen int) (string, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	buf := make([]byte, 0, 64)
	cur := vs
	for len(buf) < maxLen {
		pageVa := roundDown(cur, PageSize)
		off := cur - pageVa
		pte, err := as.walk(pageVa, false)
		if err != 0 || pte == nil || !pte.IsValid() {
			return "", defs.EFAULT
		}
		page, err := as.pm.Bytes(PageOf(pte.PPN()))
		if err != 0 {
			return "", err
		}
		b := page[off]
		if b == 0 {
			return string(buf), 0
		}
		buf = append(buf, b)
		cur++
	}
	return string(buf), 0
}

// ZeroRange zeroes n bytes of already-mapped memory starting at vaddr,
// used to clear the bss-like tail of a segment where p_memsz exceeds
// p_filesz.
func (as *Vm_t) ZeroRange(vaddr uint64, n uint64) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	for n > 0 {
		pageVa := roundDown(vaddr, PageSize)
		off := vaddr - pageVa
		pte, err := as.walk(pageVa, false)
		if err != 0 || pte == nil || !pte.IsValid() {
			return defs.EFAULT
		}
		page, err := as.pm.Bytes(PageOf(pte.PPN()))
		if err != 0 {
			return err
		}
		avail := uint64(PageSize) - off
		this := n
		if this > avail {
			this = avail
		}
		for i := uint64(0); i < this; i++ {
			page[off+i] = 0
		}
		vaddr += this
		n -= this
	}
	return 0
}

// unmapAndFreeOne frees the physical page backing va, if any, and clears
// its PTE so the address space no longer claims the mapping.
func (as *Vm_t) unmapAndFreeOne(va uint64) {
	pte, err := as.walk(va, false)
	if err != 0 || pte == nil || !pte.IsValid() {
		return
	}
	if pte.IsLeaf() {
		as.pm.FreePage(PageOf(pte.PPN()))
	}
	*pte = 0
}

// SetRangeFlags walks every page in [vp, vp+size) and overwrites its
// flag byte, preserving A, D and V.
func (as *Vm_t) SetRangeFlags(vp uint64, size uint64, rwxugFlags uint8) defs.Err_t {
	start := roundDown(vp, PageSize)
	end := roundUp(vp+size, PageSize)
	as.mu.Lock()
	defer as.mu.Unlock()
	for cur := start; cur < end; cur += PageSize {
		pte, err := as.walk(cur, false)
		if err != 0 || pte == nil || !pte.IsValid() {
			continue
		}
		preserved := pte.Flags() & (PTE_A | PTE_D | PTE_V)
		*pte = Pte_t(preserved|rwxugFlags) | Pte_t(pte.PPN())<<ppnShift
	}
	SfenceVma()
	return 0
}

// ValidateVptrLen checks that every page in [vp, vp+len) is mapped and
// carries at least the requested permission flags.
func (as *Vm_t) ValidateVptrLen(vp uint64, length uint64, rwxugFlags uint8) defs.Err_t {
	if !wellformedVma(vp) || length == 0 {
		return defs.EFAULT
	}
	start := roundDown(vp, PageSize)
	end := roundUp(vp+length, PageSize)
	as.mu.Lock()
	defer as.mu.Unlock()
	for cur := start; cur < end; cur += PageSize {
		pte, err := as.walk(cur, false)
		if err != 0 || pte == nil || !pte.IsValid() {
			return defs.EFAULT
		}
		if pte.Flags()&rwxugFlags != rwxugFlags {
			return defs.EFAULT
		}
	}
	return 0
}

// ValidateVstr checks that a NUL-terminated string starting at vs is
// entirely mapped with the required flags before the kernel dereferences
// it, one page at a time so it never reads past an unmapped boundary.
func (as *Vm_t) ValidateVstr(vs uint64, ugFlags uint8, readByte func(va uint64) uint8) defs.Err_t {
	if !wellformedVma(vs) {
		return defs.EFAULT
	}
	cur := vs
	for {
		pageStart := roundDown(cur, PageSize)
		pte, err := as.walk(pageStart, false)
		if err != 0 || pte == nil || !pte.IsValid() {
			return defs.EFAULT
		}
		if pte.Flags()&ugFlags != ugFlags {
			return defs.EFAULT
		}
		if readByte(cur) == 0 {
			return 0
		}
		cur++
	}
}

// ReadByteAt reads a single mapped byte at va, for use as the readByte
// callback ValidateVstr invokes once it has already confirmed va's page
// carries the required permissions.
func (as *Vm_t) ReadByteAt(va uint64) uint8 {
	as.mu.Lock()
	defer as.mu.Unlock()
	pageVa := roundDown(va, PageSize)
	pte, err := as.walk(pageVa, false)
	if err != 0 || pte == nil || !pte.IsValid() {
		return 0
	}
	page, err := as.pm.Bytes(PageOf(pte.PPN()))
	if err != 0 {
		return 0
	}
	return page[va-pageVa]
}

// HandlePageFault demand-allocates a zeroed, R|W|U page for a faulting
// address inside the user region. Any fault outside that region is a
// fatal kernel condition rather than something to recover from. The
// address is rounded down to its page; its alignment is not checked.
func (as *Vm_t) HandlePageFault(vptr uint64) defs.Err_t {
	va := roundDown(vptr, PageSize)
	if va < USER_START_VMA || va >= USER_END_VMA {
		panic("page fault in invalid address space\n" + caller.Dump(1))
	}
	if _, err := as.AllocAndMapPage(va, PTE_R|PTE_W|PTE_U); err != 0 {
		panic("page fault: memory allocation failed\n" + caller.Dump(1))
	}
	SfenceVma()
	return 0
}

// Clone duplicates the current address space: global (kernel/MMIO)
// mappings are shared by copying the root table's G-flagged level-2
// entries, while every mapped user page is deep-copied into a freshly
// allocated physical page so parent and child never alias user memory.
func (as *Vm_t) Clone(asid uint16) (*Vm_t, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()

	childRootPa := as.pm.AllocPage()
	childRoot := as.pm.Ptes(childRootPa)
	parentRoot := as.pm.Ptes(as.root())

	for i := 0; i < PteCnt; i++ {
		if parentRoot[i].Flags()&PTE_G != 0 {
			childRoot[i] = parentRoot[i]
		}
	}

	child := &Vm_t{pm: as.pm, mtag: MkMtag(asid, PPN(childRootPa))}

	for va := uint64(USER_START_VMA); va < USER_END_VMA; va += PageSize {
		ppte, err := as.walk(va, false)
		if err != 0 || ppte == nil || !ppte.IsValid() {
			continue
		}
		cpte, err := child.walk(va, true)
		if err != 0 || cpte == nil {
			return nil, defs.ENOMEM
		}
		cpa, ok := as.pm.TryAllocPage()
		if !ok {
			return nil, defs.ENOMEM
		}
		parentPage, _ := as.pm.Bytes(PageOf(ppte.PPN()))
		childPage, _ := as.pm.Bytes(cpa)
		copy(childPage, parentPage)
		*cpte = Pte_t(ppte.Flags()) | Pte_t(PPN(cpa))<<ppnShift
	}
	return child, 0
}

// Reclaim walks the user region bottom-up, freeing every mapped user
// page and then, once a level-1 or level-0 table is left with no valid
// entries, the table page itself. The source kernel this was modeled on
// only frees leaf pages and leaks every intermediate table; walking
// bottom-up and freeing emptied tables closes that leak.
func (as *Vm_t) Reclaim() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.reclaimLevel(as.root(), 2, 0)
}

// reclaimLevel recurses from level down to 0, freeing leaf pages whose
// PTE is not global and, on the way back up, any table page left with no
// remaining valid entries. base is the virtual address this table's
// entry 0 covers.
func (as *Vm_t) reclaimLevel(tablePa Pa_t, level int, base uint64) (emptied bool) {
	table := as.pm.Ptes(tablePa)
	span := uint64(PageSize) << (9 * uint(level))
	anyLive := false
	for i := 0; i < PteCnt; i++ {
		e := &table[i]
		if !e.IsValid() {
			continue
		}
		if e.Flags()&PTE_G != 0 {
			anyLive = true
			continue
		}
		childBase := base + uint64(i)*span
		if level == 0 {
			if childBase >= USER_START_VMA && childBase < USER_END_VMA {
				as.pm.FreePage(PageOf(e.PPN()))
				*e = 0
				continue
			}
			anyLive = true
			continue
		}
		if e.IsLeaf() {
			anyLive = true
			continue
		}
		childPa := PageOf(e.PPN())
		if as.reclaimLevel(childPa, level-1, childBase) {
			as.pm.FreePage(childPa)
			*e = 0
		} else {
			anyLive = true
		}
	}
	return !anyLive
}
