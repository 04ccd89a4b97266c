package vm

import (
	"sync"
	"unsafe"

	"riscvkern/src/caller"
	"riscvkern/src/defs"
	"riscvkern/src/util"
)

// Pa_t is a physical address: a byte offset into the simulated RAM arena
// owned by a Physmem_t. There is no real hart or DRAM controller behind
// this simulation, so "physical address" here means an index into the
// Go-allocated byte slice standing in for RAM_START..RAM_END.
type Pa_t uint64

// noFree marks the end of the free list, mirroring a NULL next pointer.
const noFree = ^Pa_t(0)

// Physmem_t is the kernel's page pool: a singly linked free list threaded
// through the free pages themselves, consumed LIFO, exactly as described
// for the managed RAM region. Allocation panics on exhaustion; there is
// no swap.
type Physmem_t struct {
	mu       sync.Mutex
	ram      []byte
	freeHead Pa_t
	npages   int
}

// NewPhysmem allocates a simulated RAM region of npages pages and threads
// every page onto the free list.
func NewPhysmem(npages int) *Physmem_t {
	pm := &Physmem_t{
		ram:      make([]byte, npages*PageSize),
		freeHead: noFree,
		npages:   npages,
	}
	for i := npages - 1; i >= 0; i-- {
		pm.pushFreeLocked(Pa_t(i * PageSize))
	}
	return pm
}

func (pm *Physmem_t) pushFreeLocked(pa Pa_t) {
	util.Writen(pm.page(pa), 8, 0, int(pm.freeHead))
	pm.freeHead = pa
}

// AllocPage returns the head of the free list, zeroed, and removes it
// from the list. It panics if the free list is exhausted: the kernel
// this models has no swap to fall back to.
func (pm *Physmem_t) AllocPage() Pa_t {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.freeHead == noFree {
		panic("no free pages in free_list: AllocPage\n" + caller.Dump(1))
	}
	pa := pm.freeHead
	next := Pa_t(util.Readn(pm.page(pa), 8, 0))
	pm.freeHead = next
	page := pm.page(pa)
	for i := range page {
		page[i] = 0
	}
	return pa
}

// TryAllocPage is AllocPage without the panic, for callers
// (AllocAndMapPage, Clone) that report ENOMEM instead of halting.
func (pm *Physmem_t) TryAllocPage() (Pa_t, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.freeHead == noFree {
		return 0, false
	}
	pa := pm.freeHead
	next := Pa_t(util.Readn(pm.page(pa), 8, 0))
	pm.freeHead = next
	page := pm.page(pa)
	for i := range page {
		page[i] = 0
	}
	return pa, true
}

// FreePage zeros pa and pushes it back onto the free list. pa must be
// page-aligned and within the managed region.
func (pm *Physmem_t) FreePage(pa Pa_t) {
	if uint64(pa)%PageSize != 0 || uint64(pa) >= uint64(pm.npages*PageSize) {
		panic("invalid page address provided in FreePage\n" + caller.Dump(1))
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	page := pm.page(pa)
	for i := range page {
		page[i] = 0
	}
	pm.pushFreeLocked(pa)
}

// page returns the raw byte view of the page at pa, unchecked.
func (pm *Physmem_t) page(pa Pa_t) []byte {
	return pm.ram[pa : uint64(pa)+PageSize]
}

// Bytes is the exported, bounds-checked counterpart of page, used by
// the address-space copy routines and tests to read/write a page's
// contents.
func (pm *Physmem_t) Bytes(pa Pa_t) ([]byte, defs.Err_t) {
	if uint64(pa)%PageSize != 0 || uint64(pa) >= uint64(pm.npages*PageSize) {
		return nil, defs.EFAULT
	}
	return pm.page(pa), 0
}

// Ptes reinterprets the page at pa as an array of 512 page table entries,
// the Go-idiomatic analogue of casting a page pointer to struct pte*.
func (pm *Physmem_t) Ptes(pa Pa_t) *[PteCnt]Pte_t {
	return (*[PteCnt]Pte_t)(unsafe.Pointer(&pm.ram[pa]))
}

// PPN converts a physical address to its page number.
func PPN(pa Pa_t) uint64 { return uint64(pa) >> PageShift }

// PageOf converts a page number back to a physical address.
func PageOf(ppn uint64) Pa_t { return Pa_t(ppn << PageShift) }
