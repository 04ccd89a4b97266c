package proc

import (
	"riscvkern/src/defs"
	"riscvkern/src/elf"
	"riscvkern/src/vm"
)

// Exec replaces the calling process's image: the caller's fd table
// entry for the executable is cleared (ownership transfers in), the
// entire user region is unmapped and freed, the ELF loader maps in the
// new program, and the returned entry address becomes where the
// process's thread resumes "in user mode" — represented here by the
// caller-supplied resume function, since this kernel has no user-mode
// RISC-V interpreter of its own. On success Exec maps the stack page,
// calls resume (when non-nil) with the entry address, and then returns
// 0 and elf.Ok to its own caller once resume has returned.
// stage, the raw elf.Stage diagnostic (elf.Ok on success), is returned
// alongside the Err_t a real syscall return register would carry so
// callers that need to tell "bad ELF" apart from "bad fd" can.
func (tb *Table_t) Exec(p *Process_t, fd int, resume func(entry uint64)) (err defs.Err_t, stage elf.Stage) {
	p.mu.Lock()
	if fd < 0 || fd >= defs.PROCESS_IOMAX || p.iotab[fd] == nil {
		p.mu.Unlock()
		return defs.EBADFD, elf.Ok
	}
	ref := p.iotab[fd]
	p.iotab[fd] = nil
	p.mu.Unlock()

	io := ref.Io
	p.as.Reclaim()

	entry, ldStage := elf.Load(io, p.as)
	ref.Down()
	if ldStage != elf.Ok {
		return defs.EINVAL, ldStage
	}
	if entry < vm.USER_START_VMA || entry >= vm.USER_END_VMA {
		return defs.EINVAL, elf.Ok
	}

	// Map the stack page up front rather than leaving it to the first
	// demand fault: the entry point's caller expects a usable stack
	// already in place at USER_STACK_VMA.
	if _, err := p.as.AllocAndMapPage(vm.USER_STACK_VMA, vm.PermR|vm.PermW|vm.PermU); err != 0 {
		return defs.ENOMEM, elf.Ok
	}

	if resume != nil {
		resume(entry)
	}
	return 0, elf.Ok
}
