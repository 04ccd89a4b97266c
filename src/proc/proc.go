// Package proc implements the process table, fork/exec/exit/wait, the
// per-process fd table, and the syscall dispatcher that ties the
// memory manager, filesystem, device table and ELF loader together
// into the kernel's user-facing surface.
package proc

import (
	"sync"

	"riscvkern/src/defs"
	"riscvkern/src/device"
	"riscvkern/src/fs"
	"riscvkern/src/ioh"
	"riscvkern/src/sched"
	"riscvkern/src/vm"
)

// Process_t is one process-table slot: an address space, a flat fd
// table of owned I/O handle references, and the signal state delivered
// to it on the way back from a syscall. The design holds at most one
// thread per process, so tid doubles as the process's only thread.
type Process_t struct {
	mu sync.Mutex

	id     defs.Pid_t
	tid    defs.Tid_t
	as     *vm.Vm_t
	parent defs.Pid_t

	iotab [defs.PROCESS_IOMAX]*ioh.Ref_t

	pendingSignals uint64
	blockedSignals uint64
	sigHandler     [defs.NSIG]int64
	sigCallback    [defs.NSIG]func(sig int)

	zombie     bool
	exitStatus int
	done       chan struct{}

	thread *sched.Thread_t
}

// Id returns the process's table slot / pid.
func (p *Process_t) Id() defs.Pid_t { return p.id }

// Tid returns the process's (only) thread id.
func (p *Process_t) Tid() defs.Tid_t { return p.tid }

// As returns the process's address space, for callers (the page-fault
// path, test fixtures) that need to touch it directly.
func (p *Process_t) As() *vm.Vm_t { return p.as }

// Table_t is the global process table: NPROC fixed slots, the shared
// singletons every process syscall ultimately bottoms out in, and the
// asid counter fork uses to tag cloned address spaces.
type Table_t struct {
	mu       sync.Mutex
	procs    [defs.NPROC]*Process_t
	nextAsid uint16
	anyExit  *sched.Cond_t

	pm      *vm.Physmem_t
	fsys    *fs.Filesystem_t
	devices *device.Table_t
}

const mainPid defs.Pid_t = 0

// NewTable builds an empty process table bound to the kernel's
// singleton page pool, mounted filesystem and device table.
func NewTable(pm *vm.Physmem_t, fsys *fs.Filesystem_t, devices *device.Table_t) *Table_t {
	return &Table_t{pm: pm, fsys: fsys, devices: devices, anyExit: sched.NewCond()}
}

// InitMain registers the kernel's own thread as process 0, inheriting
// the address space it's already running in (procmgr_init in the
// source design). It must be called exactly once, before any fork.
func (tb *Table_t) InitMain(as *vm.Vm_t) *Process_t {
	// The main process's thread is whichever goroutine is calling us; it
	// was not created through Fork's sched.Spawn, so it gets a nominal
	// tid rather than one minted by the thread layer. thread stays nil:
	// there is nothing for Exit to unwind through here, since the caller
	// of InitMain owns this goroutine, not proc.
	p := &Process_t{id: mainPid, tid: 0, as: as, parent: -1, done: make(chan struct{})}
	tb.mu.Lock()
	tb.procs[mainPid] = p
	tb.mu.Unlock()
	return p
}

func (tb *Table_t) findFreeSlotLocked() (defs.Pid_t, defs.Err_t) {
	for i := range tb.procs {
		if tb.procs[i] == nil {
			return defs.Pid_t(i), 0
		}
	}
	return 0, defs.EMFILE
}

// ByPid looks up a live process table slot.
func (tb *Table_t) ByPid(pid defs.Pid_t) *Process_t {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if pid < 0 || int(pid) >= len(tb.procs) {
		return nil
	}
	return tb.procs[pid]
}

// Fork creates a child process: a cloned address space, a duplicated
// (refcounted) fd table, and a fresh kernel thread. body stands in for
// "resume in user mode at the parent's pc with a0 forced to 0" — this
// kernel has no user-mode RISC-V interpreter, so the child's path back
// into "user code" is the Go closure the caller supplies, run on its
// own goroutine exactly as any other kernel thread body. If cloning the
// address space fails, the reserved slot is released (no fd reference
// has been taken yet) and the parent sees the failure, not a forked
// child; sched.Spawn itself has no failure path.
func (tb *Table_t) Fork(parent *Process_t, body func(child *Process_t)) (defs.Pid_t, defs.Err_t) {
	tb.mu.Lock()
	slot, err := tb.findFreeSlotLocked()
	if err != 0 {
		tb.mu.Unlock()
		return 0, err
	}
	tb.nextAsid++
	asid := tb.nextAsid
	// Reserve the slot with a placeholder that can't be mistaken for
	// anyone's child or a joinable thread while the real child is built.
	tb.procs[slot] = &Process_t{id: slot, parent: -2, tid: -1}
	tb.mu.Unlock()

	childAs, err := parent.as.Clone(asid)
	if err != 0 {
		tb.mu.Lock()
		tb.procs[slot] = nil
		tb.mu.Unlock()
		return 0, err
	}

	parent.mu.Lock()
	child := &Process_t{id: slot, as: childAs, parent: parent.id, done: make(chan struct{})}
	for i, ref := range parent.iotab {
		if ref != nil {
			ref.Up()
			child.iotab[i] = ref
		}
	}
	parent.mu.Unlock()

	thread := sched.Spawn(sched.Run(func() {
		if body != nil {
			body(child)
		}
	}))
	child.tid = thread.Tid
	child.thread = thread

	tb.mu.Lock()
	tb.procs[slot] = child
	tb.mu.Unlock()

	return slot, 0
}

// Exit reclaims the calling process's address space, closes every open
// fd, records the exit status for a future wait(), and terminates the
// process's kernel thread. It does not return, matching thread_exit's
// no-return contract.
func (tb *Table_t) Exit(p *Process_t, status int) {
	p.as.Reclaim()

	p.mu.Lock()
	for i, ref := range p.iotab {
		if ref != nil {
			ref.Down()
			p.iotab[i] = nil
		}
	}
	p.zombie = true
	p.exitStatus = status
	close(p.done)
	p.mu.Unlock()

	tb.anyExit.Broadcast()

	if p.thread != nil {
		p.thread.Exit()
	}
}

// Terminate implements signal(SIGKILL)'s immediate-termination
// semantics: if the target is the caller, it's an ordinary exit;
// otherwise (cross-process kill) there is no other kernel thread to
// unwind from here, so the zombie state is recorded directly, mirroring
// process_terminate's documented (and in the source, unfinished)
// non-current-process path.
func (tb *Table_t) Terminate(caller, target *Process_t) {
	if target == caller {
		tb.Exit(caller, -int(defs.SIGKILL))
		return
	}
	target.mu.Lock()
	if target.zombie {
		target.mu.Unlock()
		return
	}
	target.zombie = true
	target.exitStatus = -int(defs.SIGKILL)
	close(target.done)
	target.mu.Unlock()
	tb.anyExit.Broadcast()
}

// Wait blocks the caller until the requested thread exits, reaping its
// process-table slot and returning its exit status. tid==0 waits for
// any child of the caller; a nonzero tid joins that specific thread,
// which need not be a child.
func (tb *Table_t) Wait(caller *Process_t, tid defs.Tid_t) (status int, pid defs.Pid_t, err defs.Err_t) {
	if tid != 0 {
		target := tb.findByTid(tid)
		if target == nil {
			return 0, 0, defs.EINVAL
		}
		<-target.done
		return tb.reap(target)
	}

	for {
		if child, ok := tb.findZombieChild(caller.id); ok {
			return tb.reap(child)
		}
		if !tb.hasAnyChild(caller.id) {
			return 0, 0, defs.EINVAL
		}
		tb.anyExit.Wait(func() bool {
			_, ok := tb.findZombieChild(caller.id)
			return ok || !tb.hasAnyChild(caller.id)
		})
	}
}

func (tb *Table_t) findByTid(tid defs.Tid_t) *Process_t {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, p := range tb.procs {
		if p != nil && p.tid == tid {
			return p
		}
	}
	return nil
}

func (tb *Table_t) findZombieChild(parent defs.Pid_t) (*Process_t, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, p := range tb.procs {
		if p == nil || p.parent != parent {
			continue
		}
		p.mu.Lock()
		z := p.zombie
		p.mu.Unlock()
		if z {
			return p, true
		}
	}
	return nil, false
}

func (tb *Table_t) hasAnyChild(parent defs.Pid_t) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, p := range tb.procs {
		if p != nil && p.parent == parent {
			return true
		}
	}
	return false
}

func (tb *Table_t) reap(p *Process_t) (status int, pid defs.Pid_t, err defs.Err_t) {
	p.mu.Lock()
	status = p.exitStatus
	pid = p.id
	p.mu.Unlock()

	tb.mu.Lock()
	tb.procs[p.id] = nil
	tb.mu.Unlock()
	return status, pid, 0
}

// TimerFreq is the simulated timer's tick rate, used only to convert
// usleep's microsecond argument into the tick count the real alarm
// primitive would be armed with.
const TimerFreq = 1_000_000

// Usleep converts microseconds to timer ticks (a no-op conversion at
// this kernel's 1 MHz simulated tick rate) and blocks the calling
// thread for that long. There is no real timer interrupt here, so a
// wall-clock sleep stands in for alarm_sleep.
func Usleep(us uint64) defs.Err_t {
	if us == 0 {
		return defs.EINVAL
	}
	ticks := us * TimerFreq / 1_000_000
	sleepTicks(ticks)
	return 0
}
