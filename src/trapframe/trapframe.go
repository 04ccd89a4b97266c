// Package trapframe describes the saved register state a trap delivers
// to the kernel: x[0..31] plus sepc. The assembly that actually saves
// and restores this state on entry/exit from S-mode is out of scope;
// this type is the ABI the syscall dispatcher (package proc) and the
// omitted TrapDispatcher collaborator agree on.
package trapframe

// Register indices into X, matching the RISC-V calling convention.
const (
	A0 = 10
	A1 = 11
	A2 = 12
	A3 = 13
	A4 = 14
	A5 = 15
	A6 = 16
	A7 = 17
)

// T is one trap frame: the 32 general-purpose registers plus the
// supervisor exception PC the hart was executing when the trap fired.
type T struct {
	X    [32]uint64
	Sepc uint64
}

// Arg returns trap-frame register a<n> (0..6), the syscall argument
// slots named in the external interface.
func (t *T) Arg(n int) uint64 { return t.X[A0+n] }

// SetReturn places a syscall's i64 result into a0, the register the
// caller reads its return value from.
func (t *T) SetReturn(v int64) { t.X[A0] = uint64(v) }

// Syscall returns the call number the dispatcher switches on, carried
// in a7.
func (t *T) Syscall() uint64 { return t.X[A7] }

// AdvancePast4ByteEcall advances sepc past the ecall instruction that
// trapped into the kernel, so the faulting instruction is not re-executed
// on return. Every documented ecall in this ISA is 4 bytes (RVC does not
// encode ecall), so the advance is unconditional.
func (t *T) AdvancePast4ByteEcall() { t.Sepc += 4 }
