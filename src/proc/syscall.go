package proc

import (
	"riscvkern/src/defs"
	"riscvkern/src/ioh"
	"riscvkern/src/trapframe"
	"riscvkern/src/ustr"
	"riscvkern/src/vm"
)

const maxNameLen = 256

// HandleTrap plays the role of the omitted TrapDispatcher's syscall
// path: it advances sepc past the ecall, dispatches on a7, writes the
// result into a0, and runs signal delivery before returning, exactly
// the order syscall_handler followed in the source design.
func (tb *Table_t) HandleTrap(p *Process_t, tf *trapframe.T) {
	tf.AdvancePast4ByteEcall()
	tf.SetReturn(int64(tb.dispatch(p, tf)))
	tb.signalDeliver(p)
}

func (tb *Table_t) dispatch(p *Process_t, tf *trapframe.T) int64 {
	switch tf.Syscall() {
	case defs.SYS_EXIT:
		tb.Exit(p, int(tf.Arg(0)))
		return 0 // unreached: Exit does not return
	case defs.SYS_MSGOUT:
		return int64(tb.sysMsgout(p, tf.Arg(0)))
	case defs.SYS_DEVOPEN:
		return int64(tb.sysDevopen(p, int(tf.Arg(0)), tf.Arg(1), int(tf.Arg(2))))
	case defs.SYS_FSOPEN:
		return int64(tb.sysFsopen(p, int(tf.Arg(0)), tf.Arg(1)))
	case defs.SYS_CLOSE:
		return int64(tb.sysClose(p, int(tf.Arg(0))))
	case defs.SYS_READ:
		return tb.sysRead(p, int(tf.Arg(0)), tf.Arg(1), int(tf.Arg(2)))
	case defs.SYS_WRITE:
		return tb.sysWrite(p, int(tf.Arg(0)), tf.Arg(1), int(tf.Arg(2)))
	case defs.SYS_IOCTL:
		return tb.sysIoctl(p, int(tf.Arg(0)), int(tf.Arg(1)), tf.Arg(2))
	case defs.SYS_EXEC:
		err, _ := tb.Exec(p, int(tf.Arg(0)), nil)
		return int64(err)
	case defs.SYS_FORK:
		pid, err := tb.Fork(p, nil)
		if err != 0 {
			return int64(err)
		}
		return int64(pid)
	case defs.SYS_USLEEP:
		return int64(Usleep(tf.Arg(0)))
	case defs.SYS_WAIT:
		_, pid, err := tb.Wait(p, defs.Tid_t(tf.Arg(0)))
		if err != 0 {
			return int64(err)
		}
		return int64(pid)
	case defs.SYS_PROGNAMES:
		return int64(tb.sysPrognames(p, tf.Arg(0)))
	case defs.SYS_NUMPROGS:
		return int64(tb.sysNumprogs(p, tf.Arg(0)))
	case defs.SYS_PROCS:
		return int64(tb.sysProcs(p, tf.Arg(0), tf.Arg(1)))
	case defs.SYS_SIGNAL:
		return int64(tb.Signal(p, defs.Pid_t(tf.Arg(0)), int(tf.Arg(1))))
	default:
		return int64(defs.EINVAL)
	}
}

func checkFd(p *Process_t, fd int) (*ioh.Ref_t, defs.Err_t) {
	if fd < 0 || fd >= defs.PROCESS_IOMAX {
		return nil, defs.EMFILE
	}
	p.mu.Lock()
	ref := p.iotab[fd]
	p.mu.Unlock()
	if ref == nil {
		return nil, defs.EBADFD
	}
	return ref, 0
}

func (tb *Table_t) sysMsgout(p *Process_t, msgPtr uint64) defs.Err_t {
	if err := p.as.ValidateVstr(msgPtr, vm.PermU, p.as.ReadByteAt); err != 0 {
		return defs.EINVAL
	}
	_, err := p.as.ReadCString(msgPtr, maxNameLen)
	return err
}

func (tb *Table_t) sysDevopen(p *Process_t, fd int, namePtr uint64, instno int) defs.Err_t {
	if fd < 0 || fd >= defs.PROCESS_IOMAX {
		return defs.EMFILE
	}
	if err := p.as.ValidateVstr(namePtr, vm.PermU, p.as.ReadByteAt); err != 0 {
		return defs.EINVAL
	}
	name, err := p.as.ReadCString(namePtr, maxNameLen)
	if err != 0 {
		return defs.EINVAL
	}
	io, err := tb.devices.Open(name, instno)
	if err != 0 {
		return err
	}
	p.mu.Lock()
	p.iotab[fd] = ioh.NewRef(io)
	p.mu.Unlock()
	return 0
}

func (tb *Table_t) sysFsopen(p *Process_t, fd int, namePtr uint64) defs.Err_t {
	if fd < 0 || fd >= defs.PROCESS_IOMAX {
		return defs.EMFILE
	}
	if err := p.as.ValidateVstr(namePtr, vm.PermU, p.as.ReadByteAt); err != 0 {
		return defs.EINVAL
	}
	name, err := p.as.ReadCString(namePtr, maxNameLen)
	if err != 0 {
		return defs.EINVAL
	}
	io, err := tb.fsys.Open(ustr.Ustr(name))
	if err != 0 {
		return err
	}
	p.mu.Lock()
	p.iotab[fd] = ioh.NewRef(io)
	p.mu.Unlock()
	return 0
}

func (tb *Table_t) sysClose(p *Process_t, fd int) defs.Err_t {
	ref, err := checkFd(p, fd)
	if err != 0 {
		return err
	}
	p.mu.Lock()
	p.iotab[fd] = nil
	p.mu.Unlock()
	return ref.Down()
}

func (tb *Table_t) sysRead(p *Process_t, fd int, bufPtr uint64, n int) int64 {
	ref, err := checkFd(p, fd)
	if err != 0 {
		return int64(err)
	}
	if n < 0 {
		return int64(defs.EINVAL)
	}
	if err := p.as.ValidateVptrLen(bufPtr, uint64(n), vm.PermW|vm.PermU); err != 0 {
		return int64(defs.EINVAL)
	}
	kbuf := make([]byte, n)
	got, err := ref.Io.Read(kbuf)
	if err != 0 {
		return int64(err)
	}
	if err := p.as.CopyOut(bufPtr, kbuf[:got]); err != 0 {
		return int64(defs.EINVAL)
	}
	return int64(got)
}

func (tb *Table_t) sysWrite(p *Process_t, fd int, bufPtr uint64, n int) int64 {
	ref, err := checkFd(p, fd)
	if err != 0 {
		return int64(err)
	}
	if n < 0 {
		return int64(defs.EINVAL)
	}
	if err := p.as.ValidateVptrLen(bufPtr, uint64(n), vm.PermR|vm.PermU); err != 0 {
		return int64(defs.EINVAL)
	}
	kbuf := make([]byte, n)
	if err := p.as.CopyIn(bufPtr, kbuf); err != 0 {
		return int64(defs.EINVAL)
	}
	put, err := ref.Io.Write(kbuf)
	if err != 0 {
		return int64(err)
	}
	return int64(put)
}

func (tb *Table_t) sysIoctl(p *Process_t, fd int, cmd int, argPtr uint64) int64 {
	ref, err := checkFd(p, fd)
	if err != 0 {
		return int64(err)
	}
	switch cmd {
	case defs.IOCTL_GETLEN, defs.IOCTL_GETPOS, defs.IOCTL_GETBLKSZ:
		// GETBLKSZ's argument is a u32; the others are u64.
		size := 8
		if cmd == defs.IOCTL_GETBLKSZ {
			size = 4
		}
		if err := p.as.ValidateVptrLen(argPtr, uint64(size), vm.PermW|vm.PermU); err != 0 {
			return int64(defs.EINVAL)
		}
		val, err := ref.Io.Ctl(cmd, 0, 0)
		if err != 0 {
			return int64(err)
		}
		var buf [8]byte
		putLE64(buf[:], uint64(val))
		if err := p.as.CopyOut(argPtr, buf[:size]); err != 0 {
			return int64(defs.EINVAL)
		}
		return 0
	case defs.IOCTL_SETPOS:
		if err := p.as.ValidateVptrLen(argPtr, 8, vm.PermR|vm.PermW|vm.PermU); err != 0 {
			return int64(defs.EINVAL)
		}
		var buf [8]byte
		if err := p.as.CopyIn(argPtr, buf[:]); err != 0 {
			return int64(defs.EINVAL)
		}
		newpos := getLE64(buf[:])
		_, err := ref.Io.Ctl(cmd, int(newpos), 0)
		return int64(err)
	default:
		if _, err := ref.Io.Ctl(cmd, 0, 0); err != 0 {
			return int64(err)
		}
		return 0
	}
}

func (tb *Table_t) sysPrognames(p *Process_t, argPtr uint64) defs.Err_t {
	names := tb.fsys.Names()
	const nameLen = 32
	if err := p.as.ValidateVptrLen(argPtr, uint64(len(names)*nameLen), vm.PermW|vm.PermU); err != 0 {
		return defs.EINVAL
	}
	for i, name := range names {
		field := make([]byte, nameLen)
		copy(field, name)
		if err := p.as.CopyOut(argPtr+uint64(i*nameLen), field); err != 0 {
			return defs.EINVAL
		}
	}
	return 0
}

func (tb *Table_t) sysNumprogs(p *Process_t, argPtr uint64) defs.Err_t {
	if err := p.as.ValidateVptrLen(argPtr, 4, vm.PermW|vm.PermU); err != 0 {
		return defs.EINVAL
	}
	var buf [4]byte
	putLE32(buf[:], tb.fsys.NumInodes())
	return p.as.CopyOut(argPtr, buf[:])
}

func (tb *Table_t) sysProcs(p *Process_t, pidsPtr, _ uint64) int64 {
	tb.mu.Lock()
	var pids []int32
	for _, proc := range tb.procs {
		if proc != nil {
			pids = append(pids, int32(proc.id))
		}
	}
	tb.mu.Unlock()

	if err := p.as.ValidateVptrLen(pidsPtr, uint64(len(pids)*4), vm.PermW|vm.PermU); err != 0 {
		return int64(defs.EINVAL)
	}
	for i, pid := range pids {
		var buf [4]byte
		putLE32(buf[:], uint32(pid))
		if err := p.as.CopyOut(pidsPtr+uint64(i*4), buf[:]); err != 0 {
			return int64(defs.EINVAL)
		}
	}
	return int64(len(pids))
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func getLE64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
