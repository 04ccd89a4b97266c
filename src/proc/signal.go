package proc

import "riscvkern/src/defs"

// Signal implements the signal() syscall: SIGKILL terminates the
// target immediately, bypassing pending/blocked bookkeeping entirely;
// every other signal number just sets its pending bit for delivery the
// next time the target returns from a syscall. Unknown pids are
// reported to the caller rather than silently ignored, matching the
// source's explicit NULL check. A signal number outside [0, NSIG) is
// dropped here with a 0 return; an in-range number with no default
// action is dropped at delivery, in signalDeliver below.
func (tb *Table_t) Signal(caller *Process_t, pid defs.Pid_t, sig int) defs.Err_t {
	target := tb.ByPid(pid)
	if target == nil {
		return defs.EINVAL
	}
	if sig == defs.SIGKILL {
		tb.Terminate(caller, target)
		return 0
	}
	if sig < 0 || sig >= defs.NSIG {
		return 0
	}
	target.mu.Lock()
	target.pendingSignals |= 1 << uint(sig)
	target.mu.Unlock()
	return 0
}

// SetSignalHandler installs the action for sig: kind is SIG_DFL,
// SIG_IGN, or any other value to mark a custom handler installed, and
// cb (when kind is neither DFL nor IGN) is the Go closure this
// simulation dispatches to in place of trampolining into user code.
func (p *Process_t) SetSignalHandler(sig int, kind int64, cb func(sig int)) defs.Err_t {
	if sig < 0 || sig >= defs.NSIG {
		return defs.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigHandler[sig] = kind
	p.sigCallback[sig] = cb
	return 0
}

// signalDeliver runs on the way back from every syscall: it picks the
// lowest-numbered pending, unblocked signal, clears it, and runs its
// action. A SIGTERM with no installed handler exits the process; any
// other default-action signal is silently dropped, since this kernel
// defines no further default actions, matching the source's sparse
// switch. Exit unwinds via Table_t.Exit's call to thread.Exit(), so a
// default SIGTERM never returns from this function.
func (tb *Table_t) signalDeliver(p *Process_t) {
	p.mu.Lock()
	unmasked := p.pendingSignals &^ p.blockedSignals
	if unmasked == 0 {
		p.mu.Unlock()
		return
	}
	sig := -1
	for s := 0; s < defs.NSIG; s++ {
		if unmasked&(1<<uint(s)) != 0 {
			sig = s
			break
		}
	}
	p.pendingSignals &^= 1 << uint(sig)
	handler := p.sigHandler[sig]
	cb := p.sigCallback[sig]
	p.mu.Unlock()

	switch handler {
	case defs.SIG_DFL:
		if sig == defs.SIGTERM {
			tb.Exit(p, -int(defs.SIGTERM))
		}
	case defs.SIG_IGN:
		// ignored
	default:
		if cb != nil {
			cb(sig)
		}
	}
}
