// Package device implements the small pseudo-device table devopen()
// resolves by name: the user-facing console, a raw handle onto the
// mounted block device, and read-only snapshots of the kernel's stat
// counters and pprof profile.
package device

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"riscvkern/src/defs"
	"riscvkern/src/ioh"
	"riscvkern/src/stats"
	"riscvkern/src/virtio"
)

// Table_t is the kernel's device table: the handful of named devices
// devopen() can hand a process a reference to.
type Table_t struct {
	disk     *virtio.BlockDevice_t
	registry *stats.Registry_t
	console  io.Writer
}

// NewTable builds a device table over the mounted block device and
// counter registry. console receives writes from D_CONSOLE handles;
// passing nil defaults to discarding them, so tests don't need a real
// terminal.
func NewTable(disk *virtio.BlockDevice_t, registry *stats.Registry_t, console io.Writer) *Table_t {
	return &Table_t{disk: disk, registry: registry, console: console}
}

var nameToMajor = map[string]int{
	"console": defs.D_CONSOLE,
	"rawdisk": defs.D_RAWDISK,
	"stat":    defs.D_STAT,
	"prof":    defs.D_PROF,
}

// Open resolves name (and, for rawdisk, instno as a sub-unit index that
// this single-disk kernel ignores) to a fresh Io_i handle. Unknown
// names fail with ENOTSUP, matching the "unsupported op" convention
// used elsewhere for unrecognized commands.
func (t *Table_t) Open(name string, instno int) (ioh.Io_i, defs.Err_t) {
	major, ok := nameToMajor[name]
	if !ok {
		return nil, defs.ENOTSUP
	}
	switch major {
	case defs.D_CONSOLE:
		return newConsole(t.console), 0
	case defs.D_RAWDISK:
		if t.disk == nil {
			return nil, defs.ENOENT
		}
		// BlockDevice_t.Close is a no-op (the backing file is released by
		// Shutdown, not by any one handle), so handing out the same
		// pointer to every opener is safe without its own refcount; the
		// per-fd ioh.Ref_t wrapper still tracks dup/fork sharing above it.
		return t.disk, 0
	case defs.D_STAT:
		if t.registry == nil {
			return nil, defs.ENOENT
		}
		return ioh.NewMembuf([]byte(t.registry.Text())), 0
	case defs.D_PROF:
		if t.registry == nil {
			return nil, defs.ENOENT
		}
		var buf bytes.Buffer
		if err := t.registry.WriteProfile(&buf); err != nil {
			return nil, defs.EIO
		}
		return ioh.NewMembuf(buf.Bytes()), 0
	default:
		return nil, defs.ENOTSUP
	}
}

// console_t is a write-only handle onto the user-facing terminal; each
// Write is flushed through immediately. Reads are unsupported: this device table models output
// only, since the line-disciplined terminal input helper is out of
// scope for this kernel.
type console_t struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newConsole(w io.Writer) ioh.Io_i {
	if w == nil {
		w = io.Discard
	}
	return &console_t{w: bufio.NewWriter(w)}
}

func (c *console_t) Close() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	return 0
}

func (c *console_t) Read(dst []uint8) (int, defs.Err_t) { return 0, defs.ENOTSUP }

func (c *console_t) Write(src []uint8) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(src)
	if err != nil {
		return n, defs.EIO
	}
	c.w.Flush()
	return n, 0
}

func (c *console_t) Ctl(cmd int, arg1, arg2 int) (int, defs.Err_t) {
	switch cmd {
	case defs.IOCTL_GETBLKSZ:
		return 1, 0
	default:
		return 0, defs.ENOTSUP
	}
}

var _ ioh.Io_i = (*console_t)(nil)

