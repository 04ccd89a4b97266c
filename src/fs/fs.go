package fs

import (
	"sync"

	"riscvkern/src/defs"
	"riscvkern/src/ioh"
	"riscvkern/src/ustr"
)

// Filesystem_t is the mounted filesystem: a single global lock guarding
// the boot block and a fixed pool of open-file slots, layered over a
// raw block device reached through ioh.Io_i.
type Filesystem_t struct {
	mu          sync.Mutex
	disk        ioh.Io_i
	boot        BootBlock_t
	initialized bool
	open        [MaxOpen]openSlot_t
}

type openSlot_t struct {
	inUse    bool
	inode    uint32
	position uint64
	size     uint64
}

// Mount reads the boot block from disk and prepares the open-file pool.
// Each call returns a new, independent Filesystem_t; Mount does not
// detect or refuse a second mount of the same disk.
func Mount(disk ioh.Io_i) (*Filesystem_t, defs.Err_t) {
	if _, err := disk.Ctl(defs.IOCTL_SETPOS, 0, 0); err != 0 {
		return nil, err
	}
	buf := make([]uint8, BlockSize)
	if _, err := ioh.ReadFull(disk, buf); err != 0 {
		return nil, err
	}
	var bb BootBlock_t
	if err := unmarshal(buf, &bb); err != nil {
		return nil, defs.EFAULT
	}
	return &Filesystem_t{disk: disk, boot: bb, initialized: true}, 0
}

// NumInodes returns the number of files recorded in the boot block,
// used by the numprogs/prognames syscalls to list what's runnable.
func (fs *Filesystem_t) NumInodes() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.boot.NumInodes
}

// Names returns the directory's file names in boot-block order, each
// truncated to its on-disk NUL or the full 32-byte field.
func (fs *Filesystem_t) Names() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := int(fs.boot.NumDentry)
	if n > MaxDentries {
		n = MaxDentries
	}
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = dentryName(&fs.boot.DirEntries[i])
	}
	return names
}

func (fs *Filesystem_t) inodeOffset(inum uint32) uint64 {
	return BlockSize + uint64(inum)*BlockSize
}

func (fs *Filesystem_t) dataOffset(dbnum uint32) uint64 {
	return BlockSize + uint64(fs.boot.NumInodes)*BlockSize + uint64(dbnum)*BlockSize
}

func (fs *Filesystem_t) readInode(inum uint32) (Inode_t, defs.Err_t) {
	if _, err := fs.disk.Ctl(defs.IOCTL_SETPOS, int(fs.inodeOffset(inum)), 0); err != 0 {
		return Inode_t{}, err
	}
	buf := make([]uint8, BlockSize)
	if _, err := ioh.ReadFull(fs.disk, buf); err != 0 {
		return Inode_t{}, err
	}
	var ino Inode_t
	if err := unmarshal(buf, &ino); err != nil {
		return Inode_t{}, defs.EFAULT
	}
	return ino, 0
}

func (fs *Filesystem_t) findFree() (int, defs.Err_t) {
	for i := range fs.open {
		if !fs.open[i].inUse {
			return i, 0
		}
	}
	return 0, defs.ENFILE
}

// findDentry compares only the first NameLen bytes of name, so a longer
// lookup name matches the dentry holding its 32-byte prefix.
func (fs *Filesystem_t) findDentry(name ustr.Ustr) (*Dentry_t, bool) {
	if len(name) > NameLen {
		name = name[:NameLen]
	}
	for i := 0; i < int(fs.boot.NumDentry) && i < MaxDentries; i++ {
		d := &fs.boot.DirEntries[i]
		if ustr.Ustr(dentryName(d)).NormalizedEq(name) {
			return d, true
		}
	}
	return nil, false
}

// Open looks up name in the directory and, if found, allocates an
// open-file slot and returns an ioh.Io_i reading/writing its contents.
func (fs *Filesystem_t) Open(name ustr.Ustr) (ioh.Io_i, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.initialized {
		return nil, defs.EINVAL
	}
	slotIdx, err := fs.findFree()
	if err != 0 {
		return nil, err
	}
	dentry, ok := fs.findDentry(name)
	if !ok {
		return nil, defs.ENOENT
	}
	ino, err := fs.readInode(dentry.Inode)
	if err != 0 {
		return nil, err
	}

	fs.open[slotIdx] = openSlot_t{inUse: true, inode: dentry.Inode, size: uint64(ino.ByteLen)}
	return &file_t{fs: fs, slot: slotIdx}, 0
}

// file_t is a handle onto one open-file slot, implementing ioh.Io_i.
type file_t struct {
	fs   *Filesystem_t
	slot int
}

func (f *file_t) Close() defs.Err_t {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.fs.open[f.slot].inUse = false
	return 0
}

// Read copies up to len(buf) bytes starting at the handle's current
// position, walking the inode's data-block list one block at a time.
// Reading past end-of-file is not an error; it yields a short read.
func (f *file_t) Read(buf []uint8) (int, defs.Err_t) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	slot := &f.fs.open[f.slot]
	if !slot.inUse {
		return 0, defs.EBADF
	}
	if slot.position >= slot.size {
		return 0, 0
	}
	n := uint64(len(buf))
	if slot.position+n > slot.size {
		n = slot.size - slot.position
	}
	ino, err := f.fs.readInode(slot.inode)
	if err != 0 {
		return 0, err
	}

	var total uint64
	pos := slot.position
	for total < n {
		blockIdx := pos / BlockSize
		blockOff := pos % BlockSize
		if blockIdx >= MaxDataBlocks {
			break
		}
		dbnum := ino.DataBlockNum[blockIdx]
		if _, err := f.fs.disk.Ctl(defs.IOCTL_SETPOS, int(f.fs.dataOffset(dbnum)), 0); err != 0 {
			return int(total), err
		}
		block := make([]uint8, BlockSize)
		if _, err := ioh.ReadFull(f.fs.disk, block); err != 0 {
			return int(total), err
		}
		avail := uint64(BlockSize) - blockOff
		thisRead := n - total
		if thisRead > avail {
			thisRead = avail
		}
		copy(buf[total:total+thisRead], block[blockOff:blockOff+thisRead])
		total += thisRead
		pos += thisRead
	}
	slot.position = pos
	return int(total), 0
}

// Write copies up to len(buf) bytes to the blocks already allocated to
// the file, starting at the handle's current position. It never
// extends a file's length or allocates new blocks, matching the source
// kernel's write-in-place semantics.
func (f *file_t) Write(buf []uint8) (int, defs.Err_t) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	slot := &f.fs.open[f.slot]
	if !slot.inUse {
		return 0, defs.EBADF
	}
	if slot.position >= slot.size {
		return 0, 0
	}
	n := uint64(len(buf))
	if slot.position+n > slot.size {
		n = slot.size - slot.position
	}
	ino, err := f.fs.readInode(slot.inode)
	if err != 0 {
		return 0, err
	}

	var total uint64
	pos := slot.position
	for total < n {
		blockIdx := pos / BlockSize
		blockOff := pos % BlockSize
		if blockIdx >= MaxDataBlocks {
			break
		}
		dbnum := ino.DataBlockNum[blockIdx]
		avail := uint64(BlockSize) - blockOff
		thisWrite := n - total
		if thisWrite > avail {
			thisWrite = avail
		}

		block := make([]uint8, BlockSize)
		if blockOff != 0 || thisWrite != BlockSize {
			if _, err := f.fs.disk.Ctl(defs.IOCTL_SETPOS, int(f.fs.dataOffset(dbnum)), 0); err != 0 {
				return int(total), err
			}
			if _, err := ioh.ReadFull(f.fs.disk, block); err != 0 {
				return int(total), err
			}
		}
		copy(block[blockOff:blockOff+thisWrite], buf[total:total+thisWrite])

		if _, err := f.fs.disk.Ctl(defs.IOCTL_SETPOS, int(f.fs.dataOffset(dbnum)), 0); err != 0 {
			return int(total), err
		}
		if _, err := ioh.WriteFull(f.fs.disk, block); err != 0 {
			return int(total), err
		}
		total += thisWrite
		pos += thisWrite
	}
	slot.position = pos
	return int(total), 0
}

// Ctl implements GETLEN/GETPOS/SETPOS/GETBLKSZ for an open file handle.
func (f *file_t) Ctl(cmd, arg1, arg2 int) (int, defs.Err_t) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	slot := &f.fs.open[f.slot]
	if !slot.inUse {
		return 0, defs.EBADF
	}
	switch cmd {
	case defs.IOCTL_GETLEN:
		return int(slot.size), 0
	case defs.IOCTL_GETPOS:
		return int(slot.position), 0
	case defs.IOCTL_SETPOS:
		if arg1 < 0 || uint64(arg1) > slot.size {
			return 0, defs.EINVAL
		}
		slot.position = uint64(arg1)
		return 0, 0
	case defs.IOCTL_GETBLKSZ:
		return BlockSize, 0
	default:
		return 0, defs.ENOTSUP
	}
}

var _ ioh.Io_i = (*file_t)(nil)
