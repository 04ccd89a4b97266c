// Package fs implements the flat on-disk filesystem: a boot block naming
// a fixed directory of files, an inode table recording each file's size
// and data block list, and the data blocks themselves, read and written
// through a raw block device behind the ioh.Io_i abstraction.
package fs

import (
	"bytes"
	"encoding/binary"
)

const (
	BlockSize   = 4096
	NameLen     = 32
	MaxOpen     = 32
	MaxDentries = 63

	// MaxDataBlocks is the length of inode_t.data_block_num. A write or
	// read that walks past this many blocks must stop here: the source
	// kernel this is modeled on instead compares the block index against
	// sizeof(inode_t) (the struct's byte size, around 4096), which is
	// never reached in practice only because files this large also run
	// out of the inode's block-number slots first — it is still the
	// wrong bound to compare against, and is corrected here.
	MaxDataBlocks = 1023
)

// Dentry_t is one directory entry: a fixed-width name and the inode
// number it names. The reserved bytes pad the entry to the packed C
// layout's 64 bytes.
type Dentry_t struct {
	FileName [NameLen]byte
	Inode    uint32
	Reserved [28]byte
}

// BootBlock_t is the filesystem's first block: entry counts and the
// fixed-size directory table.
type BootBlock_t struct {
	NumDentry uint32
	NumInodes uint32
	NumData   uint32
	Reserved  [52]byte
	DirEntries [MaxDentries]Dentry_t
}

// Inode_t records one file's length and the data blocks holding its
// content.
type Inode_t struct {
	ByteLen      uint32
	DataBlockNum [MaxDataBlocks]uint32
}

func marshal(v any) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func unmarshal(b []byte, v any) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

func dentryName(d *Dentry_t) string {
	n := bytes.IndexByte(d.FileName[:], 0)
	if n < 0 {
		n = len(d.FileName)
	}
	return string(d.FileName[:n])
}
