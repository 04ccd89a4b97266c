// Command mkfs builds a flat filesystem disk image from a host directory:
// every regular file found under the given skeleton directory is copied
// into the image's data blocks and named by a boot-block dentry.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"riscvkern/src/fs"
)

// usage: mkfs <output image> <skel dir>
func main() {
	if len(os.Args) < 3 {
		fmt.Printf("usage: mkfs <output image> <skel dir>\n")
		os.Exit(1)
	}
	outpath, skeldir := os.Args[1], os.Args[2]

	names, contents, err := collect(skeldir)
	if err != nil {
		fmt.Printf("error walking %q: %v\n", skeldir, err)
		os.Exit(1)
	}
	if len(names) > fs.MaxDentries {
		fmt.Printf("too many files: %d > max %d\n", len(names), fs.MaxDentries)
		os.Exit(1)
	}

	img, err := build(names, contents)
	if err != nil {
		fmt.Printf("error building image: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outpath, img, 0644); err != nil {
		fmt.Printf("error writing %q: %v\n", outpath, err)
		os.Exit(1)
	}
}

func collect(skeldir string) ([]string, [][]byte, error) {
	var names []string
	var contents [][]byte
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skeldir), "/")
		if rel == "" {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		names = append(names, rel)
		contents = append(contents, data)
		return nil
	})
	return names, contents, err
}

// build lays the files out as [boot block][inode table][data blocks],
// one inode and a contiguous run of data blocks per file.
func build(names []string, contents [][]byte) ([]byte, error) {
	var bb fs.BootBlock_t
	bb.NumDentry = uint32(len(names))
	bb.NumInodes = uint32(len(names))

	inodes := make([]fs.Inode_t, len(names))
	var dataBlocks [][]byte
	for i, name := range names {
		if len(name) >= fs.NameLen {
			return nil, fmt.Errorf("name %q too long (max %d)", name, fs.NameLen-1)
		}
		copy(bb.DirEntries[i].FileName[:], name)
		bb.DirEntries[i].Inode = uint32(i)

		data := contents[i]
		inodes[i].ByteLen = uint32(len(data))
		nblocks := (len(data) + fs.BlockSize - 1) / fs.BlockSize
		if nblocks == 0 {
			nblocks = 0
		}
		if nblocks > fs.MaxDataBlocks {
			return nil, fmt.Errorf("file %q too large: %d blocks > max %d", name, nblocks, fs.MaxDataBlocks)
		}
		for b := 0; b < nblocks; b++ {
			block := make([]byte, fs.BlockSize)
			start := b * fs.BlockSize
			end := start + fs.BlockSize
			if end > len(data) {
				end = len(data)
			}
			copy(block, data[start:end])
			inodes[i].DataBlockNum[b] = uint32(len(dataBlocks))
			dataBlocks = append(dataBlocks, block)
		}
	}
	bb.NumData = uint32(len(dataBlocks))

	total := fs.BlockSize * (1 + len(inodes) + len(dataBlocks))
	img := make([]byte, total)

	bbBytes, err := marshalBlock(&bb)
	if err != nil {
		return nil, err
	}
	copy(img[0:fs.BlockSize], bbBytes)

	for i, ino := range inodes {
		b, err := marshalBlock(&ino)
		if err != nil {
			return nil, err
		}
		off := fs.BlockSize * (1 + i)
		copy(img[off:off+fs.BlockSize], b)
	}

	dataStart := fs.BlockSize * (1 + len(inodes))
	for i, block := range dataBlocks {
		copy(img[dataStart+i*fs.BlockSize:dataStart+(i+1)*fs.BlockSize], block)
	}
	return img, nil
}

func marshalBlock(v any) ([]byte, error) {
	buf := make([]byte, 0, fs.BlockSize)
	w := &sliceWriter{buf: buf}
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return w.buf, nil
}

type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
