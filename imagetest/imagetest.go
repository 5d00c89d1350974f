// Package imagetest builds small synthetic disk images in memory: partition
// tables and FAT32, exFAT, ext2/ext4 and HFS+ volumes populated from a list
// of files. Builders panic when the requested content does not fit, since
// they only ever run inside tests and fixture generators.
package imagetest

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"time"
)

// File describes one file or directory to place in a volume. Parent
// directories are created as needed.
type File struct {
	Path     string // slash separated, relative to the root
	Data     []byte
	Dir      bool
	Link     string // symlink target (ext only)
	Modified time.Time
	Created  time.Time
	// Fragmented spreads the content over non-adjacent allocation units.
	Fragmented bool
	// Deleted leaves a deleted directory entry behind (FAT only).
	Deleted bool
}

// Epoch is the default timestamp for files that set none.
var Epoch = time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

// Reader wraps an image for the readers under test.
func Reader(img []byte) io.ReaderAt { return bytes.NewReader(img) }

// Place copies a volume into a disk image at a sector offset.
func Place(disk []byte, startSector uint64, volume []byte) {
	copy(disk[startSector*512:], volume)
}

// Pattern returns n deterministic bytes that differ between offsets, so
// misplaced chunks show up in comparisons.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7+i/251) ^ seed
	}
	return b
}

type node struct {
	name     string
	file     File
	dir      bool
	children []*node
	parent   *node

	// filled in by the builders
	id     uint32
	first  uint32
	chain  []uint32
	blocks []uint64
}

func (n *node) child(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// tree turns the flat file list into a directory tree, keeping the order
// in which entries were first named.
func tree(files []File) *node {
	root := &node{name: "", dir: true, file: File{Dir: true}}
	for _, f := range files {
		parts := strings.Split(strings.Trim(f.Path, "/"), "/")
		cur := root
		for i, p := range parts {
			c := cur.child(p)
			if c == nil {
				c = &node{name: p, dir: true, file: File{Path: strings.Join(parts[:i+1], "/"), Dir: true}, parent: cur}
				cur.children = append(cur.children, c)
			}
			if i == len(parts)-1 {
				c.file = f
				c.dir = f.Dir
			}
			cur = c
		}
	}
	return root
}

// walk visits n and its descendants, parents first.
func (n *node) walk(fn func(*node)) {
	fn(n)
	for _, c := range n.children {
		c.walk(fn)
	}
}

func modified(f File) time.Time {
	if f.Modified.IsZero() {
		return Epoch
	}
	return f.Modified
}

func created(f File) time.Time {
	if f.Created.IsZero() {
		return Epoch
	}
	return f.Created
}

func sortedChildren(n *node, less func(a, b string) bool) []*node {
	out := append([]*node(nil), n.children...)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i].name, out[j].name) })
	return out
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }
