package imagetest

import (
	"encoding/binary"
	"time"
)

// ext layout: 1 KiB blocks, a single block group.
const (
	extBlockSize      = 1024
	extInodesPerGroup = 64
	extInodeSize      = 256
	extInodeTable     = 5
	extFirstIno       = 11
)

type extBuilder struct {
	img        []byte
	blocks     uint32
	next       uint32
	extents    bool
	usedBlocks []bool
	nextInode  uint32
}

// Ext2 formats an ext2 volume of size bytes holding files. Content is
// mapped through direct, single and double indirect blocks.
func Ext2(size int64, files ...File) []byte { return buildExt(size, false, files) }

// Ext4 formats a volume with the extents feature; every file's data is
// mapped by an extent tree rooted in the inode.
func Ext4(size int64, files ...File) []byte { return buildExt(size, true, files) }

func buildExt(size int64, extents bool, files []File) []byte {
	blocks := uint32(size / extBlockSize)
	if blocks > 8192 {
		panic("imagetest: ext volumes are limited to one block group")
	}
	inodeBlocks := uint32(extInodesPerGroup * extInodeSize / extBlockSize)
	b := &extBuilder{
		img:        make([]byte, size),
		blocks:     blocks,
		next:       extInodeTable + inodeBlocks,
		extents:    extents,
		usedBlocks: make([]bool, blocks),
		nextInode:  extFirstIno,
	}
	for i := uint32(0); i < b.next; i++ {
		b.usedBlocks[i] = true
	}

	root := tree(files)
	root.walk(func(n *node) {
		if n.parent == nil {
			n.id = 2
		} else {
			n.id = b.nextInode
			b.nextInode++
		}
	})
	if b.nextInode > extInodesPerGroup+1 {
		panic("imagetest: too many files for one ext block group")
	}
	dirs := 0
	root.walk(func(n *node) {
		var data []byte
		switch {
		case n.dir:
			dirs++
			data = extDirData(n)
		case n.file.Link != "" && len(n.file.Link) < 60:
			b.writeInode(n, nil, 0xA1FF)
			return
		case n.file.Link != "":
			data = []byte(n.file.Link)
		default:
			data = n.file.Data
		}
		nblocks := int(ceilDiv(int64(len(data)), extBlockSize))
		n.blocks = b.alloc(nblocks, n.file.Fragmented)
		for i, blk := range n.blocks {
			lo := i * extBlockSize
			copy(b.img[int64(blk)*extBlockSize:], data[lo:min(lo+extBlockSize, len(data))])
		}
		mode := uint16(0x81A4) // regular 0644
		switch {
		case n.dir:
			mode = 0x41ED
		case n.file.Link != "":
			mode = 0xA1FF
		}
		b.writeInode(n, data, mode)
	})

	// superblock
	sb := b.img[1024:2048]
	binary.LittleEndian.PutUint32(sb[0x00:], extInodesPerGroup)
	binary.LittleEndian.PutUint32(sb[0x04:], blocks)
	binary.LittleEndian.PutUint32(sb[0x0C:], blocks-b.usedCount())
	binary.LittleEndian.PutUint32(sb[0x10:], extInodesPerGroup+1-b.nextInode)
	binary.LittleEndian.PutUint32(sb[0x14:], 1) // first data block
	binary.LittleEndian.PutUint32(sb[0x20:], 8192)
	binary.LittleEndian.PutUint32(sb[0x24:], 8192)
	binary.LittleEndian.PutUint32(sb[0x28:], extInodesPerGroup)
	binary.LittleEndian.PutUint32(sb[0x2C:], uint32(Epoch.Unix()))
	binary.LittleEndian.PutUint32(sb[0x30:], uint32(Epoch.Unix()))
	binary.LittleEndian.PutUint16(sb[0x36:], 0xFFFF)
	binary.LittleEndian.PutUint16(sb[0x38:], 0xEF53)
	binary.LittleEndian.PutUint16(sb[0x3A:], 1)
	binary.LittleEndian.PutUint16(sb[0x3C:], 1)
	binary.LittleEndian.PutUint32(sb[0x4C:], 1) // dynamic revision
	binary.LittleEndian.PutUint32(sb[0x54:], extFirstIno)
	binary.LittleEndian.PutUint16(sb[0x58:], extInodeSize)
	incompat := uint32(0x0002) // filetype
	if extents {
		incompat |= 0x0040
	}
	binary.LittleEndian.PutUint32(sb[0x60:], incompat)
	copy(sb[0x68:0x78], guidBytes("5D6C2E1A-0B9F-4C1D-9E2A-7F3B4C5D6E7F"))
	copy(sb[0x78:0x88], "imagetest")
	binary.LittleEndian.PutUint16(sb[0x15C:], 32) // min extra isize

	// group descriptor
	gd := b.img[2*extBlockSize:]
	binary.LittleEndian.PutUint32(gd[0x00:], 3)
	binary.LittleEndian.PutUint32(gd[0x04:], 4)
	binary.LittleEndian.PutUint32(gd[0x08:], extInodeTable)
	binary.LittleEndian.PutUint16(gd[0x0C:], uint16(blocks-b.usedCount()))
	binary.LittleEndian.PutUint16(gd[0x0E:], uint16(extInodesPerGroup+1-b.nextInode))
	binary.LittleEndian.PutUint16(gd[0x10:], uint16(dirs))

	// bitmaps; bits past the end of the group are set
	bbm := b.img[3*extBlockSize : 4*extBlockSize]
	for i := uint32(0); i < 8*extBlockSize; i++ {
		// block i+1 since the first data block is 1
		if i+1 >= blocks || b.usedBlocks[i+1] {
			bbm[i/8] |= 1 << (i % 8)
		}
	}
	ibm := b.img[4*extBlockSize : 5*extBlockSize]
	for i := uint32(0); i < 8*extBlockSize; i++ {
		if i+1 < b.nextInode || i >= extInodesPerGroup {
			ibm[i/8] |= 1 << (i % 8)
		}
	}
	return b.img
}

func (b *extBuilder) usedCount() uint32 {
	var n uint32
	for _, u := range b.usedBlocks[1:] {
		if u {
			n++
		}
	}
	return n
}

func (b *extBuilder) alloc(n int, fragmented bool) []uint64 {
	out := make([]uint64, 0, n)
	for len(out) < n {
		if b.next >= b.blocks {
			panic("imagetest: ext volume full")
		}
		out = append(out, uint64(b.next))
		b.usedBlocks[b.next] = true
		b.next++
		if fragmented {
			b.next++
		}
	}
	return out
}

func (b *extBuilder) allocMeta() uint32 {
	blk := b.alloc(1, false)[0]
	return uint32(blk)
}

func (b *extBuilder) writeInode(n *node, data []byte, mode uint16) {
	ino := b.img[int64(extInodeTable)*extBlockSize+int64(n.id-1)*extInodeSize:][:extInodeSize]
	size := uint64(len(data))
	if data == nil && n.file.Link != "" {
		size = uint64(len(n.file.Link))
	}
	m := extTime(modified(n.file))
	c := extTime(created(n.file))

	binary.LittleEndian.PutUint16(ino[0x00:], mode)
	binary.LittleEndian.PutUint32(ino[0x04:], uint32(size))
	binary.LittleEndian.PutUint32(ino[0x08:], m.sec)
	binary.LittleEndian.PutUint32(ino[0x0C:], m.sec)
	binary.LittleEndian.PutUint32(ino[0x10:], m.sec)
	links := uint16(1)
	if n.dir {
		links = 2
	}
	binary.LittleEndian.PutUint16(ino[0x1A:], links)
	binary.LittleEndian.PutUint32(ino[0x6C:], uint32(size>>32))
	binary.LittleEndian.PutUint16(ino[0x80:], 32)
	binary.LittleEndian.PutUint32(ino[0x84:], m.extra)
	binary.LittleEndian.PutUint32(ino[0x88:], m.extra)
	binary.LittleEndian.PutUint32(ino[0x8C:], m.extra)
	binary.LittleEndian.PutUint32(ino[0x90:], c.sec)
	binary.LittleEndian.PutUint32(ino[0x94:], c.extra)

	iblock := ino[0x28:0x64]
	if data == nil && n.file.Link != "" {
		copy(iblock, n.file.Link)
		return
	}

	var meta int
	if b.extents {
		b.writeExtents(iblock, n.blocks)
		binary.LittleEndian.PutUint32(ino[0x20:], 0x00080000)
	} else {
		meta = b.writeBlockMap(iblock, n.blocks)
	}
	binary.LittleEndian.PutUint32(ino[0x1C:], uint32((len(n.blocks)+meta)*extBlockSize/512))
}

type extStamp struct{ sec, extra uint32 }

func extTime(t time.Time) extStamp {
	s := t.Unix()
	return extStamp{sec: uint32(s), extra: uint32(t.Nanosecond())<<2 | uint32((s-int64(int32(s)))>>32)&3}
}

// writeExtents writes an in-inode extent tree of depth 0.
func (b *extBuilder) writeExtents(iblock []byte, blocks []uint64) {
	type run struct {
		logical uint32
		start   uint64
		length  uint16
	}
	var runs []run
	for i, blk := range blocks {
		if n := len(runs); n > 0 && runs[n-1].start+uint64(runs[n-1].length) == blk {
			runs[n-1].length++
			continue
		}
		runs = append(runs, run{logical: uint32(i), start: blk, length: 1})
	}
	if len(runs) > 4 {
		panic("imagetest: more than four extents")
	}
	binary.LittleEndian.PutUint16(iblock[0:], 0xF30A)
	binary.LittleEndian.PutUint16(iblock[2:], uint16(len(runs)))
	binary.LittleEndian.PutUint16(iblock[4:], 4)
	for i, r := range runs {
		e := iblock[12+12*i:]
		binary.LittleEndian.PutUint32(e[0:], r.logical)
		binary.LittleEndian.PutUint16(e[4:], r.length)
		binary.LittleEndian.PutUint16(e[6:], uint16(r.start>>32))
		binary.LittleEndian.PutUint32(e[8:], uint32(r.start))
	}
}

// writeBlockMap fills the twelve direct pointers and allocates single and
// double indirect blocks as needed. It returns the number of indirect
// blocks used.
func (b *extBuilder) writeBlockMap(iblock []byte, blocks []uint64) int {
	const ptrs = extBlockSize / 4
	put := func(buf []byte, i int, v uint32) { binary.LittleEndian.PutUint32(buf[i*4:], v) }

	for i := 0; i < 12 && i < len(blocks); i++ {
		put(iblock, i, uint32(blocks[i]))
	}
	rest := blocks[min(12, len(blocks)):]
	if len(rest) == 0 {
		return 0
	}

	meta := 0
	single := func(list []uint64) uint32 {
		blk := b.allocMeta()
		meta++
		buf := b.img[int64(blk)*extBlockSize:][:extBlockSize]
		for i, v := range list {
			put(buf, i, uint32(v))
		}
		return blk
	}

	put(iblock, 12, single(rest[:min(ptrs, len(rest))]))
	rest = rest[min(ptrs, len(rest)):]
	if len(rest) == 0 {
		return meta
	}

	dbl := b.allocMeta()
	meta++
	dbuf := b.img[int64(dbl)*extBlockSize:][:extBlockSize]
	for i := 0; len(rest) > 0; i++ {
		if i == ptrs {
			panic("imagetest: file too large for double indirect mapping")
		}
		put(dbuf, i, single(rest[:min(ptrs, len(rest))]))
		rest = rest[min(ptrs, len(rest)):]
	}
	put(iblock, 13, dbl)
	return meta
}

func extDirData(dir *node) []byte {
	type rec struct {
		inode uint32
		typ   byte
		name  string
	}
	parent := uint32(2)
	if dir.parent != nil {
		parent = dir.parent.id
	}
	recs := []rec{{dir.id, 2, "."}, {parent, 2, ".."}}
	for _, c := range dir.children {
		typ := byte(1)
		switch {
		case c.dir:
			typ = 2
		case c.file.Link != "":
			typ = 7
		}
		recs = append(recs, rec{c.id, typ, c.name})
	}

	var out []byte
	block := make([]byte, 0, extBlockSize)
	lastOff := -1
	flush := func() {
		// the last record of a block absorbs the slack
		binary.LittleEndian.PutUint16(block[lastOff+4:], uint16(extBlockSize-lastOff))
		block = block[:extBlockSize]
		out = append(out, block...)
		block = make([]byte, 0, extBlockSize)
		lastOff = -1
	}
	for _, r := range recs {
		l := (8 + len(r.name) + 3) &^ 3
		if len(block)+l > extBlockSize {
			flush()
		}
		e := make([]byte, l)
		binary.LittleEndian.PutUint32(e[0:], r.inode)
		binary.LittleEndian.PutUint16(e[4:], uint16(l))
		e[6] = byte(len(r.name))
		e[7] = r.typ
		copy(e[8:], r.name)
		lastOff = len(block)
		block = append(block, e...)
	}
	flush()
	return out
}
