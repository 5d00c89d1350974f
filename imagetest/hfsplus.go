package imagetest

import (
	"encoding/binary"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// HFS+ layout: 4 KiB allocation blocks and B-tree nodes. Block 0 holds
// the volume header, block 1 the allocation bitmap, blocks 2-3 the extents
// overflow file; the catalog follows, then file data.
const (
	hfsBlockSize = 4096
	hfsNodeSize  = 4096
	hfsFirstCNID = 16
	hfsEpochDiff = 2082844800
)

type hfsBuilder struct {
	img  []byte
	used []bool
	next uint32
}

type hfsRecord struct {
	parent uint32
	name   string // decomposed, as stored on disk
	data   []byte
	rawKey []byte // extents overflow keys are not catalog keys
}

// hfsRun is an extent descriptor: start block and block count.
type hfsRun [2]uint32

// HFSPlus formats a case-insensitive HFS+ volume of size bytes holding
// files. Fragmented files with more than eight runs spill into the
// extents overflow tree.
func HFSPlus(size int64, label string, files ...File) []byte {
	total := uint32(size / hfsBlockSize)
	if total > 8*hfsBlockSize {
		panic("imagetest: HFS+ volume too large for a one-block bitmap")
	}
	b := &hfsBuilder{img: make([]byte, size), used: make([]bool, total)}
	b.used[total-1] = true // alternate volume header
	b.alloc(1, false)
	bitmapBlk := b.alloc(1, false)[0]
	extentsBlk := b.alloc(2, false)[0]

	root := tree(files)
	nextID := uint32(hfsFirstCNID)
	fileCount, folderCount := 0, 0
	root.walk(func(n *node) {
		switch {
		case n.parent == nil:
			n.id = 2
			return
		case n.dir:
			folderCount++
		default:
			fileCount++
		}
		n.id = nextID
		nextID++
	})

	// Record sizes do not depend on block numbers, so the catalog can be
	// sized before any data is placed.
	leaves := hfsPackLeaves(hfsCatalog(root, label))
	catNodes := 1 + len(leaves)
	if len(leaves) > 1 {
		catNodes++
	}
	catalogBlk := b.alloc(catNodes, false)[0]

	var overflow []hfsRecord
	root.walk(func(n *node) {
		if n.dir || len(n.file.Data) == 0 {
			return
		}
		n.blocks = b.alloc(int(ceilDiv(int64(len(n.file.Data)), hfsBlockSize)), n.file.Fragmented)
		for i, blk := range n.blocks {
			lo := i * hfsBlockSize
			copy(b.img[int64(blk)*hfsBlockSize:], n.file.Data[lo:min(lo+hfsBlockSize, len(n.file.Data))])
		}
		runs := hfsRuns(n.blocks)
		var start uint32
		for i, r := range runs {
			if i >= 8 && i%8 == 0 {
				overflow = append(overflow, hfsOverflowRecord(n.id, start, runs[i:min(i+8, len(runs))]))
			}
			start += r[1]
		}
	})

	// catalog
	leaves = hfsPackLeaves(hfsCatalog(root, label))
	var recordCount uint32
	catalog := make([][]byte, catNodes)
	for i, leaf := range leaves {
		var recs [][]byte
		for _, r := range leaf {
			recs = append(recs, append(r.key(), r.data...))
		}
		recordCount += uint32(len(recs))
		var fLink, bLink uint32
		if i+1 < len(leaves) {
			fLink = uint32(i + 2)
		}
		if i > 0 {
			bLink = uint32(i)
		}
		catalog[1+i] = hfsNode(-1, 1, fLink, bLink, recs)
	}
	rootNode, depth := uint32(1), uint16(1)
	if len(leaves) > 1 {
		var index [][]byte
		for i, leaf := range leaves {
			rec := leaf[0].key()
			rec = binary.BigEndian.AppendUint32(rec, uint32(1+i))
			index = append(index, rec)
		}
		rootNode, depth = uint32(1+len(leaves)), 2
		catalog[rootNode] = hfsNode(0, 2, 0, 0, index)
	}
	catalog[0] = hfsHeaderNode(hfsTreeHeader{
		depth:       depth,
		root:        rootNode,
		leafRecords: recordCount,
		firstLeaf:   1,
		lastLeaf:    uint32(len(leaves)),
		maxKeyLen:   516,
		totalNodes:  uint32(catNodes),
		compare:     0xCF,
		attributes:  6,
	})
	for i, nd := range catalog {
		copy(b.img[int64(catalogBlk+uint64(i))*hfsBlockSize:], nd)
	}

	// extents overflow
	sort.Slice(overflow, func(i, j int) bool {
		ki, kj := overflow[i].key(), overflow[j].key()
		return string(ki[2:]) < string(kj[2:])
	})
	extHeader := hfsTreeHeader{maxKeyLen: 10, totalNodes: 2, attributes: 2}
	if len(overflow) > 0 {
		var recs [][]byte
		for _, r := range overflow {
			recs = append(recs, append(r.key(), r.data...))
		}
		extHeader.depth, extHeader.root, extHeader.firstLeaf, extHeader.lastLeaf = 1, 1, 1, 1
		extHeader.leafRecords = uint32(len(recs))
		copy(b.img[int64(extentsBlk+1)*hfsBlockSize:], hfsNode(-1, 1, 0, 0, recs))
	}
	copy(b.img[int64(extentsBlk)*hfsBlockSize:], hfsHeaderNode(extHeader))

	// allocation bitmap, most significant bit first
	bitmap := b.img[int64(bitmapBlk)*hfsBlockSize:][:hfsBlockSize]
	free := uint32(0)
	for i, u := range b.used {
		if u {
			bitmap[i/8] |= 0x80 >> (i % 8)
		} else {
			free++
		}
	}

	vh := b.img[1024:1536]
	binary.BigEndian.PutUint16(vh[0:], 0x482B)
	binary.BigEndian.PutUint16(vh[2:], 4)
	binary.BigEndian.PutUint32(vh[4:], 0x100) // cleanly unmounted
	copy(vh[8:12], "10.0")
	binary.BigEndian.PutUint32(vh[16:], hfsTime(Epoch))
	binary.BigEndian.PutUint32(vh[20:], hfsTime(Epoch))
	binary.BigEndian.PutUint32(vh[32:], uint32(fileCount))
	binary.BigEndian.PutUint32(vh[36:], uint32(folderCount))
	binary.BigEndian.PutUint32(vh[40:], hfsBlockSize)
	binary.BigEndian.PutUint32(vh[44:], total)
	binary.BigEndian.PutUint32(vh[48:], free)
	binary.BigEndian.PutUint32(vh[52:], b.next)
	binary.BigEndian.PutUint32(vh[64:], nextID)
	hfsPutFork(vh[0x70:0xC0], hfsBlockSize, []hfsRun{{uint32(bitmapBlk), 1}})
	hfsPutFork(vh[0xC0:0x110], 2*hfsNodeSize, []hfsRun{{uint32(extentsBlk), 2}})
	hfsPutFork(vh[0x110:0x160], uint64(catNodes)*hfsNodeSize, []hfsRun{{uint32(catalogBlk), uint32(catNodes)}})
	copy(b.img[size-1024:], vh)
	return b.img
}

// alloc reserves n blocks, skipping used ones. Fragmented allocations
// leave a free block after every used one.
func (b *hfsBuilder) alloc(n int, fragmented bool) []uint64 {
	out := make([]uint64, 0, n)
	for len(out) < n {
		for int(b.next) < len(b.used) && b.used[b.next] {
			b.next++
		}
		if int(b.next) >= len(b.used) {
			panic("imagetest: HFS+ volume full")
		}
		out = append(out, uint64(b.next))
		b.used[b.next] = true
		b.next++
		if fragmented {
			b.next++
		}
	}
	return out
}

func (r hfsRecord) key() []byte {
	if r.rawKey != nil {
		return append([]byte(nil), r.rawKey...)
	}
	units := utf16.Encode([]rune(r.name))
	k := make([]byte, 8+2*len(units))
	binary.BigEndian.PutUint16(k[0:], uint16(6+2*len(units)))
	binary.BigEndian.PutUint32(k[2:], r.parent)
	binary.BigEndian.PutUint16(k[6:], uint16(len(units)))
	for i, u := range units {
		binary.BigEndian.PutUint16(k[8+2*i:], u)
	}
	return k
}

func hfsCatalog(root *node, label string) []hfsRecord {
	recs := []hfsRecord{
		{parent: 2, data: hfsThread(3, 1, label)},
		{parent: 1, name: norm.NFD.String(label), data: hfsFolderRecord(root)},
	}
	root.walk(func(n *node) {
		if n.parent == nil {
			return
		}
		kind := uint16(4)
		if n.dir {
			kind = 3
		}
		recs = append(recs, hfsRecord{parent: n.id, data: hfsThread(kind, n.parent.id, n.name)})
		rec := hfsRecord{parent: n.parent.id, name: norm.NFD.String(n.name)}
		if n.dir {
			rec.data = hfsFolderRecord(n)
		} else {
			rec.data = hfsFileRecord(n)
		}
		recs = append(recs, rec)
	})
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].parent != recs[j].parent {
			return recs[i].parent < recs[j].parent
		}
		return strings.ToLower(recs[i].name) < strings.ToLower(recs[j].name)
	})
	return recs
}

func hfsPackLeaves(recs []hfsRecord) [][]hfsRecord {
	var leaves [][]hfsRecord
	var cur []hfsRecord
	used := 14
	for _, r := range recs {
		l := len(r.key()) + len(r.data)
		if len(cur) > 0 && used+l+2*(len(cur)+2) > hfsNodeSize {
			leaves = append(leaves, cur)
			cur, used = nil, 14
		}
		cur = append(cur, r)
		used += l
	}
	if len(cur) > 0 {
		leaves = append(leaves, cur)
	}
	return leaves
}

func hfsThread(kind uint16, parent uint32, name string) []byte {
	units := utf16.Encode([]rune(norm.NFD.String(name)))
	d := make([]byte, 10+2*len(units))
	binary.BigEndian.PutUint16(d[0:], kind)
	binary.BigEndian.PutUint32(d[4:], parent)
	binary.BigEndian.PutUint16(d[8:], uint16(len(units)))
	for i, u := range units {
		binary.BigEndian.PutUint16(d[10+2*i:], u)
	}
	return d
}

func hfsDates(d []byte, f File) {
	binary.BigEndian.PutUint32(d[12:], hfsTime(created(f)))
	binary.BigEndian.PutUint32(d[16:], hfsTime(modified(f)))
	binary.BigEndian.PutUint32(d[20:], hfsTime(modified(f)))
	binary.BigEndian.PutUint32(d[24:], hfsTime(modified(f)))
}

func hfsFolderRecord(n *node) []byte {
	d := make([]byte, 88)
	binary.BigEndian.PutUint16(d[0:], 1)
	binary.BigEndian.PutUint32(d[4:], uint32(len(n.children)))
	binary.BigEndian.PutUint32(d[8:], n.id)
	hfsDates(d, n.file)
	binary.BigEndian.PutUint16(d[42:], 0x41ED)
	return d
}

func hfsFileRecord(n *node) []byte {
	d := make([]byte, 248)
	binary.BigEndian.PutUint16(d[0:], 2)
	binary.BigEndian.PutUint32(d[8:], n.id)
	hfsDates(d, n.file)
	binary.BigEndian.PutUint16(d[42:], 0x81A4)
	runs := hfsRuns(n.blocks)
	hfsPutFork(d[88:168], uint64(len(n.file.Data)), runs[:min(8, len(runs))])
	binary.BigEndian.PutUint32(d[88+12:], uint32(len(n.blocks)))
	return d
}

func hfsOverflowRecord(fileID, start uint32, runs []hfsRun) hfsRecord {
	key := make([]byte, 12)
	binary.BigEndian.PutUint16(key[0:], 10)
	binary.BigEndian.PutUint32(key[4:], fileID)
	binary.BigEndian.PutUint32(key[8:], start)
	data := make([]byte, 64)
	for i, r := range runs {
		binary.BigEndian.PutUint32(data[i*8:], r[0])
		binary.BigEndian.PutUint32(data[i*8+4:], r[1])
	}
	return hfsRecord{parent: fileID, data: data, rawKey: key}
}

func hfsRuns(blocks []uint64) []hfsRun {
	var runs []hfsRun
	for _, blk := range blocks {
		if n := len(runs); n > 0 && uint64(runs[n-1][0]+runs[n-1][1]) == blk {
			runs[n-1][1]++
			continue
		}
		runs = append(runs, hfsRun{uint32(blk), 1})
	}
	return runs
}

func hfsPutFork(d []byte, logical uint64, runs []hfsRun) {
	var blocks uint32
	binary.BigEndian.PutUint64(d[0:], logical)
	for i, r := range runs {
		binary.BigEndian.PutUint32(d[16+i*8:], r[0])
		binary.BigEndian.PutUint32(d[20+i*8:], r[1])
		blocks += r[1]
	}
	binary.BigEndian.PutUint32(d[12:], blocks)
}

func hfsTime(t time.Time) uint32 { return uint32(t.Unix() + hfsEpochDiff) }

// hfsNode lays out a B-tree node: descriptor, records, then the record
// offsets counting back from the end.
func hfsNode(kind int8, height byte, fLink, bLink uint32, records [][]byte) []byte {
	nd := make([]byte, hfsNodeSize)
	binary.BigEndian.PutUint32(nd[0:], fLink)
	binary.BigEndian.PutUint32(nd[4:], bLink)
	nd[8] = byte(kind)
	nd[9] = height
	binary.BigEndian.PutUint16(nd[10:], uint16(len(records)))
	off := 14
	for i, r := range records {
		binary.BigEndian.PutUint16(nd[hfsNodeSize-2*(i+1):], uint16(off))
		copy(nd[off:], r)
		off += len(r)
	}
	if off > hfsNodeSize-2*(len(records)+1) {
		panic("imagetest: B-tree node overflow")
	}
	binary.BigEndian.PutUint16(nd[hfsNodeSize-2*(len(records)+1):], uint16(off))
	return nd
}

type hfsTreeHeader struct {
	depth       uint16
	root        uint32
	leafRecords uint32
	firstLeaf   uint32
	lastLeaf    uint32
	maxKeyLen   uint16
	totalNodes  uint32
	compare     byte
	attributes  uint32
}

func hfsHeaderNode(h hfsTreeHeader) []byte {
	rec := make([]byte, 106)
	binary.BigEndian.PutUint16(rec[0:], h.depth)
	binary.BigEndian.PutUint32(rec[2:], h.root)
	binary.BigEndian.PutUint32(rec[6:], h.leafRecords)
	binary.BigEndian.PutUint32(rec[10:], h.firstLeaf)
	binary.BigEndian.PutUint32(rec[14:], h.lastLeaf)
	binary.BigEndian.PutUint16(rec[18:], hfsNodeSize)
	binary.BigEndian.PutUint16(rec[20:], h.maxKeyLen)
	binary.BigEndian.PutUint32(rec[22:], h.totalNodes)
	usedNodes := 1 + h.lastLeaf
	if h.depth > 1 {
		usedNodes++
	}
	binary.BigEndian.PutUint32(rec[26:], h.totalNodes-usedNodes)
	binary.BigEndian.PutUint32(rec[32:], hfsNodeSize)
	rec[37] = h.compare
	binary.BigEndian.PutUint32(rec[38:], h.attributes)

	user := make([]byte, 128)
	nodeMap := make([]byte, hfsNodeSize-14-106-128-8)
	for i := uint32(0); i < usedNodes; i++ {
		nodeMap[i/8] |= 0x80 >> (i % 8)
	}
	return hfsNode(1, 0, 0, 0, [][]byte{rec, user, nodeMap})
}
