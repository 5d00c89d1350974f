// Package hfsplus implements read-only HFS+ and HFSX filesystem support.
//
// Directories are listed by descending the catalog B-tree to the first
// leaf record of the parent folder and scanning forward along the leaf
// chain. Fork data beyond the eight extents kept in the catalog record is
// looked up in the extents overflow B-tree.
package hfsplus

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/logger"
)

const (
	hfsPlusSig         = 0x482B // 'H+'
	hfsxSig            = 0x4858 // 'HX' (case-sensitive HFS+)
	volumeHeaderOffset = 1024

	rootFolderID     = 2
	extentsFileID    = 3
	catalogFileID    = 4
	allocationFileID = 6
	forkData         = 0x00

	nodeKindLeaf   = -1
	nodeKindIndex  = 0
	nodeKindHeader = 1

	recordFolder       = 1
	recordFile         = 2
	recordFolderThread = 3
	recordFileThread   = 4

	// seconds from 1904-01-01 to 1970-01-01
	hfsEpochDiff = 2082844800
)

// FS implements a read-only HFS+ filesystem
type FS struct {
	r           io.ReaderAt
	size        int64
	signature   uint16
	version     uint16
	blockSize   uint32
	totalBlocks uint32
	freeBlocks  uint32
	createDate  uint32
	modifyDate  uint32
	fileCount   uint32
	folderCount uint32

	allocation fork
	extents    *btree
	catalog    *btree
}

// fork is an HFSPlusForkData: a logical size and up to eight extents.
type fork struct {
	logicalSize uint64
	totalBlocks uint32
	extents     [8]extentDescriptor
}

type extentDescriptor struct {
	startBlock uint32
	blockCount uint32
}

func parseFork(b []byte) fork {
	f := fork{
		logicalSize: binary.BigEndian.Uint64(b[0:8]),
		totalBlocks: binary.BigEndian.Uint32(b[12:16]),
	}
	for i := range f.extents {
		f.extents[i] = extentDescriptor{
			startBlock: binary.BigEndian.Uint32(b[16+i*8:]),
			blockCount: binary.BigEndian.Uint32(b[20+i*8:]),
		}
	}
	return f
}

// Open opens an HFS+ filesystem. It returns nil, nil when the volume header
// signature is absent.
func Open(r io.ReaderAt, size int64) (fsys.FS, error) {
	header := make([]byte, 512)
	if n, err := r.ReadAt(header, volumeHeaderOffset); n < len(header) {
		return nil, errors.Wrap(fsys.Classify(err), "reading HFS+ volume header")
	}
	sig := binary.BigEndian.Uint16(header[0:2])
	if sig != hfsPlusSig && sig != hfsxSig {
		return nil, nil
	}

	f := &FS{
		r:           r,
		size:        size,
		signature:   sig,
		version:     binary.BigEndian.Uint16(header[2:4]),
		createDate:  binary.BigEndian.Uint32(header[16:20]),
		modifyDate:  binary.BigEndian.Uint32(header[20:24]),
		fileCount:   binary.BigEndian.Uint32(header[32:36]),
		folderCount: binary.BigEndian.Uint32(header[36:40]),
		blockSize:   binary.BigEndian.Uint32(header[40:44]),
		totalBlocks: binary.BigEndian.Uint32(header[44:48]),
		freeBlocks:  binary.BigEndian.Uint32(header[48:52]),
		allocation:  parseFork(header[0x70:0xC0]),
	}
	if f.blockSize < 512 || f.blockSize&(f.blockSize-1) != 0 {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "HFS+: block size %d", f.blockSize)
	}

	var err error
	if f.extents, err = f.openBTree(extentsFileID, parseFork(header[0xC0:0x110]), nil); err != nil {
		return nil, errors.Wrap(err, "HFS+: extents overflow file")
	}
	if f.catalog, err = f.openBTree(catalogFileID, parseFork(header[0x110:0x160]), f.extents); err != nil {
		return nil, errors.Wrap(err, "HFS+: catalog file")
	}
	return f, nil
}

func (f *FS) Type() string {
	if f.signature == hfsxSig {
		return "HFSX"
	}
	return "HFS+"
}

func (f *FS) Close() error            { return nil }
func (f *FS) BaseReader() io.ReaderAt { return f.r }

// hfsTime converts seconds since 1904-01-01 UTC.
func hfsTime(t uint32) time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.Unix(int64(t)-hfsEpochDiff, 0).UTC()
}

// Info returns a human readable summary of the volume header.
func (f *FS) Info() string {
	total := uint64(f.blockSize) * uint64(f.totalBlocks)
	free := uint64(f.blockSize) * uint64(f.freeBlocks)

	var b strings.Builder
	fmt.Fprintf(&b, "%s volume, version %d\n", f.Type(), f.version)
	fmt.Fprintf(&b, "  Block size: %d bytes, %d blocks (%d free)\n", f.blockSize, f.totalBlocks, f.freeBlocks)
	fmt.Fprintf(&b, "  Used: %d of %d bytes\n", total-free, total)
	fmt.Fprintf(&b, "  Files: %d, folders: %d", f.fileCount, f.folderCount)
	if t := hfsTime(f.createDate); !t.IsZero() {
		fmt.Fprintf(&b, "\n  Created: %s", t.Format(time.RFC3339))
	}
	if t := hfsTime(f.modifyDate); !t.IsZero() {
		fmt.Fprintf(&b, "\n  Modified: %s", t.Format(time.RFC3339))
	}
	return b.String()
}

// forkExtents maps a fork onto the volume. Extents past the eight in the
// fork record come from the overflow tree, which is nil while the overflow
// tree itself is being opened.
func (f *FS) forkExtents(fileID uint32, fk fork, overflow *btree) ([]fsys.Extent, error) {
	var b fsys.ExtentBuilder
	bs := int64(f.blockSize)
	var blocks uint32

	add := func(eds []extentDescriptor) bool {
		for _, ed := range eds {
			if ed.blockCount == 0 {
				return false
			}
			b.Add(int64(ed.startBlock)*bs, int64(ed.blockCount)*bs)
			blocks += ed.blockCount
		}
		return true
	}

	more := add(fk.extents[:])
	for more && blocks < fk.totalBlocks {
		if overflow == nil {
			return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "HFS+: file %d needs overflow extents", fileID)
		}
		eds, err := overflow.overflowExtents(fileID, blocks)
		if err != nil {
			return b.Extents(), err
		}
		more = add(eds)
	}
	if blocks < fk.totalBlocks {
		return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "HFS+: file %d maps %d of %d blocks", fileID, blocks, fk.totalBlocks)
	}
	return clip(b.Extents(), int64(fk.logicalSize)), nil
}

func clip(extents []fsys.Extent, size int64) []fsys.Extent {
	out := extents[:0]
	for _, e := range extents {
		if e.Logical >= size {
			break
		}
		e.Length = min(e.Length, size-e.Logical)
		out = append(out, e)
	}
	return out
}

// btree reads nodes of a B-tree file through its fork extents.
type btree struct {
	fs         *FS
	r          *fsys.ExtentReaderAt
	nodeSize   int
	root       uint32
	firstLeaf  uint32
	totalNodes uint32
	binaryKeys bool
}

type node struct {
	fLink   uint32
	kind    int8
	records [][]byte
}

func (f *FS) openBTree(fileID uint32, fk fork, overflow *btree) (*btree, error) {
	extents, err := f.forkExtents(fileID, fk, overflow)
	if err != nil {
		return nil, err
	}
	t := &btree{fs: f, r: fsys.NewExtentReaderAt(f.r, extents, int64(fk.logicalSize))}

	head := make([]byte, 106)
	if n, err := t.r.ReadAt(head, 0); n < len(head) {
		return nil, errors.Wrap(fsys.Classify(err), "reading B-tree header node")
	}
	if int8(head[8]) != nodeKindHeader {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "B-tree node 0 has kind %d", int8(head[8]))
	}
	rec := head[14:]
	t.root = binary.BigEndian.Uint32(rec[2:6])
	t.firstLeaf = binary.BigEndian.Uint32(rec[10:14])
	t.nodeSize = int(binary.BigEndian.Uint16(rec[18:20]))
	t.totalNodes = binary.BigEndian.Uint32(rec[22:26])
	t.binaryKeys = rec[37] == 0xBC

	if t.nodeSize < 512 || t.nodeSize&(t.nodeSize-1) != 0 {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "B-tree node size %d", t.nodeSize)
	}
	return t, nil
}

func (t *btree) node(n uint32) (*node, error) {
	if n >= t.totalNodes {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "B-tree node %d of %d", n, t.totalNodes)
	}
	data := make([]byte, t.nodeSize)
	if got, err := t.r.ReadAt(data, int64(n)*int64(t.nodeSize)); got < len(data) {
		return nil, errors.Wrapf(fsys.Classify(err), "reading B-tree node %d", n)
	}

	nd := &node{
		fLink: binary.BigEndian.Uint32(data[0:4]),
		kind:  int8(data[8]),
	}
	count := int(binary.BigEndian.Uint16(data[10:12]))
	if 14+2*(count+1) > len(data) {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "B-tree node %d claims %d records", n, count)
	}
	// Offsets run backwards from the end; entry count+1 marks free space.
	offset := func(i int) int { return int(binary.BigEndian.Uint16(data[len(data)-2*(i+1):])) }
	for i := 0; i < count; i++ {
		start, end := offset(i), offset(i+1)
		if start < 14 || end < start || end > len(data)-2*(count+1) {
			return nil, errors.Wrapf(fsys.ErrFilesystem, "B-tree node %d record %d spans %d..%d", n, i, start, end)
		}
		nd.records = append(nd.records, data[start:end])
	}
	return nd, nil
}

// keyData splits a record into key and data.
func keyData(rec []byte) ([]byte, []byte, bool) {
	if len(rec) < 2 {
		return nil, nil, false
	}
	kl := int(binary.BigEndian.Uint16(rec[0:2]))
	if 2+kl > len(rec) {
		return nil, nil, false
	}
	return rec[2 : 2+kl], rec[2+kl:], true
}

// seek descends from the root to the leaf that would hold the first key
// not less than target, as ordered by less.
func (t *btree) seek(less func(key []byte) bool) (uint32, error) {
	n := t.root
	if n == 0 { // empty tree; scan(0) visits nothing
		return 0, nil
	}
	for depth := 0; ; depth++ {
		if depth > 16 {
			return 0, errors.Wrap(fsys.ErrFilesystem, "B-tree deeper than 16 levels")
		}
		nd, err := t.node(n)
		if err != nil {
			return 0, err
		}
		if nd.kind == nodeKindLeaf {
			return n, nil
		}
		if nd.kind != nodeKindIndex || len(nd.records) == 0 {
			return 0, errors.Wrapf(fsys.ErrFilesystem, "B-tree node %d: kind %d, %d records", n, nd.kind, len(nd.records))
		}
		// Follow the last index key ordered before the target, or the
		// first child when there is none.
		child := uint32(0)
		for i, rec := range nd.records {
			key, data, ok := keyData(rec)
			if !ok || len(data) < 4 {
				return 0, errors.Wrapf(fsys.ErrFilesystem, "B-tree index node %d record %d", n, i)
			}
			if i > 0 && !less(key) {
				break
			}
			child = binary.BigEndian.Uint32(data[0:4])
		}
		n = child
	}
}

// scan calls fn on leaf records from node n onwards until fn returns false.
func (t *btree) scan(n uint32, fn func(key, data []byte) bool) error {
	for visited := uint32(0); n != 0; visited++ {
		if visited > t.totalNodes {
			return errors.Wrap(fsys.ErrFilesystem, "B-tree leaf chain loops")
		}
		nd, err := t.node(n)
		if err != nil {
			return err
		}
		if nd.kind != nodeKindLeaf {
			return errors.Wrapf(fsys.ErrFilesystem, "B-tree node %d in leaf chain has kind %d", n, nd.kind)
		}
		for _, rec := range nd.records {
			key, data, ok := keyData(rec)
			if !ok {
				continue
			}
			if !fn(key, data) {
				return nil
			}
		}
		n = nd.fLink
	}
	return nil
}

// overflowExtents returns the data fork extent record of fileID starting
// at block start.
func (t *btree) overflowExtents(fileID, start uint32) ([]extentDescriptor, error) {
	// key: keyLength, forkType u8, pad u8, fileID u32, startBlock u32
	cmp := func(key []byte) int {
		if len(key) < 10 {
			return -1
		}
		switch id := binary.BigEndian.Uint32(key[2:6]); {
		case id != fileID:
			return compareUint(id, fileID)
		case key[0] != forkData:
			return compareUint(uint32(key[0]), forkData)
		}
		return compareUint(binary.BigEndian.Uint32(key[6:10]), start)
	}

	leaf, err := t.seek(func(key []byte) bool { return cmp(key) < 0 })
	if err != nil {
		return nil, err
	}
	var found []extentDescriptor
	err = t.scan(leaf, func(key, data []byte) bool {
		c := cmp(key)
		if c < 0 {
			return true
		}
		if c == 0 && len(data) >= 64 {
			for i := 0; i < 8; i++ {
				found = append(found, extentDescriptor{
					startBlock: binary.BigEndian.Uint32(data[i*8:]),
					blockCount: binary.BigEndian.Uint32(data[i*8+4:]),
				})
			}
		}
		return false
	})
	if err == nil && found == nil {
		err = errors.Wrapf(fsys.ErrFilesystem, "HFS+: no overflow extents for file %d at block %d", fileID, start)
	}
	return found, err
}

func compareUint(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// catalogEntry is a folder or file record with its name.
type catalogEntry struct {
	name     string
	parent   uint32
	id       uint32
	folder   bool
	mode     uint16
	created  time.Time
	modified time.Time
	data     fork
}

func parseCatalogRecord(key, data []byte) (catalogEntry, bool) {
	if len(key) < 6 || len(data) < 2 {
		return catalogEntry{}, false
	}
	e := catalogEntry{parent: binary.BigEndian.Uint32(key[0:4])}
	nameLen := int(binary.BigEndian.Uint16(key[4:6]))
	if 6+2*nameLen > len(key) {
		return catalogEntry{}, false
	}
	e.name = displayName(key[6 : 6+2*nameLen])

	switch int16(binary.BigEndian.Uint16(data[0:2])) {
	case recordFolder:
		if len(data) < 88 {
			return catalogEntry{}, false
		}
		e.folder = true
	case recordFile:
		if len(data) < 168 {
			return catalogEntry{}, false
		}
		e.data = parseFork(data[88:168])
	default:
		return catalogEntry{}, false
	}
	e.id = binary.BigEndian.Uint32(data[8:12])
	e.created = hfsTime(binary.BigEndian.Uint32(data[12:16]))
	e.modified = hfsTime(binary.BigEndian.Uint32(data[16:20]))
	e.mode = binary.BigEndian.Uint16(data[42:44])
	return e, true
}

// displayName decodes a catalog name to composed form. Slashes are shown
// as colons, the way the BSD layer presents them.
func displayName(utf16be []byte) string {
	name := norm.NFC.String(fsys.DecodeUTF16BE(utf16be))
	return strings.ReplaceAll(name, "/", ":")
}

func (f *FS) sameName(a, b string) bool {
	if f.catalog.binaryKeys {
		return a == b
	}
	return strings.EqualFold(a, b)
}

// children lists the folder and file records whose parent is id.
func (f *FS) children(id uint32) ([]catalogEntry, error) {
	// The thread record keyed (id, "") sorts before every child.
	leaf, err := f.catalog.seek(func(key []byte) bool {
		if len(key) < 6 {
			return true
		}
		p := binary.BigEndian.Uint32(key[0:4])
		return p < id || (p == id && binary.BigEndian.Uint16(key[4:6]) == 0)
	})
	if err != nil {
		return nil, err
	}

	var out []catalogEntry
	err = f.catalog.scan(leaf, func(key, data []byte) bool {
		if len(key) < 4 {
			return true
		}
		switch p := binary.BigEndian.Uint32(key[0:4]); {
		case p < id:
			return true
		case p > id:
			return false
		}
		if e, ok := parseCatalogRecord(key, data); ok {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

func (f *FS) root() catalogEntry {
	return catalogEntry{name: ".", id: rootFolderID, folder: true, created: hfsTime(f.createDate), modified: hfsTime(f.modifyDate)}
}

func (f *FS) lookup(name string) (catalogEntry, error) {
	cur := f.root()
	if name == "." {
		return cur, nil
	}
	for _, part := range strings.Split(name, "/") {
		if !cur.folder {
			return catalogEntry{}, fsys.ErrNotADirectory
		}
		entries, err := f.children(cur.id)
		if err != nil {
			return catalogEntry{}, err
		}
		found := false
		for _, e := range entries {
			if f.sameName(e.name, part) {
				cur, found = e, true
				break
			}
		}
		if !found {
			return catalogEntry{}, fs.ErrNotExist
		}
	}
	return cur, nil
}

// FreeBlocks returns free ranges from the allocation file bitmap.
func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	extents, err := f.forkExtents(allocationFileID, f.allocation, f.extents)
	if err != nil {
		return nil, errors.Wrap(err, "HFS+: allocation file")
	}
	need := int64(f.totalBlocks+7) / 8
	bitmap := make([]byte, need)
	if n, err := fsys.NewExtentReaderAt(f.r, extents, int64(f.allocation.logicalSize)).ReadAt(bitmap, 0); int64(n) < need {
		return nil, errors.Wrap(fsys.Classify(err), "HFS+: reading allocation bitmap")
	}

	bs := int64(f.blockSize)
	var ranges []fsys.Range
	start := int64(-1)
	for blk := uint32(0); blk < f.totalBlocks; blk++ {
		free := bitmap[blk/8]&(0x80>>(blk%8)) == 0
		switch {
		case free && start < 0:
			start = int64(blk) * bs
		case !free && start >= 0:
			ranges = append(ranges, fsys.Range{Start: start, End: int64(blk) * bs})
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, fsys.Range{Start: start, End: int64(f.totalBlocks) * bs})
	}
	return ranges, nil
}

// FileExtents returns the data fork extents of a file.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	e, err := f.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: err}
	}
	if e.folder {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: fsys.ErrIsADirectory}
	}
	return f.forkExtents(e.id, e.data, f.extents)
}

// fs.FS implementation

func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	e, err := f.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	info := &fileInfo{entry: e}

	if e.folder {
		return fsys.NewDir(info, func() ([]fs.DirEntry, error) {
			raw, err := f.children(e.id)
			if err != nil {
				return nil, err
			}
			entries := make([]fs.DirEntry, 0, len(raw))
			for _, c := range raw {
				entries = append(entries, fsys.InfoEntry{FileInfo: &fileInfo{entry: c}})
			}
			return entries, nil
		}), nil
	}

	size := int64(e.data.logicalSize)
	extents, err := f.forkExtents(e.id, e.data, f.extents)
	if err != nil {
		if len(extents) == 0 {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		last := extents[len(extents)-1]
		size = last.Logical + last.Length
		logger.WalkLogger.Warning("incomplete data fork", "path", name, "cnid", e.id, "mapped", size, "error", err.Error())
	}
	return fsys.NewFile(info, fsys.NewExtentReaderAt(f.r, extents, size)), nil
}

func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	return fsys.ReadDir(f, name)
}

func (f *FS) Stat(name string) (fs.FileInfo, error) {
	return fsys.Stat(f, name)
}

// fileInfo implements fsys.FileInfo
type fileInfo struct {
	entry catalogEntry
}

func (i *fileInfo) Name() string       { return i.entry.name }
func (i *fileInfo) Size() int64        { return int64(i.entry.data.logicalSize) }
func (i *fileInfo) ModTime() time.Time { return i.entry.modified }
func (i *fileInfo) IsDir() bool        { return i.entry.folder }
func (i *fileInfo) Sys() any           { return nil }
func (i *fileInfo) Inode() uint64      { return uint64(i.entry.id) }

func (i *fileInfo) Created() (time.Time, bool) {
	return i.entry.created, !i.entry.created.IsZero()
}

func (i *fileInfo) Mode() fs.FileMode {
	m := i.entry.mode
	if m == 0 {
		if i.entry.folder {
			return fs.ModeDir | 0755
		}
		return 0644
	}
	mode := fs.FileMode(m & 0777)
	switch m & 0xF000 {
	case 0x4000:
		mode |= fs.ModeDir
	case 0xA000:
		mode |= fs.ModeSymlink
	case 0x6000:
		mode |= fs.ModeDevice
	case 0x2000:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case 0x1000:
		mode |= fs.ModeNamedPipe
	case 0xC000:
		mode |= fs.ModeSocket
	}
	if i.entry.folder {
		mode |= fs.ModeDir
	}
	return mode
}
