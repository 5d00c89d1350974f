// Package ext implements read-only ext2/ext3/ext4 filesystem support.
package ext

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/detect"
	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/logger"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagic         = 0xEF53

	rootInode = 2

	inodeFlagExtents    = 0x00080000
	inodeFlagInlineData = 0x10000000

	featureIncompat64Bit = 0x0080

	extentMagic    = 0xF30A
	maxExtentDepth = 5

	// Lengths above this mark an unwritten extent that reads as zero.
	maxInitExtentLen = 0x8000
)

// FS implements a read-only ext2/3/4 filesystem
type FS struct {
	r         io.ReaderAt
	size      int64
	sb        superblock
	blockSize int64
	typ       string
}

type superblock struct {
	inodesCount     uint32
	blocksCount     uint64
	firstDataBlock  uint32
	logBlockSize    uint32
	blocksPerGroup  uint32
	inodesPerGroup  uint32
	revLevel        uint32
	inodeSize       uint16
	featureIncompat uint32
	volumeName      string
	descSize        uint16
	groupCount      uint32
}

type inode struct {
	mode   uint16
	size   uint64
	mtime  time.Time
	crtime time.Time
	blocks uint32
	flags  uint32
	block  [60]byte // block pointers, extent tree root or inline data
}

func (i *inode) isDir() bool     { return i.mode&0xF000 == 0x4000 }
func (i *inode) isSymlink() bool { return i.mode&0xF000 == 0xA000 }

// Open opens an ext2/3/4 filesystem. It returns nil, nil when the
// superblock magic is absent.
func Open(r io.ReaderAt, size int64) (fsys.FS, error) {
	data := make([]byte, superblockSize)
	if n, err := r.ReadAt(data, superblockOffset); n < len(data) {
		return nil, errors.Wrap(fsys.Classify(err), "ext: reading superblock")
	}
	if binary.LittleEndian.Uint16(data[0x38:0x3A]) != extMagic {
		return nil, nil
	}

	f := &FS{r: r, size: size}
	if err := f.parseSuperblock(data); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FS) parseSuperblock(data []byte) error {
	sb := &f.sb
	sb.inodesCount = binary.LittleEndian.Uint32(data[0x00:0x04])
	sb.blocksCount = uint64(binary.LittleEndian.Uint32(data[0x04:0x08]))
	sb.firstDataBlock = binary.LittleEndian.Uint32(data[0x14:0x18])
	sb.logBlockSize = binary.LittleEndian.Uint32(data[0x18:0x1C])
	sb.blocksPerGroup = binary.LittleEndian.Uint32(data[0x20:0x24])
	sb.inodesPerGroup = binary.LittleEndian.Uint32(data[0x28:0x2C])
	sb.revLevel = binary.LittleEndian.Uint32(data[0x4C:0x50])
	sb.inodeSize = binary.LittleEndian.Uint16(data[0x58:0x5A])
	sb.featureIncompat = binary.LittleEndian.Uint32(data[0x60:0x64])
	sb.volumeName = string(bytes.TrimRight(data[0x78:0x88], "\x00"))

	if sb.logBlockSize > 6 {
		return errors.Wrapf(fsys.ErrFilesystem, "ext: block size shift %d", sb.logBlockSize)
	}
	f.blockSize = 1024 << sb.logBlockSize

	if sb.revLevel == 0 {
		sb.inodeSize = 128
	}
	if sb.inodeSize < 128 || sb.inodeSize&(sb.inodeSize-1) != 0 || int64(sb.inodeSize) > f.blockSize {
		return errors.Wrapf(fsys.ErrFilesystem, "ext: inode size %d", sb.inodeSize)
	}
	if sb.blocksPerGroup == 0 || sb.inodesPerGroup == 0 {
		return errors.Wrapf(fsys.ErrFilesystem, "ext: %d blocks, %d inodes per group", sb.blocksPerGroup, sb.inodesPerGroup)
	}

	sb.descSize = 32
	if sb.featureIncompat&featureIncompat64Bit != 0 {
		if ds := binary.LittleEndian.Uint16(data[0xFE:0x100]); ds >= 64 {
			sb.descSize = ds
		} else {
			sb.descSize = 64
		}
		sb.blocksCount |= uint64(binary.LittleEndian.Uint32(data[0x150:0x154])) << 32
	}
	if sb.blocksCount <= uint64(sb.firstDataBlock) {
		return errors.Wrapf(fsys.ErrFilesystem, "ext: %d blocks", sb.blocksCount)
	}
	sb.groupCount = uint32((sb.blocksCount - uint64(sb.firstDataBlock) + uint64(sb.blocksPerGroup) - 1) / uint64(sb.blocksPerGroup))

	f.typ = detect.ExtVersion(data).String()
	return nil
}

func (f *FS) Type() string            { return f.typ }
func (f *FS) Close() error            { return nil }
func (f *FS) BaseReader() io.ReaderAt { return f.r }

// Label returns the volume name from the superblock.
func (f *FS) Label() string { return fsys.ValidName([]byte(f.sb.volumeName)) }

// FreeBlocks returns the free byte ranges from the block bitmaps.
func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	var ranges []fsys.Range
	add := func(r fsys.Range) {
		if n := len(ranges); n > 0 && ranges[n-1].End == r.Start {
			ranges[n-1].End = r.End
			return
		}
		ranges = append(ranges, r)
	}

	for group := uint32(0); group < f.sb.groupCount; group++ {
		gd, err := f.groupDescriptor(group)
		if err != nil {
			return nil, err
		}
		bitmap, err := f.readBlock(gd.blockBitmap)
		if err != nil {
			return nil, errors.Wrapf(err, "ext: block bitmap of group %d", group)
		}

		first := uint64(f.sb.firstDataBlock) + uint64(group)*uint64(f.sb.blocksPerGroup)
		count := min(uint64(f.sb.blocksPerGroup), f.sb.blocksCount-first, uint64(len(bitmap))*8)

		start := int64(-1)
		for i := uint64(0); i < count; i++ {
			free := bitmap[i/8]&(1<<(i%8)) == 0
			off := int64(first+i) * f.blockSize
			switch {
			case free && start < 0:
				start = off
			case !free && start >= 0:
				add(fsys.Range{Start: start, End: off})
				start = -1
			}
		}
		if start >= 0 {
			add(fsys.Range{Start: start, End: int64(first+count) * f.blockSize})
		}
	}
	return ranges, nil
}

// FileExtents returns the physical extents of a regular file. Holes and
// unwritten extents are absent from the list.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	_, ino, err := f.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: err}
	}
	if ino.isDir() {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: fsys.ErrIsADirectory}
	}
	if inlined(ino) {
		return nil, nil
	}
	return f.extents(ino)
}

// inlined reports content stored in the inode itself: ext4 inline data and
// symlink targets shorter than the block map.
func inlined(ino *inode) bool {
	if ino.flags&inodeFlagInlineData != 0 {
		return true
	}
	return ino.isSymlink() && ino.size < 60 && ino.blocks == 0
}

func (f *FS) extents(ino *inode) ([]fsys.Extent, error) {
	var b fsys.ExtentBuilder
	var err error
	if ino.flags&inodeFlagExtents != 0 {
		err = f.walkExtentTree(ino.block[:], 0, &b)
	} else {
		err = f.walkBlockMap(ino, &b)
	}
	return clip(b.Extents(), int64(ino.size)), err
}

// clip drops mapping past size; the tail of the last block is slack.
func clip(extents []fsys.Extent, size int64) []fsys.Extent {
	out := extents[:0]
	for _, e := range extents {
		if e.Logical >= size {
			break
		}
		if e.Logical+e.Length > size {
			e.Length = size - e.Logical
		}
		out = append(out, e)
	}
	return out
}

func (f *FS) walkExtentTree(node []byte, depth int, b *fsys.ExtentBuilder) error {
	if len(node) < 12 || binary.LittleEndian.Uint16(node[0:2]) != extentMagic {
		return errors.Wrap(fsys.ErrFilesystem, "ext: bad extent header")
	}
	if depth > maxExtentDepth {
		return errors.Wrap(fsys.ErrFilesystem, "ext: extent tree too deep")
	}
	entries := int(binary.LittleEndian.Uint16(node[2:4]))
	leaf := binary.LittleEndian.Uint16(node[6:8]) == 0
	if 12+entries*12 > len(node) {
		return errors.Wrapf(fsys.ErrFilesystem, "ext: extent node claims %d entries", entries)
	}

	for i := 0; i < entries; i++ {
		e := node[12+i*12 : 24+i*12]
		if !leaf {
			child := uint64(binary.LittleEndian.Uint32(e[4:8])) | uint64(binary.LittleEndian.Uint16(e[8:10]))<<32
			data, err := f.readBlock(child)
			if err != nil {
				return err
			}
			if err := f.walkExtentTree(data, depth+1, b); err != nil {
				return err
			}
			continue
		}

		logical := int64(binary.LittleEndian.Uint32(e[0:4])) * f.blockSize
		length := int64(binary.LittleEndian.Uint16(e[4:6]))
		start := uint64(binary.LittleEndian.Uint16(e[6:8]))<<32 | uint64(binary.LittleEndian.Uint32(e[8:12]))
		if length > maxInitExtentLen {
			continue
		}
		if logical < b.Logical() {
			return errors.Wrapf(fsys.ErrFilesystem, "ext: extent at block %d out of order", logical/f.blockSize)
		}
		b.Skip(logical - b.Logical())
		b.Add(int64(start)*f.blockSize, length*f.blockSize)
	}
	return nil
}

// walkBlockMap follows the direct and indirect block pointers of ext2/3.
// Zero pointers are holes.
func (f *FS) walkBlockMap(ino *inode, b *fsys.ExtentBuilder) error {
	blocks := (int64(ino.size) + f.blockSize - 1) / f.blockSize
	ptrs := f.blockSize / 4

	var walk func(block uint64, level int) error
	walk = func(block uint64, level int) error {
		span := f.blockSize
		for l := 0; l < level; l++ {
			span *= ptrs
		}
		if block == 0 {
			b.Skip(span)
			return nil
		}
		if level == 0 {
			b.Add(int64(block)*f.blockSize, f.blockSize)
			return nil
		}
		data, err := f.readBlock(block)
		if err != nil {
			return err
		}
		for i := int64(0); i < ptrs && b.Logical() < blocks*f.blockSize; i++ {
			if err := walk(uint64(binary.LittleEndian.Uint32(data[i*4:])), level-1); err != nil {
				return err
			}
		}
		return nil
	}

	for i := 0; i < 15 && b.Logical() < blocks*f.blockSize; i++ {
		level := 0
		if i >= 12 {
			level = i - 11
		}
		if err := walk(uint64(binary.LittleEndian.Uint32(ino.block[i*4:])), level); err != nil {
			return err
		}
	}
	return nil
}

func (f *FS) readBlock(block uint64) ([]byte, error) {
	data := make([]byte, f.blockSize)
	if block >= f.sb.blocksCount {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "ext: block %d past the end of the volume", block)
	}
	if n, err := f.r.ReadAt(data, int64(block)*f.blockSize); n < len(data) {
		return nil, errors.Wrapf(fsys.Classify(err), "ext: reading block %d", block)
	}
	return data, nil
}

type groupDescriptor struct {
	blockBitmap uint64
	inodeTable  uint64
}

func (f *FS) groupDescriptor(group uint32) (groupDescriptor, error) {
	table := int64(f.sb.firstDataBlock+1) * f.blockSize
	data := make([]byte, f.sb.descSize)
	if n, err := f.r.ReadAt(data, table+int64(group)*int64(f.sb.descSize)); n < len(data) {
		return groupDescriptor{}, errors.Wrapf(fsys.Classify(err), "ext: reading group descriptor %d", group)
	}

	gd := groupDescriptor{
		blockBitmap: uint64(binary.LittleEndian.Uint32(data[0x00:0x04])),
		inodeTable:  uint64(binary.LittleEndian.Uint32(data[0x08:0x0C])),
	}
	if f.sb.descSize >= 64 {
		gd.blockBitmap |= uint64(binary.LittleEndian.Uint32(data[0x20:0x24])) << 32
		gd.inodeTable |= uint64(binary.LittleEndian.Uint32(data[0x28:0x2C])) << 32
	}
	return gd, nil
}

func (f *FS) readInode(num uint32) (*inode, error) {
	if num == 0 || num > f.sb.inodesCount {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "ext: inode %d out of range", num)
	}
	group := (num - 1) / f.sb.inodesPerGroup
	index := (num - 1) % f.sb.inodesPerGroup

	gd, err := f.groupDescriptor(group)
	if err != nil {
		return nil, err
	}
	data := make([]byte, f.sb.inodeSize)
	off := int64(gd.inodeTable)*f.blockSize + int64(index)*int64(f.sb.inodeSize)
	if n, err := f.r.ReadAt(data, off); n < len(data) {
		return nil, errors.Wrapf(fsys.Classify(err), "ext: reading inode %d", num)
	}

	ino := &inode{
		mode:   binary.LittleEndian.Uint16(data[0x00:0x02]),
		size:   uint64(binary.LittleEndian.Uint32(data[0x04:0x08])),
		blocks: binary.LittleEndian.Uint32(data[0x1C:0x20]),
		flags:  binary.LittleEndian.Uint32(data[0x20:0x24]),
	}
	copy(ino.block[:], data[0x28:0x64])
	if ino.mode&0xF000 == 0x8000 || ino.isDir() {
		ino.size |= uint64(binary.LittleEndian.Uint32(data[0x6C:0x70])) << 32
	}

	mtime := binary.LittleEndian.Uint32(data[0x10:0x14])
	ino.mtime = extTime(mtime, 0)

	// The extra fields exist only when the large inode says it has room.
	if len(data) > 0x82 {
		extra := int(binary.LittleEndian.Uint16(data[0x80:0x82]))
		if extra >= 0x0C {
			ino.mtime = extTime(mtime, binary.LittleEndian.Uint32(data[0x88:0x8C]))
		}
		if extra >= 0x18 && len(data) >= 0x98 {
			ino.crtime = extTime(binary.LittleEndian.Uint32(data[0x90:0x94]), binary.LittleEndian.Uint32(data[0x94:0x98]))
		} else if extra >= 0x14 && len(data) >= 0x94 {
			ino.crtime = extTime(binary.LittleEndian.Uint32(data[0x90:0x94]), 0)
		}
	}
	return ino, nil
}

// extTime decodes seconds plus the extra word: two epoch bits then
// nanoseconds.
func extTime(sec, extra uint32) time.Time {
	if sec == 0 && extra == 0 {
		return time.Time{}
	}
	s := int64(int32(sec)) + int64(extra&3)<<32
	return time.Unix(s, int64(extra>>2)).UTC()
}

// reader returns the content of ino as a reader over the image.
func (f *FS) reader(ino *inode) (*fsys.ExtentReaderAt, error) {
	size := int64(ino.size)
	if inlined(ino) {
		n := min(size, int64(len(ino.block)))
		return fsys.NewExtentReaderAt(bytes.NewReader(ino.block[:n]), []fsys.Extent{{Length: n}}, n), nil
	}
	extents, err := f.extents(ino)
	return fsys.NewExtentReaderAt(f.r, extents, size), err
}

type dirEntry struct {
	inode    uint32
	fileType uint8
	name     string
}

func (f *FS) readDirectory(ino *inode) ([]dirEntry, error) {
	r, err := f.reader(ino)
	if err != nil {
		return nil, err
	}
	size := r.Size()
	if size > f.size {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "ext: directory size %d exceeds the %d byte volume", size, f.size)
	}
	// only the mapped part of a directory holds records
	var mapped int64
	if extents := r.Extents(); len(extents) > 0 {
		last := extents[len(extents)-1]
		mapped = last.Logical + last.Length
	}
	data := make([]byte, min(size, mapped))
	if n, err := r.ReadAt(data, 0); n < len(data) {
		return nil, errors.Wrap(fsys.Classify(err), "ext: reading directory")
	}

	var entries []dirEntry
	for off := 0; off+8 <= len(data); {
		num := binary.LittleEndian.Uint32(data[off : off+4])
		recLen := int(binary.LittleEndian.Uint16(data[off+4 : off+6]))
		nameLen := int(data[off+6])
		if recLen < 8 || off+recLen > len(data) {
			return entries, errors.Wrapf(fsys.ErrFilesystem, "ext: directory record length %d at %d", recLen, off)
		}
		if num != 0 && nameLen > 0 && 8+nameLen <= recLen {
			name := fsys.ValidName(data[off+8 : off+8+nameLen])
			if name != "." && name != ".." {
				entries = append(entries, dirEntry{inode: num, fileType: data[off+7], name: name})
			}
		}
		off += recLen
	}
	return entries, nil
}

func (f *FS) lookup(name string) (uint32, *inode, error) {
	num := uint32(rootInode)
	ino, err := f.readInode(num)
	if err != nil || name == "." {
		return num, ino, err
	}

	for _, part := range strings.Split(name, "/") {
		if !ino.isDir() {
			return 0, nil, fsys.ErrNotADirectory
		}
		entries, err := f.readDirectory(ino)
		if err != nil {
			return 0, nil, err
		}
		found := false
		for _, e := range entries {
			if e.name == part {
				num, found = e.inode, true
				break
			}
		}
		if !found {
			return 0, nil, fs.ErrNotExist
		}
		if ino, err = f.readInode(num); err != nil {
			return 0, nil, err
		}
	}
	return num, ino, nil
}

// fs.FS implementation

func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	num, ino, err := f.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	info := &fileInfo{name: baseName(name), num: num, ino: ino}

	if ino.isDir() {
		return fsys.NewDir(info, func() ([]fs.DirEntry, error) {
			return f.dirEntries(ino)
		}), nil
	}

	r, err := f.reader(ino)
	if err != nil {
		extents := r.Extents()
		if len(extents) == 0 {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		// Serve the mapped prefix only; what follows is unknown, not a hole.
		last := extents[len(extents)-1]
		r = fsys.NewExtentReaderAt(f.r, extents, last.Logical+last.Length)
		logger.WalkLogger.Warning("incomplete block map", "path", name, "inode", num, "mapped", r.Size(), "error", err.Error())
	}
	return fsys.NewFile(info, r), nil
}

func (f *FS) dirEntries(dir *inode) ([]fs.DirEntry, error) {
	raw, err := f.readDirectory(dir)
	if err != nil && len(raw) == 0 {
		return nil, err
	}
	if err != nil {
		logger.WalkLogger.Warning("directory truncated", "entries", len(raw), "error", err.Error())
	}

	entries := make([]fs.DirEntry, 0, len(raw))
	for _, e := range raw {
		info := &fileInfo{name: e.name, num: e.inode, fileType: e.fileType}
		ino, err := f.readInode(e.inode)
		if err != nil {
			logger.WalkLogger.Warning("unreadable inode", "name", e.name, "inode", e.inode, "error", err.Error())
			entries = append(entries, fsys.InfoEntry{FileInfo: info, Err: errors.Wrapf(err, "%s", e.name)})
			continue
		}
		info.ino = ino
		entries = append(entries, fsys.InfoEntry{FileInfo: info})
	}
	return entries, nil
}

func baseName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	return fsys.ReadDir(f, name)
}

func (f *FS) Stat(name string) (fs.FileInfo, error) {
	return fsys.Stat(f, name)
}

// fileInfo implements fsys.FileInfo. ino is nil when the inode could not
// be read; the directory entry's file type then only serves as the
// fs.DirEntry type hint.
type fileInfo struct {
	name     string
	num      uint32
	ino      *inode
	fileType uint8
}

func (i *fileInfo) Name() string  { return i.name }
func (i *fileInfo) Sys() any      { return nil }
func (i *fileInfo) Inode() uint64 { return uint64(i.num) }
func (i *fileInfo) IsDir() bool   { return i.Mode().IsDir() }

func (i *fileInfo) Size() int64 {
	if i.ino == nil {
		return 0
	}
	return int64(i.ino.size)
}

func (i *fileInfo) ModTime() time.Time {
	if i.ino == nil {
		return time.Time{}
	}
	return i.ino.mtime
}

func (i *fileInfo) Created() (time.Time, bool) {
	if i.ino == nil || i.ino.crtime.IsZero() {
		return time.Time{}, false
	}
	return i.ino.crtime, true
}

// dirEntry file types, used when the inode is unavailable.
var fileTypeModes = map[uint8]fs.FileMode{
	2: fs.ModeDir,
	3: fs.ModeDevice | fs.ModeCharDevice,
	4: fs.ModeDevice,
	5: fs.ModeNamedPipe,
	6: fs.ModeSocket,
	7: fs.ModeSymlink,
}

func (i *fileInfo) Mode() fs.FileMode {
	if i.ino == nil {
		if m, ok := fileTypeModes[i.fileType]; ok {
			return m
		}
		if i.fileType == 1 {
			return 0
		}
		return fs.ModeIrregular
	}
	mode := fs.FileMode(i.ino.mode & 0777)
	switch i.ino.mode & 0xF000 {
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
	case 0x8000:
	default:
		mode |= fs.ModeIrregular
	}
	return mode
}
