// Package exfat implements read-only exFAT filesystem support.
package exfat

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/logger"
)

var signature = []byte("EXFAT   ")

const (
	entryEndOfDir = 0x00
	entryBitmap   = 0x81
	entryUpcase   = 0x82
	entryLabel    = 0x83
	entryFile     = 0x85
	entryStream   = 0xC0
	entryName     = 0xC1

	attrDirectory = 0x10
	attrReadOnly  = 0x01

	flagNoFatChain = 0x02

	fatEOF = 0xFFFFFFFF
	fatBad = 0xFFFFFFF7
)

// FS implements a read-only exFAT filesystem
type FS struct {
	r              io.ReaderAt
	size           int64
	bytesPerSector int64
	clusterSize    int64
	fatOffset      int64
	heapOffset     int64
	clusterCount   uint32
	rootCluster    uint32
	bitmapCluster  uint32
	bitmapLength   int64
	label          string
}

// Open opens an exFAT volume. It returns nil, nil when the boot sector does
// not carry the exFAT signature.
func Open(r io.ReaderAt, size int64) (fsys.FS, error) {
	boot := make([]byte, 512)
	if n, err := r.ReadAt(boot, 0); n < len(boot) {
		return nil, errors.Wrap(fsys.Classify(err), "reading exFAT boot sector")
	}
	if !bytes.Equal(boot[3:11], signature) {
		return nil, nil
	}

	sectorShift := boot[108]
	clusterShift := boot[109]
	if sectorShift < 9 || sectorShift > 12 || int(sectorShift)+int(clusterShift) > 25 {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "exFAT: sector shift %d, cluster shift %d", sectorShift, clusterShift)
	}

	f := &FS{
		r:              r,
		size:           size,
		bytesPerSector: 1 << sectorShift,
		clusterCount:   binary.LittleEndian.Uint32(boot[92:96]),
		rootCluster:    binary.LittleEndian.Uint32(boot[96:100]),
	}
	f.clusterSize = f.bytesPerSector << clusterShift
	f.fatOffset = int64(binary.LittleEndian.Uint32(boot[80:84])) * f.bytesPerSector
	f.heapOffset = int64(binary.LittleEndian.Uint32(boot[88:92])) * f.bytesPerSector

	if f.rootCluster < 2 || f.rootCluster >= f.clusterCount+2 {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "exFAT: root directory cluster %d", f.rootCluster)
	}

	// The root holds the allocation bitmap and label entries.
	root, err := f.readDirData(f.rootCluster, -1, false)
	if err != nil {
		return nil, errors.Wrap(err, "exFAT: reading root directory")
	}
	for i := 0; i+32 <= len(root.data); i += 32 {
		e := root.data[i : i+32]
		switch e[0] {
		case entryEndOfDir:
			i = len(root.data)
		case entryBitmap:
			if e[1]&1 == 0 { // first bitmap
				f.bitmapCluster = binary.LittleEndian.Uint32(e[20:24])
				f.bitmapLength = int64(binary.LittleEndian.Uint64(e[24:32]))
			}
		case entryLabel:
			n := int(min(e[1], 11))
			f.label = fsys.DecodeUTF16LE(e[2 : 2+2*n])
		}
	}
	return f, nil
}

func (f *FS) Type() string            { return "exFAT" }
func (f *FS) Close() error            { return nil }
func (f *FS) BaseReader() io.ReaderAt { return f.r }

// Label returns the volume label, if any.
func (f *FS) Label() string { return f.label }

func (f *FS) clusterToOffset(cluster uint32) int64 {
	return f.heapOffset + int64(cluster-2)*f.clusterSize
}

func (f *FS) next(cluster uint32) (uint32, error) {
	var buf [4]byte
	off := f.fatOffset + int64(cluster)*4
	if n, err := f.r.ReadAt(buf[:], off); n < 4 {
		return 0, errors.Wrapf(fsys.Classify(err), "exFAT: reading FAT entry %d", cluster)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// chainExtents maps size bytes starting at cluster. Contiguous files skip
// the FAT. A negative size follows the chain to its end.
func (f *FS) chainExtents(cluster uint32, size int64, contiguous bool) ([]fsys.Extent, error) {
	if cluster == 0 || size == 0 {
		return nil, nil
	}
	if cluster < 2 || cluster >= f.clusterCount+2 {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "exFAT: first cluster %d out of range", cluster)
	}

	var b fsys.ExtentBuilder
	if contiguous {
		end := f.clusterToOffset(f.clusterCount + 2)
		start := f.clusterToOffset(cluster)
		if start+size > end {
			b.Add(start, end-start)
			return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "exFAT: contiguous run from cluster %d passes the end of the heap", cluster)
		}
		b.Add(start, size)
		return b.Extents(), nil
	}

	remaining := size
	for steps := uint32(0); steps <= f.clusterCount; steps++ {
		if cluster < 2 || cluster >= f.clusterCount+2 {
			return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "exFAT: cluster %d out of range", cluster)
		}
		n := f.clusterSize
		if size >= 0 && n > remaining {
			n = remaining
		}
		b.Add(f.clusterToOffset(cluster), n)
		remaining -= n
		if size >= 0 && remaining <= 0 {
			return b.Extents(), nil
		}

		next, err := f.next(cluster)
		if err != nil {
			return b.Extents(), err
		}
		if next == fatEOF {
			if size >= 0 {
				return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "exFAT: chain ends %d bytes short", remaining)
			}
			return b.Extents(), nil
		}
		if next == fatBad {
			return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "exFAT: bad cluster after %d", cluster)
		}
		cluster = next
	}
	return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "exFAT: cluster chain loops")
}

type dirData struct {
	data    []byte
	extents []fsys.Extent
}

func (f *FS) readDirData(cluster uint32, size int64, contiguous bool) (dirData, error) {
	extents, err := f.chainExtents(cluster, size, contiguous)
	if err != nil {
		return dirData{}, err
	}
	var total int64
	for _, e := range extents {
		total += e.Length
	}
	data := make([]byte, total)
	if n, err := fsys.NewExtentReaderAt(f.r, extents, total).ReadAt(data, 0); int64(n) < total {
		return dirData{}, errors.Wrapf(fsys.Classify(err), "exFAT: reading directory at cluster %d", cluster)
	}
	return dirData{data: data, extents: extents}, nil
}

// dirEntry is a decoded file directory entry set.
type dirEntry struct {
	name         string
	attr         uint16
	created      time.Time
	modified     time.Time
	firstCluster uint32
	validLength  int64
	dataLength   int64
	contiguous   bool
	addr         uint64
}

func (e dirEntry) isDir() bool { return e.attr&attrDirectory != 0 }

func (f *FS) readDir(d dirEntry) ([]dirEntry, error) {
	size := d.dataLength
	if d.firstCluster == f.rootCluster && d.dataLength == 0 {
		size = -1
	}
	dd, err := f.readDirData(d.firstCluster, size, d.contiguous)
	if err != nil {
		return nil, err
	}
	return parseEntrySets(dd), nil
}

func (f *FS) root() dirEntry {
	return dirEntry{name: ".", attr: attrDirectory, firstCluster: f.rootCluster}
}

// parseEntrySets decodes file entry sets. Sets whose secondary entries are
// missing or out of order are skipped; a name that does not fill the
// declared length is kept as far as it goes.
func parseEntrySets(dd dirData) []dirEntry {
	var entries []dirEntry
	data := dd.data

	for i := 0; i+32 <= len(data); i += 32 {
		typ := data[i]
		if typ == entryEndOfDir {
			break
		}
		if typ != entryFile {
			continue
		}

		file := data[i : i+32]
		secondary := int(file[1])
		if secondary < 2 || i+32*(secondary+1) > len(data) || data[i+32] != entryStream {
			continue
		}
		stream := data[i+32 : i+64]

		e := dirEntry{
			attr:         binary.LittleEndian.Uint16(file[4:6]),
			created:      timestamp(binary.LittleEndian.Uint32(file[8:12]), file[20], file[22]),
			modified:     timestamp(binary.LittleEndian.Uint32(file[12:16]), file[21], file[23]),
			contiguous:   stream[1]&flagNoFatChain != 0,
			validLength:  int64(binary.LittleEndian.Uint64(stream[8:16])),
			firstCluster: binary.LittleEndian.Uint32(stream[20:24]),
			dataLength:   int64(binary.LittleEndian.Uint64(stream[24:32])),
			addr:         uint64(physical(dd.extents, int64(i))),
		}

		nameLen := int(stream[3])
		var name []byte
		for k := 2; k <= secondary && len(name) < 2*nameLen; k++ {
			ne := data[i+32*k : i+32*k+32]
			if ne[0] != entryName {
				break
			}
			name = append(name, ne[2:32]...)
		}
		if len(name) > 2*nameLen {
			name = name[:2*nameLen]
		}
		e.name = fsys.DecodeUTF16LE(name)

		entries = append(entries, e)
		i += 32 * secondary
	}
	return entries
}

func physical(extents []fsys.Extent, off int64) int64 {
	for _, e := range extents {
		if off >= e.Logical && off < e.Logical+e.Length {
			return e.Physical + off - e.Logical
		}
	}
	return 0
}

// timestamp decodes an exFAT timestamp with its 10 ms increment and UTC
// offset fields.
func timestamp(ts uint32, tenMs uint8, utcOffset uint8) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	month := time.Month(ts >> 21 & 0x0F)
	day := int(ts >> 16 & 0x1F)
	if month < 1 || month > 12 || day == 0 {
		return time.Time{}
	}
	t := time.Date(int(ts>>25)+1980, month, day,
		int(ts>>11&0x1F), int(ts>>5&0x3F), int(ts&0x1F)*2, 0, time.UTC)
	t = t.Add(time.Duration(tenMs) * 10 * time.Millisecond)
	if utcOffset&0x80 != 0 {
		// signed count of 15 minute steps, local = UTC + offset
		quarters := int8(utcOffset<<1) >> 1
		t = t.Add(-time.Duration(quarters) * 15 * time.Minute)
	}
	return t
}

// FreeBlocks returns free ranges of the cluster heap from the allocation bitmap.
func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	if f.bitmapCluster == 0 {
		return nil, errors.Wrap(fsys.ErrFilesystem, "exFAT: no allocation bitmap")
	}
	if need := int64(f.clusterCount+7) / 8; f.bitmapLength < need || f.bitmapLength > f.size {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "exFAT: allocation bitmap of %d bytes for %d clusters", f.bitmapLength, f.clusterCount)
	}
	extents, err := f.chainExtents(f.bitmapCluster, f.bitmapLength, false)
	if err != nil {
		return nil, err
	}
	bitmap := make([]byte, f.bitmapLength)
	if n, err := fsys.NewExtentReaderAt(f.r, extents, f.bitmapLength).ReadAt(bitmap, 0); int64(n) < f.bitmapLength {
		return nil, errors.Wrap(fsys.Classify(err), "exFAT: reading allocation bitmap")
	}

	var ranges []fsys.Range
	var start int64 = -1
	for c := uint32(0); c < f.clusterCount; c++ {
		free := int(c/8) < len(bitmap) && bitmap[c/8]&(1<<(c%8)) == 0
		off := f.clusterToOffset(c + 2)
		switch {
		case free && start < 0:
			start = off
		case !free && start >= 0:
			ranges = append(ranges, fsys.Range{Start: start, End: off})
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, fsys.Range{Start: start, End: f.clusterToOffset(f.clusterCount + 2)})
	}
	return ranges, nil
}

// FileExtents maps the valid data of a file; bytes past the valid data
// length are unwritten and read as zero.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	e, err := f.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: err}
	}
	if e.isDir() {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: fsys.ErrIsADirectory}
	}
	return f.chainExtents(e.firstCluster, e.validLength, e.contiguous)
}

func (f *FS) lookup(name string) (dirEntry, error) {
	cur := f.root()
	if name == "." {
		return cur, nil
	}
	for _, part := range strings.Split(name, "/") {
		if !cur.isDir() {
			return dirEntry{}, fsys.ErrNotADirectory
		}
		entries, err := f.readDir(cur)
		if err != nil {
			return dirEntry{}, err
		}
		found := false
		for _, e := range entries {
			if strings.EqualFold(e.name, part) {
				cur, found = e, true
				break
			}
		}
		if !found {
			return dirEntry{}, fs.ErrNotExist
		}
	}
	return cur, nil
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

	if e.isDir() {
		return fsys.NewDir(info, func() ([]fs.DirEntry, error) {
			raw, err := f.readDir(e)
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

	size := e.dataLength
	extents, err := f.chainExtents(e.firstCluster, e.validLength, e.contiguous)
	if err != nil {
		if len(extents) == 0 {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		last := extents[len(extents)-1]
		size = last.Logical + last.Length
		logger.WalkLogger.Warning("truncated exFAT allocation", "path", name, "declared", e.dataLength, "mapped", size, "error", err.Error())
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
	entry dirEntry
}

func (i *fileInfo) Name() string       { return i.entry.name }
func (i *fileInfo) Size() int64        { return i.entry.dataLength }
func (i *fileInfo) ModTime() time.Time { return i.entry.modified }
func (i *fileInfo) IsDir() bool        { return i.entry.isDir() }
func (i *fileInfo) Sys() any           { return nil }
func (i *fileInfo) Inode() uint64      { return i.entry.addr }

func (i *fileInfo) Created() (time.Time, bool) {
	return i.entry.created, !i.entry.created.IsZero()
}

func (i *fileInfo) Mode() fs.FileMode {
	mode := fs.FileMode(0444)
	if i.entry.attr&attrReadOnly == 0 {
		mode |= 0200
	}
	if i.IsDir() {
		mode |= fs.ModeDir | 0111
	}
	return mode
}
