// Package fat implements read-only FAT12/16/32 filesystem support.
package fat

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/detect"
	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/logger"
)

// FS implements a read-only FAT filesystem
type FS struct {
	r    io.ReaderAt
	size int64
	bpb  bpb
	fat  fatTable
	typ  string
}

// bpb contains the BIOS Parameter Block fields we need
type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16 // 0 for FAT32
	totalSectors      uint32
	fatSize           uint32 // in sectors
	rootCluster       uint32 // FAT32 only
	firstDataSector   uint32
	countOfClusters   uint32
	isFAT32           bool
}

type fatTable struct {
	r           io.ReaderAt
	startOffset int64
	bits        int // 12, 16 or 32
}

// Open opens a FAT filesystem from the given reader. It returns nil, nil
// when the boot sector is not a FAT volume boot record.
func Open(r io.ReaderAt, size int64) (fsys.FS, error) {
	header := make([]byte, 512)
	if n, err := r.ReadAt(header, 0); n < len(header) {
		return nil, errors.Wrap(fsys.Classify(err), "reading FAT boot sector")
	}
	if header[510] != 0x55 || header[511] != 0xAA {
		return nil, nil
	}

	f := &FS{r: r, size: size}
	if err := f.parseBPB(header); err != nil {
		return nil, err
	}

	bits := 16
	switch {
	case f.bpb.isFAT32:
		bits = 32
	case f.bpb.countOfClusters < 4085:
		bits = 12
	}
	f.fat = fatTable{
		r:           r,
		startOffset: int64(f.bpb.reservedSectors) * int64(f.bpb.bytesPerSector),
		bits:        bits,
	}
	return f, nil
}

func (f *FS) parseBPB(header []byte) error {
	b := &f.bpb
	b.bytesPerSector = binary.LittleEndian.Uint16(header[11:13])
	b.sectorsPerCluster = header[13]
	b.reservedSectors = binary.LittleEndian.Uint16(header[14:16])
	b.numFATs = header[16]
	b.rootEntryCount = binary.LittleEndian.Uint16(header[17:19])

	switch b.bytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return errors.Wrapf(fsys.ErrFilesystem, "FAT: bytes per sector %d", b.bytesPerSector)
	}
	if spc := b.sectorsPerCluster; spc == 0 || spc&(spc-1) != 0 {
		return errors.Wrapf(fsys.ErrFilesystem, "FAT: sectors per cluster %d", spc)
	}
	if b.numFATs == 0 || b.reservedSectors == 0 {
		return errors.Wrapf(fsys.ErrFilesystem, "FAT: %d FATs, %d reserved sectors", b.numFATs, b.reservedSectors)
	}

	if ts16 := binary.LittleEndian.Uint16(header[19:21]); ts16 != 0 {
		b.totalSectors = uint32(ts16)
	} else {
		b.totalSectors = binary.LittleEndian.Uint32(header[32:36])
	}

	if fs16 := binary.LittleEndian.Uint16(header[22:24]); fs16 != 0 {
		b.fatSize = uint32(fs16)
	} else {
		b.fatSize = binary.LittleEndian.Uint32(header[36:40])
		b.rootCluster = binary.LittleEndian.Uint32(header[44:48])
		b.isFAT32 = true
	}

	rootDirSectors := (uint32(b.rootEntryCount)*32 + uint32(b.bytesPerSector) - 1) / uint32(b.bytesPerSector)
	b.firstDataSector = uint32(b.reservedSectors) + uint32(b.numFATs)*b.fatSize + rootDirSectors
	if b.firstDataSector >= b.totalSectors {
		return errors.Wrapf(fsys.ErrFilesystem, "FAT: data area starts at sector %d of %d", b.firstDataSector, b.totalSectors)
	}
	b.countOfClusters = (b.totalSectors - b.firstDataSector) / uint32(b.sectorsPerCluster)

	// A volume using the extended BPB is FAT32 whatever its cluster count.
	if b.isFAT32 {
		f.typ = detect.FAT32.String()
	} else if b.countOfClusters < 4085 {
		f.typ = detect.FAT12.String()
	} else {
		f.typ = detect.FAT16.String()
	}
	return nil
}

func (f *FS) Type() string            { return f.typ }
func (f *FS) Close() error            { return nil }
func (f *FS) BaseReader() io.ReaderAt { return f.r }

// FreeBlocks returns the free byte ranges of the data area.
// Free clusters are those with a FAT entry value of 0.
func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	var ranges []fsys.Range
	var start int64 = -1

	for cluster := uint32(2); cluster < f.bpb.countOfClusters+2; cluster++ {
		entry, err := f.fat.next(cluster)
		if err != nil {
			return nil, errors.Wrapf(err, "reading FAT entry %d", cluster)
		}
		offset := f.clusterToOffset(cluster)
		switch {
		case entry == 0 && start < 0:
			start = offset
		case entry != 0 && start >= 0:
			ranges = append(ranges, fsys.Range{Start: start, End: offset})
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, fsys.Range{Start: start, End: f.clusterToOffset(f.bpb.countOfClusters + 2)})
	}
	return ranges, nil
}

// FileExtents returns the physical extents for a file
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	entry, err := f.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: err}
	}
	if entry.isDir() {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: fsys.ErrIsADirectory}
	}
	return f.clusterChainExtents(entry.cluster, int64(entry.size))
}

// clusterChainExtents maps the chain starting at startCluster. A negative
// size follows the chain to its end marker, as for directories.
func (f *FS) clusterChainExtents(startCluster uint32, size int64) ([]fsys.Extent, error) {
	if startCluster < 2 || size == 0 {
		return nil, nil
	}

	var b fsys.ExtentBuilder
	clusterSize := int64(f.clusterSize())
	cluster := startCluster
	remaining := size

	// a well-formed chain visits each cluster at most once
	for steps := uint32(0); steps <= f.bpb.countOfClusters; steps++ {
		if cluster < 2 || cluster >= f.bpb.countOfClusters+2 {
			return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "FAT: cluster %d out of range in chain from %d", cluster, startCluster)
		}

		n := clusterSize
		if size >= 0 && n > remaining {
			n = remaining
		}
		b.Add(f.clusterToOffset(cluster), n)
		remaining -= n
		if size >= 0 && remaining <= 0 {
			return b.Extents(), nil
		}

		next, err := f.fat.next(cluster)
		if err != nil {
			return b.Extents(), errors.Wrapf(err, "reading FAT entry for cluster %d", cluster)
		}
		if f.fat.isEOF(next) {
			if size >= 0 {
				return b.Extents(), errors.Wrapf(fsys.ErrFilesystem,
					"FAT: chain from cluster %d ends %d bytes short of the file size", startCluster, remaining)
			}
			return b.Extents(), nil
		}
		cluster = next
	}
	return b.Extents(), errors.Wrapf(fsys.ErrFilesystem, "FAT: cluster chain from %d loops", startCluster)
}

func (f *FS) clusterToOffset(cluster uint32) int64 {
	return int64(f.bpb.firstDataSector)*int64(f.bpb.bytesPerSector) +
		int64(cluster-2)*int64(f.bpb.sectorsPerCluster)*int64(f.bpb.bytesPerSector)
}

func (f *FS) clusterSize() int {
	return int(f.bpb.sectorsPerCluster) * int(f.bpb.bytesPerSector)
}

// next returns the FAT entry for cluster.
func (t *fatTable) next(cluster uint32) (uint32, error) {
	var buf [4]byte
	switch t.bits {
	case 12:
		if _, err := t.r.ReadAt(buf[:2], t.startOffset+int64(cluster)*3/2); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16(buf[:2])
		if cluster%2 == 0 {
			return uint32(v & 0x0FFF), nil
		}
		return uint32(v >> 4), nil
	case 16:
		if _, err := t.r.ReadAt(buf[:2], t.startOffset+int64(cluster)*2); err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(buf[:2])), nil
	}
	if _, err := t.r.ReadAt(buf[:], t.startOffset+int64(cluster)*4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]) & 0x0FFFFFFF, nil
}

func (t *fatTable) isEOF(cluster uint32) bool {
	switch t.bits {
	case 12:
		return cluster >= 0x0FF8
	case 16:
		return cluster >= 0xFFF8
	}
	return cluster >= 0x0FFFFFF8
}

// dirEntry is a decoded short entry together with its long name.
type dirEntry struct {
	name    string
	attr    uint8
	cluster uint32
	size    uint32
	modTime time.Time
	created time.Time
	addr    uint64 // byte offset of the short entry within the volume
}

func (e dirEntry) isDir() bool { return e.attr&attrDirectory != 0 }

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLFN       = 0x0F
)

// readRootDir reads the root directory
func (f *FS) readRootDir() ([]dirEntry, error) {
	if f.bpb.isFAT32 {
		return f.readDir(f.bpb.rootCluster)
	}

	// FAT12/16: root directory is at fixed location
	rootStart := int64(f.bpb.reservedSectors)*int64(f.bpb.bytesPerSector) +
		int64(f.bpb.numFATs)*int64(f.bpb.fatSize)*int64(f.bpb.bytesPerSector)
	rootSize := int64(f.bpb.rootEntryCount) * 32

	data := make([]byte, rootSize)
	if n, err := f.r.ReadAt(data, rootStart); n < len(data) {
		return nil, errors.Wrapf(fsys.Classify(err), "reading root directory at offset %d", rootStart)
	}
	return parseDirEntries(data, []fsys.Extent{{Logical: 0, Physical: rootStart, Length: rootSize}}), nil
}

// readDir reads the directory whose chain starts at cluster.
func (f *FS) readDir(cluster uint32) ([]dirEntry, error) {
	extents, err := f.clusterChainExtents(cluster, -1)
	if err != nil {
		return nil, err
	}
	var size int64
	for _, e := range extents {
		size += e.Length
	}
	data := make([]byte, size)
	if n, err := fsys.NewExtentReaderAt(f.r, extents, size).ReadAt(data, 0); int64(n) < size {
		return nil, errors.Wrapf(fsys.Classify(err), "reading directory at cluster %d", cluster)
	}
	return parseDirEntries(data, extents), nil
}

func parseDirEntries(data []byte, extents []fsys.Extent) []dirEntry {
	var entries []dirEntry
	var lfn []uint16
	var lfnSum byte

	for i := 0; i+32 <= len(data); i += 32 {
		entry := data[i : i+32]

		if entry[0] == 0x00 {
			break
		}
		if entry[0] == 0xE5 {
			lfn = nil
			continue
		}

		attr := entry[11]
		if attr&0x3F == attrLFN {
			seq := entry[0]
			if seq&0x40 != 0 {
				lfn, lfnSum = nil, entry[13]
			} else if entry[13] != lfnSum {
				lfn = nil
			}
			// parts are stored last-first
			lfn = append(lfnChars(entry), lfn...)
			continue
		}
		if attr&attrVolumeID != 0 {
			lfn = nil
			continue
		}

		de := dirEntry{
			attr:    attr,
			size:    binary.LittleEndian.Uint32(entry[28:32]),
			cluster: uint32(binary.LittleEndian.Uint16(entry[26:28])) | uint32(binary.LittleEndian.Uint16(entry[20:22]))<<16,
			modTime: parseDOSDateTime(binary.LittleEndian.Uint16(entry[24:26]), binary.LittleEndian.Uint16(entry[22:24]), 0),
			created: parseDOSDateTime(binary.LittleEndian.Uint16(entry[16:18]), binary.LittleEndian.Uint16(entry[14:16]), entry[13]),
			addr:    uint64(physical(extents, int64(i))),
		}

		if len(lfn) > 0 && lfnSum == shortNameChecksum(entry[0:11]) {
			de.name = fsys.DecodeUTF16LE(utf16Bytes(lfn))
		} else {
			de.name = shortName(entry)
		}
		lfn = nil

		entries = append(entries, de)
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

// shortName renders an 8.3 name, applying the lower-case flags Windows
// stores in byte 12.
func shortName(entry []byte) string {
	raw := make([]byte, 11)
	copy(raw, entry[0:11])
	if raw[0] == 0x05 {
		raw[0] = 0xE5
	}
	base := strings.TrimRight(fsys.DecodeCP437(raw[0:8]), " ")
	ext := strings.TrimRight(fsys.DecodeCP437(raw[8:11]), " ")
	if entry[12]&0x08 != 0 {
		base = strings.ToLower(base)
	}
	if entry[12]&0x10 != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func shortNameChecksum(name []byte) byte {
	var sum byte
	for _, c := range name {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// lfnChars returns the 13 UTF-16 code units of a long-name entry.
func lfnChars(entry []byte) []uint16 {
	chars := make([]uint16, 0, 13)
	for _, r := range [][2]int{{1, 11}, {14, 26}, {28, 32}} {
		for o := r[0]; o < r[1]; o += 2 {
			chars = append(chars, binary.LittleEndian.Uint16(entry[o:o+2]))
		}
	}
	for i, c := range chars {
		if c == 0 || c == 0xFFFF {
			return chars[:i]
		}
	}
	return chars
}

func utf16Bytes(u []uint16) []byte {
	b := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	return b
}

// parseDOSDateTime decodes a DOS timestamp; a zero or invalid date yields
// the zero time.
func parseDOSDateTime(dosDate, dosTime uint16, tenths uint8) time.Time {
	month := time.Month((dosDate >> 5) & 0x0F)
	day := int(dosDate & 0x1F)
	if dosDate == 0 || month < 1 || month > 12 || day == 0 {
		return time.Time{}
	}
	year := int((dosDate>>9)&0x7F) + 1980
	hour := int((dosTime >> 11) & 0x1F)
	min := int((dosTime >> 5) & 0x3F)
	sec := int((dosTime&0x1F)*2) + int(tenths)/100
	nsec := int(tenths) % 100 * int(10*time.Millisecond)
	return time.Date(year, month, day, hour, min, sec, nsec, time.UTC)
}

// fs.FS implementation

func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	if name == "." {
		info := &fileInfo{entry: dirEntry{name: ".", attr: attrDirectory}}
		return fsys.NewDir(info, func() ([]fs.DirEntry, error) { return f.dirEntries(f.readRootDir()) }), nil
	}

	entry, err := f.lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	info := &fileInfo{entry: entry}

	if entry.isDir() {
		return fsys.NewDir(info, func() ([]fs.DirEntry, error) {
			if entry.cluster == 0 {
				// ".." entries of first-level directories point at the root as cluster 0
				return f.dirEntries(f.readRootDir())
			}
			return f.dirEntries(f.readDir(entry.cluster))
		}), nil
	}

	size := int64(entry.size)
	extents, err := f.clusterChainExtents(entry.cluster, size)
	if err != nil {
		if len(extents) == 0 {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		// Serve what the chain covers; reads beyond it come back short.
		last := extents[len(extents)-1]
		size = last.Logical + last.Length
		logger.WalkLogger.Warning("truncated cluster chain", "path", name, "declared", entry.size, "mapped", size, "error", err.Error())
	}
	return fsys.NewFile(info, fsys.NewExtentReaderAt(f.r, extents, size)), nil
}

func (f *FS) dirEntries(raw []dirEntry, err error) ([]fs.DirEntry, error) {
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, 0, len(raw))
	for _, e := range raw {
		if e.name == "." || e.name == ".." {
			continue
		}
		entries = append(entries, fsys.InfoEntry{FileInfo: &fileInfo{entry: e}})
	}
	return entries, nil
}

// lookup resolves a slash-separated path case-insensitively.
func (f *FS) lookup(name string) (dirEntry, error) {
	entries, err := f.readRootDir()
	if err != nil {
		return dirEntry{}, err
	}

	parts := strings.Split(name, "/")
	for i, part := range parts {
		var found *dirEntry
		for j := range entries {
			if strings.EqualFold(entries[j].name, part) {
				found = &entries[j]
				break
			}
		}
		if found == nil {
			return dirEntry{}, fs.ErrNotExist
		}
		if i == len(parts)-1 {
			return *found, nil
		}
		if !found.isDir() {
			return dirEntry{}, fsys.ErrNotADirectory
		}
		if found.cluster == 0 {
			entries, err = f.readRootDir()
		} else {
			entries, err = f.readDir(found.cluster)
		}
		if err != nil {
			return dirEntry{}, err
		}
	}
	return dirEntry{}, fs.ErrNotExist
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
func (i *fileInfo) Size() int64        { return int64(i.entry.size) }
func (i *fileInfo) ModTime() time.Time { return i.entry.modTime }
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

func (i *fileInfo) String() string {
	return fmt.Sprintf("%s attr=%#02x cluster=%d size=%d", i.entry.name, i.entry.attr, i.entry.cluster, i.entry.size)
}
