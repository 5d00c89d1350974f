// Package part parses partition tables.
//
// A scanned Table lists every region of the image in start order:
// partitions, the table's own sectors and the unallocated gaps between
// them. The table is also a filesystem in which allocated partitions appear
// as files p0..pN and unallocated gaps as u0..uN, so raw byte ranges can be
// read with the same tools as files.
package part

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/detect"
	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/logger"
)

// DefaultSectorSize is used unless WithSectorSize says otherwise.
const DefaultSectorSize = 512

const (
	maxGPTEntries = 4096
	maxEBRChain   = 256
)

// Descriptions of the regions that are not partitions.
const (
	DescUnallocated   = "Unallocated"
	DescPrimaryTable  = "Primary Table"
	DescGPTHeader     = "GPT Header"
	DescGPTEntries    = "GPT Entries"
	DescExtendedTable = "Extended Table"
	DescRaw           = "Raw/Unknown"
)

// Partition is one region of the image. Allocated partitions come from a
// table entry; unallocated ones are gaps or, with Meta set, the table's own
// sectors.
type Partition struct {
	Index         uint32
	StartSector   uint64
	LengthSectors uint64
	SectorSize    uint32
	Description   string
	Allocated     bool

	Scheme   detect.Type // MBR, GPT or Unknown for the synthetic partition
	Type     byte        // MBR type byte
	TypeGUID [16]byte    // GPT type GUID as stored
	Label    string      // GPT partition name
	Bootable bool
	Meta     bool
	Name     string // p<n> or u<n> in the table filesystem, empty for meta regions
}

// Offset returns the byte offset of the first sector.
func (p Partition) Offset() int64 {
	return int64(p.StartSector) * int64(p.SectorSize)
}

// Size returns the length in bytes.
func (p Partition) Size() int64 {
	return int64(p.LengthSectors) * int64(p.SectorSize)
}

// Synthetic reports the Raw/Unknown partition produced when no table is found.
func (p Partition) Synthetic() bool {
	return p.Scheme == detect.Unknown && p.Allocated && p.LengthSectors == 0
}

// GUID returns the GPT type GUID in its canonical text form.
func (p Partition) GUID() string {
	return formatGUID(p.TypeGUID)
}

type scanner struct {
	sectorSize uint32
}

// Option configures Scan.
type Option func(*scanner)

// WithSectorSize sets the logical sector size used for LBA arithmetic.
func WithSectorSize(n uint32) Option {
	return func(s *scanner) {
		if n >= 512 {
			s.sectorSize = n
		}
	}
}

// Table is the result of a scan.
type Table struct {
	r          io.ReaderAt
	size       int64
	sectorSize uint32

	Scheme     detect.Type
	Partitions []Partition
	// Fallback is the reason no table was used, empty when one was.
	Fallback string
}

// Scan reads the partition table of r. It never fails: when no table can
// be read the result holds a single Raw/Unknown partition covering the
// whole image and Fallback says why.
func Scan(r io.ReaderAt, size int64, opts ...Option) *Table {
	s := &scanner{sectorSize: DefaultSectorSize}
	for _, o := range opts {
		o(s)
	}
	t := &Table{r: r, size: size, sectorSize: s.sectorSize}

	entries, meta, scheme, err := s.read(r, size)
	if err == nil && len(entries) == 0 {
		err = errors.New("partition table has no entries")
	}
	if err != nil {
		t.fallback(err)
		return t
	}

	t.Scheme = scheme
	t.layout(entries, meta)
	logger.WalkLogger.Info("partition table scanned", "scheme", scheme.String(), "partitions", len(entries), "regions", len(t.Partitions))
	return t
}

func (t *Table) fallback(err error) {
	t.Scheme = detect.Unknown
	t.Fallback = err.Error()
	t.Partitions = []Partition{{
		SectorSize:  t.sectorSize,
		Description: DescRaw,
		Allocated:   true,
		Name:        "p0",
	}}
	logger.WalkLogger.Warning("no usable partition table, treating image as one volume", "reason", t.Fallback)
}

func (s *scanner) read(r io.ReaderAt, size int64) ([]Partition, []Partition, detect.Type, error) {
	ss := int64(s.sectorSize)
	sector0 := make([]byte, ss)
	if n, err := r.ReadAt(sector0, 0); n < len(sector0) {
		return nil, nil, detect.Unknown, errors.Wrap(fsys.Classify(err), "reading sector 0")
	}

	hdr := make([]byte, ss)
	if n, _ := r.ReadAt(hdr, ss); n == len(hdr) && bytes.Equal(hdr[0:8], []byte("EFI PART")) {
		entries, meta, err := s.readGPT(r, size, hdr)
		if err == nil {
			return entries, meta, detect.GPT, nil
		}
		logger.WalkLogger.Warning("primary GPT unusable, trying MBR", "error", err.Error())
		if !detect.IsMBR(sector0) {
			return nil, nil, detect.Unknown, err
		}
	}

	if sector0[510] != 0x55 || sector0[511] != 0xAA {
		return nil, nil, detect.Unknown, errors.New("no partition table signature")
	}
	if !detect.IsMBR(sector0) {
		return nil, nil, detect.Unknown, errors.New("sector 0 is a volume boot record, not a partition table")
	}
	entries, meta, err := s.readMBR(r, sector0)
	return entries, meta, detect.MBR, err
}

func isExtended(t byte) bool { return t == 0x05 || t == 0x0F || t == 0x85 }

func (s *scanner) readMBR(r io.ReaderAt, sector0 []byte) ([]Partition, []Partition, error) {
	var entries []Partition
	meta := []Partition{s.meta(0, 1, DescPrimaryTable, detect.MBR)}

	for i := 0; i < 4; i++ {
		e := sector0[446+i*16 : 446+(i+1)*16]
		typ := e[4]
		start := uint64(binary.LittleEndian.Uint32(e[8:12]))
		length := uint64(binary.LittleEndian.Uint32(e[12:16]))
		if typ == 0 || length == 0 {
			continue
		}
		if isExtended(typ) {
			logical, ebrs := s.readEBRChain(r, start)
			entries = append(entries, logical...)
			meta = append(meta, ebrs...)
			continue
		}
		entries = append(entries, Partition{
			StartSector:   start,
			LengthSectors: length,
			SectorSize:    s.sectorSize,
			Description:   mbrTypeName(typ),
			Allocated:     true,
			Scheme:        detect.MBR,
			Type:          typ,
			Bootable:      e[0] == 0x80,
		})
	}
	return entries, meta, nil
}

// readEBRChain follows the linked list of extended boot records. Logical
// partition starts are relative to their EBR, next-EBR links relative to the
// start of the extended partition. A broken link ends the chain; what was
// read so far is kept.
func (s *scanner) readEBRChain(r io.ReaderAt, extStart uint64) ([]Partition, []Partition) {
	var entries, meta []Partition
	seen := map[uint64]bool{}
	sector := make([]byte, s.sectorSize)

	for ebr := extStart; len(seen) < maxEBRChain; {
		if seen[ebr] {
			logger.WalkLogger.Warning("extended partition chain loops", "sector", ebr)
			break
		}
		seen[ebr] = true

		if n, err := r.ReadAt(sector, int64(ebr)*int64(s.sectorSize)); n < len(sector) {
			logger.WalkLogger.Warning("unreadable extended boot record", "sector", ebr, "error", fsys.Classify(err).Error())
			break
		}
		if sector[510] != 0x55 || sector[511] != 0xAA {
			logger.WalkLogger.Warning("extended boot record without signature", "sector", ebr)
			break
		}
		meta = append(meta, s.meta(ebr, 1, DescExtendedTable, detect.MBR))

		e := sector[446:462]
		if typ, length := e[4], uint64(binary.LittleEndian.Uint32(e[12:16])); typ != 0 && length != 0 {
			entries = append(entries, Partition{
				StartSector:   ebr + uint64(binary.LittleEndian.Uint32(e[8:12])),
				LengthSectors: length,
				SectorSize:    s.sectorSize,
				Description:   mbrTypeName(typ),
				Allocated:     true,
				Scheme:        detect.MBR,
				Type:          typ,
				Bootable:      e[0] == 0x80,
			})
		}

		next := sector[462:478]
		if !isExtended(next[4]) {
			break
		}
		ebr = extStart + uint64(binary.LittleEndian.Uint32(next[8:12]))
	}
	return entries, meta
}

func (s *scanner) readGPT(r io.ReaderAt, size int64, hdr []byte) ([]Partition, []Partition, error) {
	ss := int64(s.sectorSize)
	hdrSize := binary.LittleEndian.Uint32(hdr[12:16])
	if hdrSize < 92 || int64(hdrSize) > ss {
		return nil, nil, errors.Errorf("GPT header size %d", hdrSize)
	}
	check := make([]byte, hdrSize)
	copy(check, hdr[:hdrSize])
	want := binary.LittleEndian.Uint32(check[16:20])
	binary.LittleEndian.PutUint32(check[16:20], 0)
	if got := crc32.ChecksumIEEE(check); got != want {
		logger.WalkLogger.Warning("GPT header checksum mismatch", "stored", want, "computed", got)
	}

	alternate := binary.LittleEndian.Uint64(hdr[32:40])
	entryLBA := binary.LittleEndian.Uint64(hdr[72:80])
	count := binary.LittleEndian.Uint32(hdr[80:84])
	entrySize := binary.LittleEndian.Uint32(hdr[84:88])
	if entrySize < 128 || entrySize%8 != 0 || int64(entrySize) > ss {
		return nil, nil, errors.Errorf("GPT entry size %d", entrySize)
	}
	if count == 0 || count > maxGPTEntries {
		return nil, nil, errors.Errorf("GPT entry count %d", count)
	}

	table := make([]byte, int64(count)*int64(entrySize))
	if n, err := r.ReadAt(table, int64(entryLBA)*ss); n < len(table) {
		return nil, nil, errors.Wrapf(fsys.Classify(err), "reading %d GPT entries at LBA %d", count, entryLBA)
	}
	if got, want := crc32.ChecksumIEEE(table), binary.LittleEndian.Uint32(hdr[88:92]); got != want {
		logger.WalkLogger.Warning("GPT entry array checksum mismatch", "stored", want, "computed", got)
	}

	entrySectors := (uint64(len(table)) + uint64(ss) - 1) / uint64(ss)
	meta := []Partition{
		s.meta(0, 1, DescPrimaryTable, detect.GPT),
		s.meta(1, 1, DescGPTHeader, detect.GPT),
		s.meta(entryLBA, entrySectors, DescGPTEntries, detect.GPT),
	}
	if total := uint64(size / ss); alternate > 1 && alternate < total {
		// The backup entry array sits directly before the backup header.
		if alternate > entrySectors {
			meta = append(meta, s.meta(alternate-entrySectors, entrySectors, DescGPTEntries, detect.GPT))
		}
		meta = append(meta, s.meta(alternate, 1, DescGPTHeader, detect.GPT))
	}

	var entries []Partition
	for i := uint32(0); i < count; i++ {
		e := table[i*entrySize : (i+1)*entrySize]
		var typeGUID [16]byte
		copy(typeGUID[:], e[0:16])
		if typeGUID == ([16]byte{}) {
			continue
		}
		first := binary.LittleEndian.Uint64(e[32:40])
		last := binary.LittleEndian.Uint64(e[40:48])
		if last < first {
			logger.WalkLogger.Warning("GPT entry ends before it starts", "entry", i, "first", first, "last", last)
			continue
		}
		attrs := binary.LittleEndian.Uint64(e[48:56])
		entries = append(entries, Partition{
			StartSector:   first,
			LengthSectors: last - first + 1,
			SectorSize:    s.sectorSize,
			Description:   gptTypeName(typeGUID),
			Allocated:     true,
			Scheme:        detect.GPT,
			TypeGUID:      typeGUID,
			Label:         fsys.DecodeUTF16LE(e[56:128]),
			Bootable:      attrs&(1<<2) != 0,
		})
	}
	return entries, meta, nil
}

func (s *scanner) meta(start, length uint64, desc string, scheme detect.Type) Partition {
	return Partition{
		StartSector:   start,
		LengthSectors: length,
		SectorSize:    s.sectorSize,
		Description:   desc,
		Scheme:        scheme,
		Meta:          true,
	}
}

// layout merges entries and meta regions in start order and inserts the
// unallocated gaps, then numbers everything.
func (t *Table) layout(entries, meta []Partition) {
	regions := append(append([]Partition{}, entries...), meta...)
	sort.SliceStable(regions, func(i, j int) bool {
		if regions[i].StartSector != regions[j].StartSector {
			return regions[i].StartSector < regions[j].StartSector
		}
		// meta before the partition that starts on the same sector
		return regions[i].Meta && !regions[j].Meta
	})

	total := uint64(t.size / int64(t.sectorSize))
	var out []Partition
	var cursor uint64
	gap := func(end uint64) {
		if end > cursor {
			out = append(out, Partition{
				StartSector:   cursor,
				LengthSectors: end - cursor,
				SectorSize:    t.sectorSize,
				Description:   DescUnallocated,
				Scheme:        t.Scheme,
			})
		}
	}
	for _, p := range regions {
		gap(p.StartSector)
		out = append(out, p)
		if end := p.StartSector + p.LengthSectors; end > cursor {
			cursor = end
		}
		if p.Allocated && p.StartSector+p.LengthSectors > total {
			logger.WalkLogger.Warning("partition extends past the end of the image", "start", p.StartSector, "sectors", p.LengthSectors, "image_sectors", total)
		}
	}
	gap(total)

	var np, nu int
	for i := range out {
		out[i].Index = uint32(i)
		switch {
		case out[i].Allocated:
			out[i].Name = fmt.Sprintf("p%d", np)
			np++
		case !out[i].Meta:
			out[i].Name = fmt.Sprintf("u%d", nu)
			nu++
		}
	}
	t.Partitions = out
}

// Allocated returns the partitions that came from table entries, or the
// synthetic partition.
func (t *Table) Allocated() []Partition {
	var out []Partition
	for _, p := range t.Partitions {
		if p.Allocated {
			out = append(out, p)
		}
	}
	return out
}

// Unallocated returns the gaps, excluding table metadata.
func (t *Table) Unallocated() []Partition {
	var out []Partition
	for _, p := range t.Partitions {
		if !p.Allocated && !p.Meta {
			out = append(out, p)
		}
	}
	return out
}

// Partition returns the region with the given index.
func (t *Table) Partition(index uint32) (Partition, error) {
	if int(index) >= len(t.Partitions) {
		return Partition{}, errors.Wrapf(fsys.ErrNotFound, "partition %d of %d", index, len(t.Partitions))
	}
	return t.Partitions[index], nil
}

// Extent returns the byte range of p in the image. The synthetic
// partition covers the whole image.
func (t *Table) Extent(p Partition) fsys.Extent {
	if p.Synthetic() {
		return fsys.Extent{Physical: 0, Length: t.size}
	}
	return fsys.Extent{Physical: p.Offset(), Length: p.Size()}
}

// fsys.FS implementation

func (t *Table) Type() string {
	if t.Scheme == detect.Unknown {
		return "raw"
	}
	return t.Scheme.String()
}

func (t *Table) Close() error            { return nil }
func (t *Table) BaseReader() io.ReaderAt { return t.r }

// Info returns a one-line summary per region.
func (t *Table) Info() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, sector size %d, %d regions\n", t.Type(), t.sectorSize, len(t.Partitions))
	if t.Fallback != "" {
		fmt.Fprintf(&b, "fallback: %s\n", t.Fallback)
	}
	for _, p := range t.Partitions {
		label := p.Label
		if p.Bootable {
			label = strings.TrimSpace(label + " (bootable)")
		}
		fmt.Fprintf(&b, "%3d %-4s %12d %12d %-22s %s\n", p.Index, p.Name, p.StartSector, p.LengthSectors, p.Description, label)
	}
	return b.String()
}

// FreeBlocks returns the unallocated gaps as byte ranges.
func (t *Table) FreeBlocks() ([]fsys.Range, error) {
	var out []fsys.Range
	for _, p := range t.Unallocated() {
		out = append(out, fsys.Range{Start: p.Offset(), End: p.Offset() + p.Size()})
	}
	return out, nil
}

// FileExtents maps p<n> and u<n> to image offsets.
func (t *Table) FileExtents(name string) ([]fsys.Extent, error) {
	p, ok := t.byName(name)
	if !ok {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: fs.ErrNotExist}
	}
	e := t.Extent(p)
	if e.Length == 0 {
		return nil, nil
	}
	return []fsys.Extent{e}, nil
}

func (t *Table) byName(name string) (Partition, bool) {
	for _, p := range t.Partitions {
		if p.Name != "" && p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}

func (t *Table) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		return fsys.NewDir(rootInfo{}, func() ([]fs.DirEntry, error) {
			var entries []fs.DirEntry
			for _, p := range t.Partitions {
				if p.Name != "" {
					entries = append(entries, fsys.InfoEntry{FileInfo: &fileInfo{p: p, size: t.Extent(p).Length}})
				}
			}
			return entries, nil
		}), nil
	}

	p, ok := t.byName(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	e := t.Extent(p)
	return fsys.NewFile(&fileInfo{p: p, size: e.Length}, fsys.NewExtentReaderAt(t.r, []fsys.Extent{e}, e.Length)), nil
}

func (t *Table) ReadDir(name string) ([]fs.DirEntry, error) {
	return fsys.ReadDir(t, name)
}

func (t *Table) Stat(name string) (fs.FileInfo, error) {
	return fsys.Stat(t, name)
}

type rootInfo struct{}

func (rootInfo) Name() string       { return "." }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0555 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }

// fileInfo describes a partition file; Sys returns the Partition.
type fileInfo struct {
	p    Partition
	size int64
}

func (i *fileInfo) Name() string               { return i.p.Name }
func (i *fileInfo) Size() int64                { return i.size }
func (i *fileInfo) Mode() fs.FileMode          { return 0444 }
func (i *fileInfo) ModTime() time.Time         { return time.Time{} }
func (i *fileInfo) IsDir() bool                { return false }
func (i *fileInfo) Sys() any                   { return i.p }
func (i *fileInfo) Inode() uint64              { return uint64(i.p.Index) }
func (i *fileInfo) Created() (time.Time, bool) { return time.Time{}, false }

var mbrTypes = map[byte]string{
	0x01: "FAT12",
	0x04: "FAT16 <32M",
	0x05: "DOS Extended",
	0x06: "FAT16",
	0x07: "NTFS / exFAT",
	0x0B: "Win95 FAT32",
	0x0C: "Win95 FAT32 (LBA)",
	0x0E: "Win95 FAT16 (LBA)",
	0x0F: "Win95 Extended (LBA)",
	0x11: "Hidden FAT12",
	0x14: "Hidden FAT16 <32M",
	0x16: "Hidden FAT16",
	0x17: "Hidden NTFS",
	0x1B: "Hidden Win95 FAT32",
	0x1C: "Hidden Win95 FAT32 (LBA)",
	0x27: "Windows Recovery",
	0x82: "Linux Swap",
	0x83: "Linux",
	0x85: "Linux Extended",
	0x8E: "Linux LVM",
	0xA5: "FreeBSD",
	0xA8: "Mac OS X",
	0xAB: "Mac OS X Boot",
	0xAF: "Mac OS X HFS",
	0xEE: "GPT Protective",
	0xEF: "EFI System",
	0xFD: "Linux RAID",
}

func mbrTypeName(t byte) string {
	if s, ok := mbrTypes[t]; ok {
		return fmt.Sprintf("%s (0x%02X)", s, t)
	}
	return fmt.Sprintf("Unknown Type (0x%02X)", t)
}

var gptTypes = map[string]string{
	"C12A7328-F81F-11D2-BA4B-00A0C93EC93B": "EFI System",
	"024DEE41-33E7-11D3-9D69-0008C781F39F": "MBR Partition Scheme",
	"21686148-6449-6E6F-744E-656564454649": "BIOS Boot",
	"E3C9E316-0B5C-4DB8-817D-F92DF00215AE": "Microsoft Reserved",
	"EBD0A0A2-B9E5-4433-87C0-68B6B72699C7": "Basic Data",
	"DE94BBA4-06D1-4D40-A16A-BFD50179D6AC": "Windows Recovery",
	"0FC63DAF-8483-4772-8E79-3D69D8477DE4": "Linux Filesystem",
	"0657FD6D-A4AB-43C4-84E5-0933C84B4F4F": "Linux Swap",
	"E6D6D379-F507-44C2-A23C-238F2A3DF928": "Linux LVM",
	"A19D880F-05FC-4D3B-A006-743F0F84911E": "Linux RAID",
	"CA7D7CCB-63ED-4C53-861C-1742536059CC": "Linux LUKS",
	"7C3457EF-0000-11AA-AA11-00306543ECAC": "Apple APFS",
	"48465300-0000-11AA-AA11-00306543ECAC": "Apple HFS+",
	"55465300-0000-11AA-AA11-00306543ECAC": "Apple UFS",
	"52414944-0000-11AA-AA11-00306543ECAC": "Apple RAID",
	"426F6F74-0000-11AA-AA11-00306543ECAC": "Apple Boot",
	"4C616265-6C00-11AA-AA11-00306543ECAC": "Apple Label",
	"5265636F-7665-11AA-AA11-00306543ECAC": "Apple Recovery",
	"53746F72-6167-11AA-AA11-00306543ECAC": "Apple Core Storage",
	// Android
	"2568845D-2332-4675-BC39-8FA5A4748D15": "Android Bootloader",
	"114EAFFE-1552-4022-B26E-9B053604CF84": "Android Bootloader 2",
	"49A4D17F-93A3-45C1-A0DE-F50B2EBE2599": "Android Boot",
	"4177C722-9E92-4AAB-8644-43502BFD5506": "Android Recovery",
	"EF32A33B-A409-486C-9141-9FFB711F6266": "Android Misc",
	"20AC26BE-20B7-11E3-84C5-6CFDB94711E9": "Android Metadata",
	"38F428E6-D326-425D-9140-6E0EA133647C": "Android System",
	"A893EF21-E428-470A-9E55-0668FD91A2D9": "Android Cache",
	"DC76DDA9-5AC1-491C-AF42-A82591580C0D": "Android Data",
	"EBC597D0-2053-4B15-8B64-E0AAC75F4DB1": "Android Persistent",
	"8F68CC74-C5E5-48DA-BE91-A0C8C15E9C80": "Android Factory",
	"767941D0-2085-11E3-AD3B-6CFDB94711E9": "Android FastbootOS",
	"AC6D7924-EB71-4DF8-B48D-E267B27148FF": "Android OEM",
}

func gptTypeName(guid [16]byte) string {
	s := formatGUID(guid)
	if name, ok := gptTypes[s]; ok {
		return name
	}
	return s
}

// formatGUID renders a GPT GUID. The first three fields are stored
// little-endian.
func formatGUID(b [16]byte) string {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(u[8:], b[8:])
	return strings.ToUpper(u.String())
}
