package imagetest

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

// FAT32 geometry: one 512-byte sector per cluster keeps chains long enough
// to exercise fragmentation with tiny files.
const (
	fatSectorSize      = 512
	fatReservedSectors = 32
	fatNumFATs         = 2
	fatEOC             = 0x0FFFFFFF
)

type fatBuilder struct {
	img       []byte
	fat       []uint32
	next      uint32
	dataStart int64
	clusters  uint32
}

// FAT32 formats a volume of size bytes holding files.
func FAT32(size int64, label string, files ...File) []byte {
	total := uint32(size / fatSectorSize)
	clusters := total - fatReservedSectors
	fatSectors := uint32(ceilDiv(int64(clusters+2)*4, fatSectorSize))
	clusters = total - fatReservedSectors - fatNumFATs*fatSectors

	b := &fatBuilder{
		img:       make([]byte, size),
		fat:       make([]uint32, clusters+2),
		next:      2,
		dataStart: int64(fatReservedSectors+fatNumFATs*fatSectors) * fatSectorSize,
		clusters:  clusters,
	}
	b.fat[0], b.fat[1] = 0x0FFFFFF8, fatEOC

	bpb := b.img[0:512]
	copy(bpb[0:3], []byte{0xEB, 0x58, 0x90})
	copy(bpb[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(bpb[11:13], fatSectorSize)
	bpb[13] = 1
	binary.LittleEndian.PutUint16(bpb[14:16], fatReservedSectors)
	bpb[16] = fatNumFATs
	bpb[21] = 0xF8
	binary.LittleEndian.PutUint16(bpb[24:26], 63)
	binary.LittleEndian.PutUint16(bpb[26:28], 255)
	binary.LittleEndian.PutUint32(bpb[32:36], total)
	binary.LittleEndian.PutUint32(bpb[36:40], fatSectors)
	binary.LittleEndian.PutUint32(bpb[44:48], 2)
	binary.LittleEndian.PutUint16(bpb[48:50], 1)
	binary.LittleEndian.PutUint16(bpb[50:52], 6)
	bpb[64] = 0x80
	bpb[66] = 0x29
	binary.LittleEndian.PutUint32(bpb[67:71], 0x12345678)
	copy(bpb[71:82], fmt.Sprintf("%-11s", strings.ToUpper(label)))
	copy(bpb[82:90], "FAT32   ")
	bpb[510], bpb[511] = 0x55, 0xAA
	copy(b.img[6*512:], bpb)

	root := tree(files)
	root.walk(func(n *node) {
		switch {
		case n.dir:
			entries := fatEntryCount(n)
			n.chain = b.alloc(int(max(1, ceilDiv(int64(entries)*32, fatSectorSize))), false)
		case len(n.file.Data) > 0:
			n.chain = b.alloc(int(ceilDiv(int64(len(n.file.Data)), fatSectorSize)), n.file.Fragmented)
		}
		if n.file.Deleted {
			for _, c := range n.chain {
				b.fat[c] = 0
			}
		}
	})
	if root.chain[0] != 2 {
		panic("imagetest: FAT32 root must start at cluster 2")
	}
	root.walk(func(n *node) {
		if n.dir {
			b.write(n.chain, fatDirData(n, label))
		} else {
			b.write(n.chain, n.file.Data)
		}
	})

	fat := make([]byte, fatSectors*fatSectorSize)
	for i, v := range b.fat {
		binary.LittleEndian.PutUint32(fat[i*4:], v)
	}
	for i := uint32(0); i < fatNumFATs; i++ {
		copy(b.img[int64(fatReservedSectors+i*fatSectors)*fatSectorSize:], fat)
	}
	return b.img
}

// alloc reserves n clusters. Fragmented allocations leave a free cluster
// after every used one.
func (b *fatBuilder) alloc(n int, fragmented bool) []uint32 {
	chain := make([]uint32, n)
	for i := range chain {
		if b.next >= b.clusters+2 {
			panic("imagetest: FAT32 volume full")
		}
		chain[i] = b.next
		b.next++
		if fragmented {
			b.next++
		}
	}
	for i, c := range chain {
		if i+1 < len(chain) {
			b.fat[c] = chain[i+1]
		} else {
			b.fat[c] = fatEOC
		}
	}
	return chain
}

func (b *fatBuilder) write(chain []uint32, data []byte) {
	for i, c := range chain {
		off := b.dataStart + int64(c-2)*fatSectorSize
		lo := i * fatSectorSize
		if lo >= len(data) {
			return
		}
		copy(b.img[off:off+fatSectorSize], data[lo:min(lo+fatSectorSize, len(data))])
	}
}

func first(chain []uint32) uint32 {
	if len(chain) == 0 {
		return 0
	}
	return chain[0]
}

func fatEntryCount(dir *node) int {
	n := 0
	if dir.parent == nil {
		n++ // volume label
	} else {
		n += 2 // . and ..
	}
	for i, c := range dir.children {
		_, lfn, _ := fatShortName(c.name, i+1)
		if lfn {
			n += (len(utf16.Encode([]rune(c.name))) + 12) / 13
		}
		n++
	}
	return n
}

func fatDirData(dir *node, label string) []byte {
	var out []byte
	if dir.parent == nil {
		e := make([]byte, 32)
		copy(e[0:11], fmt.Sprintf("%-11s", strings.ToUpper(label)))
		e[11] = 0x08
		out = append(out, e...)
	} else {
		parent := first(dir.parent.chain)
		if dir.parent.parent == nil {
			parent = 0 // .. of a first-level directory points at the root as 0
		}
		out = append(out, fatShortEntry([11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0x10, 0, first(dir.chain), 0, dir.file)...)
		out = append(out, fatShortEntry([11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0x10, 0, parent, 0, dir.file)...)
	}

	for i, c := range dir.children {
		raw, lfn, nt := fatShortName(c.name, i+1)
		var set []byte
		if lfn {
			set = append(set, fatLFNEntries(c.name, raw)...)
		}
		attr := byte(0x20)
		size := uint32(len(c.file.Data))
		if c.dir {
			attr, size = 0x10, 0
		}
		set = append(set, fatShortEntry(raw, attr, nt, first(c.chain), size, c.file)...)
		if c.file.Deleted {
			for j := 0; j < len(set); j += 32 {
				set[j] = 0xE5
			}
		}
		out = append(out, set...)
	}
	return out
}

func fatShortEntry(raw [11]byte, attr, nt byte, cluster, size uint32, f File) []byte {
	e := make([]byte, 32)
	copy(e[0:11], raw[:])
	e[11] = attr
	e[12] = nt
	cd, ct, tenths := DOSTime(created(f))
	md, mt, _ := DOSTime(modified(f))
	e[13] = tenths
	binary.LittleEndian.PutUint16(e[14:16], ct)
	binary.LittleEndian.PutUint16(e[16:18], cd)
	binary.LittleEndian.PutUint16(e[18:20], md)
	binary.LittleEndian.PutUint16(e[20:22], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(e[22:24], mt)
	binary.LittleEndian.PutUint16(e[24:26], md)
	binary.LittleEndian.PutUint16(e[26:28], uint16(cluster))
	binary.LittleEndian.PutUint32(e[28:32], size)
	return e
}

// DOSTime encodes t as a FAT date, time and 10 ms create-time field.
func DOSTime(t time.Time) (date, tm uint16, tenths byte) {
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tm = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	tenths = byte(t.Second()%2*100 + t.Nanosecond()/10_000_000)
	return date, tm, tenths
}

const fatShortChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789$%'-_@~`!(){}^#&"

// fatShortName derives the 8.3 entry for name. Names that are all upper
// case, or lower case per part, fit without a long name; the rest get a
// numbered tail and long-name entries.
func fatShortName(name string, seq int) (raw [11]byte, lfn bool, nt byte) {
	for i := range raw {
		raw[i] = ' '
	}
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base, ext = name[:i], name[i+1:]
	}

	valid := func(s string) bool {
		for _, r := range strings.ToUpper(s) {
			if !strings.ContainsRune(fatShortChars, r) {
				return false
			}
		}
		return true
	}
	caseFlag := func(s string, flag byte) (byte, bool) {
		switch s {
		case strings.ToUpper(s):
			return 0, true
		case strings.ToLower(s):
			return flag, true
		}
		return 0, false
	}

	if len(base) >= 1 && len(base) <= 8 && len(ext) <= 3 && valid(base) && valid(ext) {
		bf, bok := caseFlag(base, 0x08)
		ef, eok := caseFlag(ext, 0x10)
		if bok && eok {
			copy(raw[0:8], strings.ToUpper(base))
			copy(raw[8:11], strings.ToUpper(ext))
			return raw, false, bf | ef
		}
	}

	var basis []byte
	for _, r := range strings.ToUpper(base) {
		if strings.ContainsRune(fatShortChars, r) {
			basis = append(basis, byte(r))
		}
	}
	tail := fmt.Sprintf("~%d", seq)
	if len(basis) > 8-len(tail) {
		basis = basis[:8-len(tail)]
	}
	copy(raw[0:8], append(basis, tail...))
	var e []byte
	for _, r := range strings.ToUpper(ext) {
		if strings.ContainsRune(fatShortChars, r) && len(e) < 3 {
			e = append(e, byte(r))
		}
	}
	copy(raw[8:11], e)
	return raw, true, 0
}

// fatLFNEntries returns the long-name entries for name, last part first.
func fatLFNEntries(name string, raw [11]byte) []byte {
	var sum byte
	for _, c := range raw {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	units := utf16.Encode([]rune(name))
	parts := (len(units) + 12) / 13
	padded := make([]uint16, parts*13)
	for i := range padded {
		switch {
		case i < len(units):
			padded[i] = units[i]
		case i == len(units):
			padded[i] = 0
		default:
			padded[i] = 0xFFFF
		}
	}

	out := make([]byte, 0, parts*32)
	for p := parts; p >= 1; p-- {
		e := make([]byte, 32)
		e[0] = byte(p)
		if p == parts {
			e[0] |= 0x40
		}
		e[11] = 0x0F
		e[13] = sum
		chars := padded[(p-1)*13 : p*13]
		k := 0
		for _, r := range [][2]int{{1, 11}, {14, 26}, {28, 32}} {
			for o := r[0]; o < r[1]; o += 2 {
				binary.LittleEndian.PutUint16(e[o:], chars[k])
				k++
			}
		}
		out = append(out, e...)
	}
	return out
}
