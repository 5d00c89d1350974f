package imagetest

import (
	"encoding/binary"
	"time"
	"unicode/utf16"
)

const (
	exfatSectorSize = 512
	exfatFATOffset  = 24 // sectors, after the main and backup boot regions
)

type exfatBuilder struct {
	img      []byte
	fat      []uint32
	bitmap   []byte
	heap     int64
	next     uint32
	clusters uint32
}

// ExFAT formats a volume of size bytes holding files. Unfragmented files and
// all subdirectories are written contiguously with the NoFatChain flag; the
// root directory and fragmented files use FAT chains.
func ExFAT(size int64, label string, files ...File) []byte {
	total := uint32(size / exfatSectorSize)
	fatLen := uint32(ceilDiv(int64(total)*4, exfatSectorSize))
	heapOff := exfatFATOffset + fatLen
	clusters := total - heapOff

	b := &exfatBuilder{
		img:      make([]byte, size),
		fat:      make([]uint32, clusters+2),
		bitmap:   make([]byte, ceilDiv(int64(clusters), 8)),
		heap:     int64(heapOff) * exfatSectorSize,
		next:     2,
		clusters: clusters,
	}
	b.fat[0], b.fat[1] = 0xFFFFFFF8, 0xFFFFFFFF

	bitmapChain := b.alloc(int(ceilDiv(int64(len(b.bitmap)), exfatSectorSize)), false, true)

	root := tree(files)
	root.walk(func(n *node) {
		switch {
		case n.parent == nil:
			n.chain = b.alloc(int(max(1, ceilDiv(int64(exfatEntryBytes(n)), exfatSectorSize))), false, true)
		case n.dir:
			n.chain = b.alloc(int(max(1, ceilDiv(int64(exfatEntryBytes(n)), exfatSectorSize))), false, false)
		case len(n.file.Data) > 0:
			n.chain = b.alloc(int(ceilDiv(int64(len(n.file.Data)), exfatSectorSize)), n.file.Fragmented, n.file.Fragmented)
		}
	})

	rootData := exfatRootEntries(label, first(bitmapChain), int64(len(b.bitmap)))
	root.walk(func(n *node) {
		if !n.dir {
			b.write(n.chain, n.file.Data)
			return
		}
		data := exfatDirData(n)
		if n.parent == nil {
			data = append(rootData, data...)
		}
		b.write(n.chain, data)
	})
	b.write(bitmapChain, b.bitmap)

	boot := b.img[0:512]
	copy(boot[0:3], []byte{0xEB, 0x76, 0x90})
	copy(boot[3:11], "EXFAT   ")
	binary.LittleEndian.PutUint64(boot[72:80], uint64(total))
	binary.LittleEndian.PutUint32(boot[80:84], exfatFATOffset)
	binary.LittleEndian.PutUint32(boot[84:88], fatLen)
	binary.LittleEndian.PutUint32(boot[88:92], heapOff)
	binary.LittleEndian.PutUint32(boot[92:96], clusters)
	binary.LittleEndian.PutUint32(boot[96:100], first(root.chain))
	binary.LittleEndian.PutUint32(boot[100:104], 0xCAFEF00D)
	binary.LittleEndian.PutUint16(boot[104:106], 0x0100)
	boot[108] = 9 // bytes per sector shift
	boot[109] = 0 // sectors per cluster shift
	boot[110] = 1
	boot[111] = 0x80
	boot[510], boot[511] = 0x55, 0xAA
	copy(b.img[12*512:], boot)

	fat := b.img[exfatFATOffset*exfatSectorSize:]
	for i, v := range b.fat {
		binary.LittleEndian.PutUint32(fat[i*4:], v)
	}
	return b.img
}

// alloc reserves n clusters and marks them in the bitmap. Chained
// allocations get FAT entries; fragmented ones skip a cluster each time.
func (b *exfatBuilder) alloc(n int, fragmented, chained bool) []uint32 {
	chain := make([]uint32, n)
	for i := range chain {
		if b.next >= b.clusters+2 {
			panic("imagetest: exFAT volume full")
		}
		chain[i] = b.next
		idx := b.next - 2
		b.bitmap[idx/8] |= 1 << (idx % 8)
		b.next++
		if fragmented {
			b.next++
		}
	}
	if chained {
		for i, c := range chain {
			if i+1 < len(chain) {
				b.fat[c] = chain[i+1]
			} else {
				b.fat[c] = 0xFFFFFFFF
			}
		}
	}
	return chain
}

func (b *exfatBuilder) write(chain []uint32, data []byte) {
	for i, c := range chain {
		lo := i * exfatSectorSize
		if lo >= len(data) {
			return
		}
		off := b.heap + int64(c-2)*exfatSectorSize
		copy(b.img[off:off+exfatSectorSize], data[lo:min(lo+exfatSectorSize, len(data))])
	}
}

func exfatRootEntries(label string, bitmapCluster uint32, bitmapLen int64) []byte {
	out := make([]byte, 64)
	lab := out[0:32]
	lab[0] = 0x83
	units := utf16.Encode([]rune(label))
	lab[1] = byte(min(len(units), 11))
	for i := 0; i < int(lab[1]); i++ {
		binary.LittleEndian.PutUint16(lab[2+2*i:], units[i])
	}
	bm := out[32:64]
	bm[0] = 0x81
	binary.LittleEndian.PutUint32(bm[20:24], bitmapCluster)
	binary.LittleEndian.PutUint64(bm[24:32], uint64(bitmapLen))
	return out
}

func exfatEntryBytes(dir *node) int {
	n := 0
	if dir.parent == nil {
		n += 64
	}
	for _, c := range dir.children {
		n += 32 * (2 + (len(utf16.Encode([]rune(c.name)))+14)/15)
	}
	return n
}

func exfatDirData(dir *node) []byte {
	var out []byte
	for _, c := range dir.children {
		units := utf16.Encode([]rune(c.name))
		nameEntries := (len(units) + 14) / 15
		set := make([]byte, 32*(2+nameEntries))

		file := set[0:32]
		file[0] = 0x85
		file[1] = byte(1 + nameEntries)
		attr := uint16(0x20)
		if c.dir {
			attr = 0x10
		}
		binary.LittleEndian.PutUint16(file[4:6], attr)
		ct, c10 := ExFATTime(created(c.file))
		mt, m10 := ExFATTime(modified(c.file))
		binary.LittleEndian.PutUint32(file[8:12], ct)
		binary.LittleEndian.PutUint32(file[12:16], mt)
		binary.LittleEndian.PutUint32(file[16:20], mt)
		file[20], file[21] = c10, m10
		file[22], file[23], file[24] = 0x80, 0x80, 0x80 // UTC

		stream := set[32:64]
		stream[0] = 0xC0
		length := uint64(len(c.file.Data))
		if c.dir {
			length = uint64(len(c.chain)) * exfatSectorSize
		}
		stream[1] = 0x01
		if !c.file.Fragmented && len(c.chain) > 0 {
			stream[1] |= 0x02
		}
		stream[3] = byte(len(units))
		binary.LittleEndian.PutUint64(stream[8:16], length)
		binary.LittleEndian.PutUint32(stream[20:24], first(c.chain))
		binary.LittleEndian.PutUint64(stream[24:32], length)

		for k := 0; k < nameEntries; k++ {
			ne := set[64+32*k : 96+32*k]
			ne[0] = 0xC1
			for j := 0; j < 15 && k*15+j < len(units); j++ {
				binary.LittleEndian.PutUint16(ne[2+2*j:], units[k*15+j])
			}
		}

		var sum uint16
		for i, v := range set {
			if i == 2 || i == 3 {
				continue
			}
			sum = (sum<<15 | sum>>1) + uint16(v)
		}
		binary.LittleEndian.PutUint16(file[2:4], sum)
		out = append(out, set...)
	}
	return out
}

// ExFATTime encodes t as an exFAT timestamp and its 10 ms increment.
func ExFATTime(t time.Time) (uint32, byte) {
	ts := uint32(t.Year()-1980)<<25 | uint32(t.Month())<<21 | uint32(t.Day())<<16 |
		uint32(t.Hour())<<11 | uint32(t.Minute())<<5 | uint32(t.Second()/2)
	return ts, byte(t.Second()%2*100 + t.Nanosecond()/10_000_000)
}
