package imagetest

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
)

// MBREntry is one primary or logical DOS partition entry.
type MBREntry struct {
	Boot    bool
	Type    byte
	Start   uint32 // absolute LBA
	Sectors uint32
}

func writePartEntry(entry []byte, e MBREntry) {
	if e.Boot {
		entry[0] = 0x80
	}
	entry[4] = e.Type
	binary.LittleEndian.PutUint32(entry[8:12], e.Start)
	binary.LittleEndian.PutUint32(entry[12:16], e.Sectors)
}

// NewDisk returns a zeroed image of size bytes.
func NewDisk(size int64) []byte { return make([]byte, size) }

// WriteMBR writes a DOS partition table with up to four entries to sector 0.
func WriteMBR(disk []byte, entries ...MBREntry) {
	mbr := disk[0:512]
	for i, e := range entries {
		writePartEntry(mbr[446+i*16:462+i*16], e)
	}
	mbr[510], mbr[511] = 0x55, 0xAA
}

// WriteEBRChain writes the extended boot records for logical partitions
// inside an extended partition starting at extStart. Each logical
// partition's EBR sits in the sector just before it, so the first one must
// start at extStart+1.
func WriteEBRChain(disk []byte, extStart uint32, logical ...MBREntry) {
	for i, l := range logical {
		ebr := l.Start - 1
		sector := disk[int64(ebr)*512 : int64(ebr+1)*512]
		writePartEntry(sector[446:462], MBREntry{Boot: l.Boot, Type: l.Type, Start: 1, Sectors: l.Sectors})
		if i+1 < len(logical) {
			next := logical[i+1]
			writePartEntry(sector[462:478], MBREntry{Type: 0x05, Start: next.Start - 1 - extStart, Sectors: next.Sectors + 1})
		}
		sector[510], sector[511] = 0x55, 0xAA
	}
}

// GPTEntry is one GPT partition entry. Type is the canonical GUID text.
type GPTEntry struct {
	Type       string
	Name       string
	First      uint64
	Last       uint64
	Attributes uint64
}

// Well-known GPT type GUIDs.
const (
	GUIDEFISystem = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	GUIDBasicData = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
	GUIDLinux     = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	GUIDAppleHFS  = "48465300-0000-11AA-AA11-00306543ECAC"
)

// guidBytes stores a GUID the way GPT does: first three fields little-endian.
func guidBytes(s string) []byte {
	u := uuid.MustParse(s)
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(b[8:], u[8:])
	return b
}

func utf16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

// WriteGPT writes a protective MBR, primary and backup GPT headers and
// 128-entry arrays with valid checksums.
func WriteGPT(disk []byte, entries ...GPTEntry) {
	const (
		ss        = 512
		count     = 128
		entrySize = 128
		arrSecs   = count * entrySize / ss
	)
	total := uint64(len(disk) / ss)

	WriteMBR(disk, MBREntry{Type: 0xEE, Start: 1, Sectors: uint32(min(total-1, 0xFFFFFFFF))})

	arr := make([]byte, count*entrySize)
	for i, e := range entries {
		b := arr[i*entrySize : (i+1)*entrySize]
		copy(b[0:16], guidBytes(e.Type))
		copy(b[16:32], guidBytes(uuid.NewSHA1(uuid.NameSpaceOID, []byte(e.Name)).String()))
		binary.LittleEndian.PutUint64(b[32:40], e.First)
		binary.LittleEndian.PutUint64(b[40:48], e.Last)
		binary.LittleEndian.PutUint64(b[48:56], e.Attributes)
		copy(b[56:128], utf16LE(e.Name))
	}
	arrCRC := crc32.ChecksumIEEE(arr)

	header := func(my, alternate, entryLBA uint64) []byte {
		h := make([]byte, ss)
		copy(h[0:8], "EFI PART")
		binary.LittleEndian.PutUint32(h[8:12], 0x00010000)
		binary.LittleEndian.PutUint32(h[12:16], 92)
		binary.LittleEndian.PutUint64(h[24:32], my)
		binary.LittleEndian.PutUint64(h[32:40], alternate)
		binary.LittleEndian.PutUint64(h[40:48], 2+arrSecs)
		binary.LittleEndian.PutUint64(h[48:56], total-2-arrSecs)
		copy(h[56:72], guidBytes("01020304-0506-0708-090A-0B0C0D0E0F10"))
		binary.LittleEndian.PutUint64(h[72:80], entryLBA)
		binary.LittleEndian.PutUint32(h[80:84], count)
		binary.LittleEndian.PutUint32(h[84:88], entrySize)
		binary.LittleEndian.PutUint32(h[88:92], arrCRC)
		binary.LittleEndian.PutUint32(h[16:20], crc32.ChecksumIEEE(h[:92]))
		return h
	}

	copy(disk[1*ss:], header(1, total-1, 2))
	copy(disk[2*ss:], arr)
	copy(disk[(total-1-arrSecs)*ss:], arr)
	copy(disk[(total-1)*ss:], header(total-1, 1, total-1-arrSecs))
}
