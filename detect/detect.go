// Package detect identifies partition tables, filesystems and encrypted
// containers from their on-disk signatures.
package detect

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Type is a recognised on-disk structure.
type Type int

const (
	Unknown Type = iota
	FAT12
	FAT16
	FAT32
	ExFAT
	NTFS
	Ext2
	Ext3
	Ext4
	HFSPlus
	HFSX
	APFS
	MBR
	GPT
	BitLocker
	LUKS
	CoreStorage
)

var names = map[Type]string{
	Unknown:     "unknown",
	FAT12:       "FAT12",
	FAT16:       "FAT16",
	FAT32:       "FAT32",
	ExFAT:       "exFAT",
	NTFS:        "NTFS",
	Ext2:        "ext2",
	Ext3:        "ext3",
	Ext4:        "ext4",
	HFSPlus:     "HFS+",
	HFSX:        "HFSX",
	APFS:        "APFS",
	MBR:         "MBR",
	GPT:         "GPT",
	BitLocker:   "BitLocker",
	LUKS:        "LUKS",
	CoreStorage: "CoreStorage",
}

func (t Type) String() string {
	if s, ok := names[t]; ok {
		return s
	}
	return "unknown"
}

// IsFAT reports FAT12, FAT16 and FAT32.
func (t Type) IsFAT() bool { return t == FAT12 || t == FAT16 || t == FAT32 }

// IsExt reports ext2, ext3 and ext4.
func (t Type) IsExt() bool { return t == Ext2 || t == Ext3 || t == Ext4 }

// IsHFS reports HFS+ and its case-sensitive variant.
func (t Type) IsHFS() bool { return t == HFSPlus || t == HFSX }

// IsPartitionTable reports MBR and GPT.
func (t Type) IsPartitionTable() bool { return t == MBR || t == GPT }

// Encrypted reports full-volume encryption containers. They are detected
// only; their contents cannot be read.
func (t Type) Encrypted() bool { return t == BitLocker || t == LUKS || t == CoreStorage }

// headerSize covers every signature checked below.
const headerSize = 4096

var (
	sigGPT       = []byte("EFI PART")
	sigNTFS      = []byte("NTFS    ")
	sigExFAT     = []byte("EXFAT   ")
	sigBitLocker = []byte("-FVE-FS-")
	sigLUKS      = []byte("LUKS\xba\xbe")
)

// Detect identifies the structure starting at offset 0 of r. It returns
// Unknown, nil when no signature matches and an error only when fewer than
// 512 bytes could be read.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, headerSize)
	n, err := r.ReadAt(header, 0)
	if n < 512 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return Unknown, errors.Wrapf(err, "reading header: got %d bytes", n)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, sigLUKS):
		return LUKS, nil
	case bytes.Equal(header[3:11], sigBitLocker):
		return BitLocker, nil
	case len(header) >= 520 && bytes.Equal(header[512:520], sigGPT):
		return GPT, nil
	case len(header) >= 36 && binary.LittleEndian.Uint32(header[32:36]) == 0x4253584E: // NXSB
		return APFS, nil
	case bytes.Equal(header[3:11], sigNTFS):
		return NTFS, nil
	case bytes.Equal(header[3:11], sigExFAT):
		return ExFAT, nil
	}

	if len(header) >= 1026 {
		switch binary.BigEndian.Uint16(header[1024:1026]) {
		case 0x482B: // H+
			return HFSPlus, nil
		case 0x4858: // HX
			return HFSX, nil
		case 0x4353: // CS
			return CoreStorage, nil
		}
	}

	if len(header) >= 0x43A && binary.LittleEndian.Uint16(header[0x438:0x43A]) == 0xEF53 {
		return ExtVersion(header[1024:]), nil
	}

	if header[510] == 0x55 && header[511] == 0xAA {
		if IsMBR(header) {
			return MBR, nil
		}
		if t := fatVersion(header); t != Unknown {
			return t, nil
		}
	}

	return Unknown, nil
}

// IsMBR reports whether sector holds a DOS partition table rather than a
// volume boot record.
func IsMBR(sector []byte) bool {
	if len(sector) < 512 || sector[510] != 0x55 || sector[511] != 0xAA {
		return false
	}
	if looksLikeBPB(sector) {
		return false
	}

	valid := 0
	for i := 0; i < 4; i++ {
		e := sector[446+i*16 : 446+(i+1)*16]
		if e[0] != 0x00 && e[0] != 0x80 {
			return false
		}
		if e[4] == 0 {
			continue
		}
		if binary.LittleEndian.Uint32(e[8:12]) > 0 && binary.LittleEndian.Uint32(e[12:16]) > 0 {
			valid++
		}
	}
	return valid > 0
}

// looksLikeBPB reports a FAT BIOS parameter block with a filesystem label
// or a plausible geometry.
func looksLikeBPB(h []byte) bool {
	if bytes.Equal(h[54:59], []byte("FAT12")) || bytes.Equal(h[54:59], []byte("FAT16")) ||
		bytes.Equal(h[82:87], []byte("FAT32")) {
		return true
	}
	if h[0] != 0xEB && h[0] != 0xE9 {
		return false
	}
	bps := binary.LittleEndian.Uint16(h[11:13])
	switch bps {
	case 512, 1024, 2048, 4096:
	default:
		return false
	}
	spc := h[13]
	return spc != 0 && spc&(spc-1) == 0 && h[16] != 0 && binary.LittleEndian.Uint16(h[14:16]) != 0
}

func fatVersion(h []byte) Type {
	if bytes.Equal(h[82:90], []byte("FAT32   ")) {
		return FAT32
	}
	if bytes.Equal(h[54:62], []byte("FAT12   ")) {
		return FAT12
	}
	if bytes.Equal(h[54:62], []byte("FAT16   ")) {
		return FAT16
	}
	if !looksLikeBPB(h) {
		return Unknown
	}
	return FATByClusterCount(h)
}

// FATByClusterCount classifies a BPB by its cluster count, the only
// authoritative FAT type test.
func FATByClusterCount(h []byte) Type {
	bytesPerSector := uint32(binary.LittleEndian.Uint16(h[11:13]))
	sectorsPerCluster := uint32(h[13])
	reserved := uint32(binary.LittleEndian.Uint16(h[14:16]))
	numFATs := uint32(h[16])
	rootEntries := uint32(binary.LittleEndian.Uint16(h[17:19]))
	total := uint32(binary.LittleEndian.Uint16(h[19:21]))
	if total == 0 {
		total = binary.LittleEndian.Uint32(h[32:36])
	}
	fatSize := uint32(binary.LittleEndian.Uint16(h[22:24]))
	if fatSize == 0 {
		fatSize = binary.LittleEndian.Uint32(h[36:40])
	}
	if bytesPerSector == 0 || sectorsPerCluster == 0 {
		return Unknown
	}

	rootSectors := (rootEntries*32 + bytesPerSector - 1) / bytesPerSector
	meta := reserved + numFATs*fatSize + rootSectors
	if meta >= total {
		return Unknown
	}
	switch clusters := (total - meta) / sectorsPerCluster; {
	case clusters < 4085:
		return FAT12
	case clusters < 65525:
		return FAT16
	}
	return FAT32
}

// ExtVersion classifies an ext superblock by its feature flags.
func ExtVersion(sb []byte) Type {
	if len(sb) < 0x68 {
		return Ext2
	}
	const (
		compatHasJournal = 0x0004
		incompatExtents  = 0x0040
		incompat64Bit    = 0x0080
		incompatFlexBG   = 0x0200
	)
	compat := binary.LittleEndian.Uint32(sb[0x5C:0x60])
	incompat := binary.LittleEndian.Uint32(sb[0x60:0x64])

	switch {
	case incompat&(incompatExtents|incompat64Bit|incompatFlexBG) != 0:
		return Ext4
	case compat&compatHasJournal != 0:
		return Ext3
	}
	return Ext2
}
