package detect

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/imgwalk/imagetest"
)

func withBytes(off int, b []byte) []byte {
	img := make([]byte, 8192)
	copy(img[off:], b)
	return img
}

// bpb returns a boot sector without a filesystem type label.
func bpb(spc byte, reserved, rootEntries, total16, fatSize16 uint16) []byte {
	h := make([]byte, 512)
	h[0] = 0xEB
	binary.LittleEndian.PutUint16(h[11:], 512)
	h[13] = spc
	binary.LittleEndian.PutUint16(h[14:], reserved)
	h[16] = 2
	binary.LittleEndian.PutUint16(h[17:], rootEntries)
	binary.LittleEndian.PutUint16(h[19:], total16)
	binary.LittleEndian.PutUint16(h[22:], fatSize16)
	h[510], h[511] = 0x55, 0xAA
	return h
}

func TestDetect(t *testing.T) {
	mbr := imagetest.NewDisk(1 << 20)
	imagetest.WriteMBR(mbr, imagetest.MBREntry{Type: 0x83, Start: 2048, Sectors: 100})
	gpt := imagetest.NewDisk(1 << 20)
	imagetest.WriteGPT(gpt, imagetest.GPTEntry{Type: imagetest.GUIDLinux, Name: "root", First: 34, Last: 1000})

	tests := []struct {
		name string
		img  []byte
		want Type
	}{
		{"zeros", make([]byte, 4096), Unknown},
		{"mbr", mbr, MBR},
		{"gpt", gpt, GPT},
		{"fat32", imagetest.FAT32(4<<20, "X"), FAT32},
		{"fat16 by cluster count", bpb(4, 1, 512, 40000, 40), FAT16},
		{"fat12 by cluster count", bpb(1, 1, 224, 2880, 9), FAT12},
		{"exfat", imagetest.ExFAT(4<<20, "X"), ExFAT},
		{"ext2", imagetest.Ext2(2 << 20), Ext2},
		{"ext4", imagetest.Ext4(2 << 20), Ext4},
		{"hfs+", imagetest.HFSPlus(4<<20, "X"), HFSPlus},
		{"hfsx", withBytes(1024, []byte("HX")), HFSX},
		{"ntfs", withBytes(3, []byte("NTFS    ")), NTFS},
		{"apfs", withBytes(32, []byte("NXSB")), APFS},
		{"luks", withBytes(0, []byte("LUKS\xba\xbe")), LUKS},
		{"bitlocker", withBytes(3, []byte("-FVE-FS-")), BitLocker},
		{"core storage", withBytes(1024, []byte("CS")), CoreStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(imagetest.Reader(tt.img))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestDetectShortRead(t *testing.T) {
	_, err := Detect(imagetest.Reader(make([]byte, 100)))
	assert.Error(t, err)

	// a lone sector is enough
	got, err := Detect(imagetest.Reader(bpb(1, 1, 224, 2880, 9)))
	require.NoError(t, err)
	assert.Equal(t, FAT12, got)
}

func TestIsMBR(t *testing.T) {
	sector := make([]byte, 512)
	assert.False(t, IsMBR(sector), "no signature")

	sector[510], sector[511] = 0x55, 0xAA
	assert.False(t, IsMBR(sector), "no entries")

	e := sector[446:462]
	e[4] = 0x0C
	binary.LittleEndian.PutUint32(e[8:], 63)
	binary.LittleEndian.PutUint32(e[12:], 1000)
	assert.True(t, IsMBR(sector))

	e[0] = 0x12
	assert.False(t, IsMBR(sector), "bad boot flag")

	assert.False(t, IsMBR(imagetest.FAT32(1<<20, "VBR")[:512]), "boot sector of a volume")
}

func TestExtVersion(t *testing.T) {
	sb := make([]byte, 0x68)
	assert.Equal(t, Ext2, ExtVersion(sb))

	binary.LittleEndian.PutUint32(sb[0x5C:], 0x0004)
	assert.Equal(t, Ext3, ExtVersion(sb))

	binary.LittleEndian.PutUint32(sb[0x60:], 0x0200)
	assert.Equal(t, Ext4, ExtVersion(sb))

	assert.Equal(t, Ext2, ExtVersion(sb[:0x40]))
}

func TestTypePredicates(t *testing.T) {
	assert.True(t, FAT16.IsFAT())
	assert.False(t, ExFAT.IsFAT())
	assert.True(t, Ext3.IsExt())
	assert.True(t, HFSX.IsHFS())
	assert.True(t, GPT.IsPartitionTable())
	assert.True(t, LUKS.Encrypted())
	assert.False(t, APFS.Encrypted())
	assert.Equal(t, "HFS+", HFSPlus.String())
	assert.Equal(t, "unknown", Type(99).String())
}
