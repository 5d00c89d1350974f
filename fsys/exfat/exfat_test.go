package exfat

import (
	"encoding/binary"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/imagetest"
)

const volumeSize = 4 << 20

var (
	photo    = imagetest.Pattern(1500, 0x11)
	scrap    = imagetest.Pattern(2000, 0x22)
	longName = "Ünïcode ñame that is longer than fifteen.txt"
	taken    = time.Date(2019, 6, 1, 10, 20, 31, 250*int(time.Millisecond), time.UTC)
)

func openExFAT(t *testing.T, img []byte) *FS {
	t.Helper()
	f, err := Open(imagetest.Reader(img), int64(len(img)))
	require.NoError(t, err)
	require.NotNil(t, f)
	return f.(*FS)
}

func sample(t *testing.T) *FS {
	return openExFAT(t, imagetest.ExFAT(volumeSize, "CARD",
		imagetest.File{Path: "DCIM/100ANDRO/IMG_1.jpg", Data: photo, Created: taken},
		imagetest.File{Path: "frag.bin", Data: scrap, Fragmented: true},
		imagetest.File{Path: longName, Data: []byte("named")},
		imagetest.File{Path: "empty.txt"},
	))
}

func TestOpenNotExFAT(t *testing.T) {
	f, err := Open(imagetest.Reader(make([]byte, 4096)), 4096)
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestBadGeometry(t *testing.T) {
	img := imagetest.ExFAT(volumeSize, "X")
	img[108] = 20
	_, err := Open(imagetest.Reader(img), int64(len(img)))
	assert.True(t, errors.Is(err, fsys.ErrFilesystem))
}

func TestVolume(t *testing.T) {
	f := sample(t)
	assert.Equal(t, "exFAT", f.Type())
	assert.Equal(t, "CARD", f.Label())

	entries, err := f.ReadDir(".")
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	assert.Equal(t, []string{"DCIM", "frag.bin", longName, "empty.txt"}, got)
	assert.True(t, entries[0].IsDir())
}

func TestReadFile(t *testing.T) {
	f := sample(t)
	tests := []struct {
		path string
		want []byte
	}{
		{"DCIM/100ANDRO/IMG_1.jpg", photo},
		{"dcim/100andro/img_1.JPG", photo},
		{"frag.bin", scrap},
		{longName, []byte("named")},
		{"empty.txt", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			data, err := fs.ReadFile(f, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, data)
		})
	}
}

func TestExtents(t *testing.T) {
	f := sample(t)

	contiguous, err := f.FileExtents("DCIM/100ANDRO/IMG_1.jpg")
	require.NoError(t, err)
	require.Len(t, contiguous, 1)
	assert.Equal(t, int64(len(photo)), contiguous[0].Length)

	chained, err := f.FileExtents("frag.bin")
	require.NoError(t, err)
	assert.Len(t, chained, 4)

	empty, err := f.FileExtents("empty.txt")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStat(t *testing.T) {
	f := sample(t)
	info, err := f.Stat("DCIM/100ANDRO/IMG_1.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len(photo)), info.Size())
	assert.Equal(t, imagetest.Epoch, info.ModTime())
	assert.False(t, info.IsDir())
	assert.Equal(t, fs.FileMode(0644), info.Mode())

	c, ok := info.(fsys.FileInfo).Created()
	require.True(t, ok)
	assert.Equal(t, taken, c)
	assert.NotZero(t, info.(fsys.FileInfo).Inode())

	dir, err := f.Stat("DCIM")
	require.NoError(t, err)
	assert.True(t, dir.IsDir())
}

func TestTimestampOffset(t *testing.T) {
	ts, tenMs := imagetest.ExFATTime(time.Date(2022, 7, 1, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2022, 7, 1, 12, 0, 0, 0, time.UTC), timestamp(ts, tenMs, 0x00))
	// +01:00: local noon is 11:00 UTC
	assert.Equal(t, time.Date(2022, 7, 1, 11, 0, 0, 0, time.UTC), timestamp(ts, tenMs, 0x80|4))
	// -02:00 as a 7-bit two's complement count of quarters
	assert.Equal(t, time.Date(2022, 7, 1, 14, 0, 0, 0, time.UTC), timestamp(ts, tenMs, 0x80|(0x80-8)))
	assert.True(t, timestamp(0, 0, 0).IsZero())
}

func TestFreeBlocks(t *testing.T) {
	f := sample(t)
	free, err := f.FreeBlocks()
	require.NoError(t, err)
	// the gaps left by frag.bin plus the tail
	require.GreaterOrEqual(t, len(free), 4)

	extents, err := f.FileExtents("frag.bin")
	require.NoError(t, err)
	for _, r := range free {
		for _, e := range extents {
			assert.False(t, e.Physical < r.End && r.Start < e.Physical+e.Length, "free range %v overlaps %v", r, e)
		}
	}
}

func TestBadBitmapLength(t *testing.T) {
	img := imagetest.ExFAT(volumeSize, "BAD")
	heap := int64(binary.LittleEndian.Uint32(img[88:])) * 512
	root := int64(binary.LittleEndian.Uint32(img[96:]))
	// the label entry comes first, then the bitmap entry
	entry := heap + (root-2)*512 + 32
	require.Equal(t, byte(0x81), img[entry])

	for _, length := range []uint64{1 << 63, 1 << 40, 0} {
		binary.LittleEndian.PutUint64(img[entry+24:], length)
		f := openExFAT(t, img)
		_, err := f.FreeBlocks()
		assert.True(t, errors.Is(err, fsys.ErrFilesystem), "length %d: %v", length, err)
	}
}

func TestTruncatedChain(t *testing.T) {
	img := imagetest.ExFAT(volumeSize, "CUT", imagetest.File{Path: "frag.bin", Data: scrap, Fragmented: true})
	// bitmap takes clusters 2-3, the root 4; frag.bin starts at 5
	binary.LittleEndian.PutUint32(img[24*512+5*4:], fatEOF)

	f := openExFAT(t, img)
	_, err := f.FileExtents("frag.bin")
	assert.True(t, errors.Is(err, fsys.ErrFilesystem))

	data, err := fs.ReadFile(f, "frag.bin")
	require.NoError(t, err)
	assert.Equal(t, scrap[:512], data)
}

func TestLookupErrors(t *testing.T) {
	f := sample(t)
	_, err := f.Open("nope")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = f.Open("frag.bin/x")
	assert.True(t, errors.Is(err, fsys.ErrNotADirectory))

	_, err = f.Open(strings.Repeat("a/", 3))
	assert.True(t, errors.Is(err, fs.ErrInvalid))
}
