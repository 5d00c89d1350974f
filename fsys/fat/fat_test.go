package fat

import (
	"encoding/binary"
	"io/fs"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/imagetest"
)

const volumeSize = 4 << 20

var photo = imagetest.Pattern(3000, 0x5A)

func openFAT(t *testing.T, img []byte) *FS {
	t.Helper()
	f, err := Open(imagetest.Reader(img), int64(len(img)))
	require.NoError(t, err)
	require.NotNil(t, f)
	return f.(*FS)
}

func sample(t *testing.T) *FS {
	return openFAT(t, imagetest.FAT32(volumeSize, "EVIDENCE",
		imagetest.File{Path: "README.TXT", Data: []byte("hello")},
		imagetest.File{Path: "notes.txt", Data: []byte("lower case short name")},
		imagetest.File{Path: "Long File Name.jpeg", Data: []byte("jpeg")},
		imagetest.File{Path: "DCIM/Camera/IMG_0001.JPG", Data: photo, Fragmented: true},
		imagetest.File{Path: "deleted.txt", Data: []byte("gone"), Deleted: true},
		imagetest.File{Path: "empty.dat"},
	))
}

func names(entries []fs.DirEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestOpenNotFAT(t *testing.T) {
	img := make([]byte, 4096)
	f, err := Open(imagetest.Reader(img), int64(len(img)))
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestOpenShortImage(t *testing.T) {
	_, err := Open(imagetest.Reader(make([]byte, 100)), 100)
	assert.True(t, errors.Is(err, fsys.ErrIO), "got %v", err)
}

func TestReadRoot(t *testing.T) {
	f := sample(t)
	assert.Equal(t, "FAT32", f.Type())

	entries, err := f.ReadDir(".")
	require.NoError(t, err)
	assert.Equal(t, []string{"README.TXT", "notes.txt", "Long File Name.jpeg", "DCIM", "empty.dat"}, names(entries))

	for _, e := range entries {
		if e.Name() == "DCIM" {
			assert.True(t, e.IsDir())
		}
	}
}

func TestSubdirectorySkipsDotEntries(t *testing.T) {
	f := sample(t)
	entries, err := f.ReadDir("DCIM/Camera")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, "IMG_0001.JPG", info.Name())
	assert.Equal(t, int64(len(photo)), info.Size())
	assert.NotZero(t, info.(fsys.FileInfo).Inode())
}

func TestReadFile(t *testing.T) {
	f := sample(t)

	tests := []struct {
		path string
		want []byte
	}{
		{"README.TXT", []byte("hello")},
		{"notes.txt", []byte("lower case short name")},
		{"Long File Name.jpeg", []byte("jpeg")},
		{"DCIM/Camera/IMG_0001.JPG", photo},
		{"dcim/camera/img_0001.jpg", photo},
		{"empty.dat", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			data, err := fs.ReadFile(f, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, data)
		})
	}
}

func TestFragmentedExtents(t *testing.T) {
	f := sample(t)
	extents, err := f.FileExtents("DCIM/Camera/IMG_0001.JPG")
	require.NoError(t, err)
	require.Len(t, extents, 6)

	var total int64
	for i, e := range extents {
		assert.Equal(t, total, e.Logical)
		if i > 0 {
			assert.Greater(t, e.Physical, extents[i-1].Physical+extents[i-1].Length, "clusters should not be adjacent")
		}
		total += e.Length
	}
	assert.Equal(t, int64(len(photo)), total)

	_, err = f.FileExtents("DCIM")
	assert.True(t, errors.Is(err, fsys.ErrIsADirectory))
}

func TestTimestamps(t *testing.T) {
	created := time.Date(2020, 1, 2, 3, 4, 5, 30*int(time.Millisecond), time.UTC)
	f := openFAT(t, imagetest.FAT32(volumeSize, "TS",
		imagetest.File{Path: "a.txt", Data: []byte("a"), Created: created},
	))

	info, err := f.Stat("a.txt")
	require.NoError(t, err)
	assert.Equal(t, imagetest.Epoch, info.ModTime())

	c, ok := info.(fsys.FileInfo).Created()
	require.True(t, ok)
	assert.Equal(t, created, c)
}

func TestLookupErrors(t *testing.T) {
	f := sample(t)

	_, err := f.Open("missing.txt")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = f.Open("README.TXT/child")
	assert.True(t, errors.Is(err, fsys.ErrNotADirectory))

	_, err = f.Open("/abs")
	assert.True(t, errors.Is(err, fs.ErrInvalid))
}

func TestFreeBlocks(t *testing.T) {
	f := sample(t)
	free, err := f.FreeBlocks()
	require.NoError(t, err)
	// the fragmented file leaves single-cluster gaps plus the free tail
	assert.Greater(t, len(free), 5)

	extents, err := f.FileExtents("DCIM/Camera/IMG_0001.JPG")
	require.NoError(t, err)
	for _, r := range free {
		for _, e := range extents {
			assert.False(t, e.Physical < r.End && r.Start < e.Physical+e.Length, "free range %v overlaps %v", r, e)
		}
	}
}

func TestTruncatedChain(t *testing.T) {
	data := imagetest.Pattern(2000, 1)
	img := imagetest.FAT32(volumeSize, "CUT", imagetest.File{Path: "big.bin", Data: data})
	// big.bin starts at cluster 3, right after the root; end its chain there
	binary.LittleEndian.PutUint32(img[32*512+3*4:], 0x0FFFFFFF)

	f := openFAT(t, img)
	_, err := f.FileExtents("big.bin")
	assert.True(t, errors.Is(err, fsys.ErrFilesystem))

	got, err := fs.ReadFile(f, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, data[:512], got)
}

func TestDOSDateTime(t *testing.T) {
	assert.True(t, parseDOSDateTime(0, 0, 0).IsZero())
	assert.True(t, parseDOSDateTime(13<<5|1, 0, 0).IsZero(), "month 13")

	date, tm, tenths := imagetest.DOSTime(time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC), parseDOSDateTime(date, tm, tenths))
}
