package ext

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

const volumeSize = 2 << 20

var (
	big     = imagetest.Pattern(300*1024, 0x33) // reaches the double indirect block
	scraps  = imagetest.Pattern(3000, 0x44)
	created = time.Date(2018, 2, 3, 4, 5, 6, 123456789, time.UTC)
)

func files() []imagetest.File {
	return []imagetest.File{
		{Path: "etc/hostname", Data: []byte("evidence-box\n"), Created: created},
		{Path: "home/user/big.bin", Data: big},
		{Path: "home/user/link", Link: "big.bin"},
		{Path: "frag.bin", Data: scraps, Fragmented: true},
		{Path: "empty"},
	}
}

// inode numbers handed out by the builder, parents first
const (
	inoEtc      = 11
	inoHostname = 12
	inoBig      = 15
)

func openExt(t *testing.T, img []byte) *FS {
	t.Helper()
	f, err := Open(imagetest.Reader(img), int64(len(img)))
	require.NoError(t, err)
	require.NotNil(t, f)
	return f.(*FS)
}

func TestOpenNotExt(t *testing.T) {
	f, err := Open(imagetest.Reader(make([]byte, 4096)), 4096)
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestBadSuperblock(t *testing.T) {
	img := imagetest.Ext2(volumeSize, files()...)
	binary.LittleEndian.PutUint32(img[1024+0x18:], 9) // block size shift
	_, err := Open(imagetest.Reader(img), int64(len(img)))
	assert.True(t, errors.Is(err, fsys.ErrFilesystem))
}

func TestVariants(t *testing.T) {
	tests := []struct {
		name  string
		build func(int64, ...imagetest.File) []byte
		typ   string
	}{
		{"block map", imagetest.Ext2, "ext2"},
		{"extents", imagetest.Ext4, "ext4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := openExt(t, tt.build(volumeSize, files()...))
			assert.Equal(t, tt.typ, f.Type())
			assert.Equal(t, "imagetest", f.Label())

			entries, err := f.ReadDir(".")
			require.NoError(t, err)
			var names []string
			for _, e := range entries {
				names = append(names, e.Name())
			}
			assert.Equal(t, []string{"etc", "home", "frag.bin", "empty"}, names)

			for path, want := range map[string][]byte{
				"etc/hostname":      []byte("evidence-box\n"),
				"home/user/big.bin": big,
				"frag.bin":          scraps,
				"empty":             {},
			} {
				data, err := fs.ReadFile(f, path)
				require.NoError(t, err, path)
				assert.Equal(t, want, data, path)
			}

			extents, err := f.FileExtents("home/user/big.bin")
			require.NoError(t, err)
			require.Len(t, extents, 1)
			assert.Equal(t, int64(len(big)), extents[0].Length)

			extents, err = f.FileExtents("frag.bin")
			require.NoError(t, err)
			assert.Len(t, extents, 3)
		})
	}
}

func TestStat(t *testing.T) {
	f := openExt(t, imagetest.Ext4(volumeSize, files()...))

	info, err := f.Stat("etc/hostname")
	require.NoError(t, err)
	assert.Equal(t, int64(13), info.Size())
	assert.Equal(t, fs.FileMode(0644), info.Mode())
	assert.Equal(t, imagetest.Epoch, info.ModTime())

	fi := info.(fsys.FileInfo)
	assert.Equal(t, uint64(inoHostname), fi.Inode())
	c, ok := fi.Created()
	require.True(t, ok)
	assert.Equal(t, created, c)

	dir, err := f.Stat("etc")
	require.NoError(t, err)
	assert.Equal(t, fs.ModeDir|0755, dir.Mode())
	assert.Equal(t, uint64(inoEtc), dir.(fsys.FileInfo).Inode())
}

func TestFastSymlink(t *testing.T) {
	f := openExt(t, imagetest.Ext2(volumeSize, files()...))

	info, err := f.Stat("home/user/link")
	require.NoError(t, err)
	assert.Equal(t, fs.ModeSymlink, info.Mode().Type())
	assert.Equal(t, int64(len("big.bin")), info.Size())

	target, err := fs.ReadFile(f, "home/user/link")
	require.NoError(t, err)
	assert.Equal(t, "big.bin", string(target))

	extents, err := f.FileExtents("home/user/link")
	require.NoError(t, err)
	assert.Empty(t, extents)
}

func TestLookupErrors(t *testing.T) {
	f := openExt(t, imagetest.Ext2(volumeSize, files()...))

	_, err := f.Open("etc/missing")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	// lookups are case-sensitive
	_, err = f.Open("ETC/hostname")
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = f.Open("frag.bin/x")
	assert.True(t, errors.Is(err, fsys.ErrNotADirectory))

	_, err = f.FileExtents("home")
	assert.True(t, errors.Is(err, fsys.ErrIsADirectory))
}

func TestFreeBlocks(t *testing.T) {
	f := openExt(t, imagetest.Ext2(volumeSize, files()...))
	free, err := f.FreeBlocks()
	require.NoError(t, err)
	require.NotEmpty(t, free)

	for _, path := range []string{"home/user/big.bin", "frag.bin"} {
		extents, err := f.FileExtents(path)
		require.NoError(t, err)
		for _, r := range free {
			for _, e := range extents {
				assert.False(t, e.Physical < r.End && r.Start < e.Physical+e.Length, "%s: free range %v overlaps %v", path, r, e)
			}
		}
	}
	last := free[len(free)-1]
	assert.Equal(t, int64(volumeSize), last.End)
}

func TestUnreadableInodeDegrades(t *testing.T) {
	img := imagetest.Ext2(volumeSize, files()...)
	// root inode 2: its first block holds ".", ".." then "etc"
	rootBlock := binary.LittleEndian.Uint32(img[5*1024+256+0x28:])
	etc := int64(rootBlock)*1024 + 24
	require.Equal(t, uint32(inoEtc), binary.LittleEndian.Uint32(img[etc:]))
	binary.LittleEndian.PutUint32(img[etc:], 9999)

	f := openExt(t, img)
	entries, err := f.ReadDir(".")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "etc", entries[0].Name())
	assert.True(t, entries[0].IsDir(), "type hint comes from the directory record")
	_, err = entries[0].Info()
	assert.True(t, errors.Is(err, fsys.ErrFilesystem), "%v", err)

	info, err := entries[1].Info()
	require.NoError(t, err)
	assert.Equal(t, "home", info.Name())
}

func TestDirectorySize(t *testing.T) {
	// root inode 2, i_size at 0x04 and i_size_high at 0x6C
	root := 5*1024 + 256

	img := imagetest.Ext2(volumeSize, files()...)
	binary.LittleEndian.PutUint32(img[root+0x04:], 64*1024)
	f := openExt(t, img)
	entries, err := f.ReadDir(".")
	require.NoError(t, err, "records are read from the mapped blocks only")
	assert.Len(t, entries, 4)

	binary.LittleEndian.PutUint32(img[root+0x6C:], 0x4000)
	f = openExt(t, img)
	_, err = f.ReadDir(".")
	assert.True(t, errors.Is(err, fsys.ErrFilesystem), "%v", err)
	_, err = f.Stat("etc/hostname")
	assert.True(t, errors.Is(err, fsys.ErrFilesystem), "%v", err)
}

func TestIncompleteBlockMap(t *testing.T) {
	img := imagetest.Ext2(volumeSize, files()...)
	// point the single indirect block of big.bin past the end of the volume
	iblock := 5*1024 + (inoBig-1)*256 + 0x28
	binary.LittleEndian.PutUint32(img[iblock+12*4:], 99999)

	f := openExt(t, img)
	_, err := f.FileExtents("home/user/big.bin")
	assert.True(t, errors.Is(err, fsys.ErrFilesystem))

	data, err := fs.ReadFile(f, "home/user/big.bin")
	require.NoError(t, err)
	assert.Equal(t, big[:12*1024], data)
}

func TestExtTime(t *testing.T) {
	assert.True(t, extTime(0, 0).IsZero())
	assert.Equal(t, time.Unix(100, 7).UTC(), extTime(100, 7<<2))
	// epoch bits extend past 2038
	assert.Equal(t, time.Unix(1<<32+5, 0).UTC(), extTime(5, 1))
}
