package mount

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/imgwalk/detect"
	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/imagetest"
)

var photo = imagetest.Pattern(3000, 0x21)

const (
	fatStart   = 2048
	extStart   = 8192
	exfatStart = 12288
	hfsStart   = 20480
)

// fourVolumes is a 16 MiB MBR disk with one volume of each kind.
func fourVolumes() []byte {
	disk := imagetest.NewDisk(16 << 20)
	imagetest.Place(disk, fatStart, imagetest.FAT32(2<<20, "PHONE",
		imagetest.File{Path: "DCIM/IMG_0001.JPG", Data: photo, Fragmented: true},
		imagetest.File{Path: "notes.txt", Data: []byte("call back")},
	))
	imagetest.Place(disk, extStart, imagetest.Ext4(2<<20,
		imagetest.File{Path: "etc/hostname", Data: []byte("box\n")},
	))
	imagetest.Place(disk, exfatStart, imagetest.ExFAT(4<<20, "SD",
		imagetest.File{Path: "a.txt", Data: []byte("a")},
	))
	imagetest.Place(disk, hfsStart, imagetest.HFSPlus(4<<20, "Mac",
		imagetest.File{Path: "Documents/x.txt", Data: []byte("x")},
	))
	imagetest.WriteMBR(disk,
		imagetest.MBREntry{Type: 0x0C, Start: fatStart, Sectors: 4096},
		imagetest.MBREntry{Type: 0x83, Start: extStart, Sectors: 4096},
		imagetest.MBREntry{Type: 0x07, Start: exfatStart, Sectors: 8192},
		imagetest.MBREntry{Type: 0xAF, Start: hfsStart, Sectors: 8192},
	)
	return disk
}

func TestOpenKinds(t *testing.T) {
	img := bytes.NewReader(fourVolumes())
	tests := []struct {
		start    int64
		kind     Kind
		detected detect.Type
		fsType   string
		label    string
	}{
		{fatStart, FAT32, detect.FAT32, "FAT32", ""},
		{extStart, Ext, detect.Ext4, "ext4", "imagetest"},
		{exfatStart, ExFAT, detect.ExFAT, "exFAT", "SD"},
		{hfsStart, HFS, detect.HFSPlus, "HFS+", ""},
	}
	for _, tt := range tests {
		t.Run(tt.fsType, func(t *testing.T) {
			m, err := Open(context.Background(), img, tt.start*512, Options{})
			require.NoError(t, err)
			defer m.Close()

			assert.Equal(t, tt.kind, m.Kind())
			assert.Equal(t, tt.detected, m.Detected())
			assert.Equal(t, tt.fsType, m.FS().Type())
			assert.Equal(t, tt.label, m.Label())
			_, ok := m.FS().(fsys.FreeBlocker)
			assert.True(t, ok, "free space")
			_, ok = m.FS().(fsys.BaseReaderer)
			assert.True(t, ok, "base reader")
			assert.Equal(t, tt.start*512, m.Offset())
			assert.False(t, m.FellBack())
		})
	}
}

func TestOpenLength(t *testing.T) {
	m, err := Open(context.Background(), bytes.NewReader(fourVolumes()), fatStart*512, Options{Length: 2 << 20})
	require.NoError(t, err)
	assert.Equal(t, int64(2<<20), m.Length())

	m, err = Open(context.Background(), bytes.NewReader(fourVolumes()), hfsStart*512, Options{Length: 1 << 30})
	require.NoError(t, err)
	assert.Equal(t, int64(16<<20-hfsStart*512), m.Length(), "clamped to the image")
}

func TestOpenFailures(t *testing.T) {
	disk := fourVolumes()
	corrupt := imagetest.FAT32(2<<20, "BAD")
	corrupt[11], corrupt[12] = 0xE8, 0x03 // 1000 bytes per sector
	ntfs := make([]byte, 8192)
	copy(ntfs[3:], "NTFS    ")

	tests := []struct {
		name   string
		img    []byte
		offset int64
		want   error
	}{
		{"partition table", disk, 0, fsys.ErrUnsupportedFilesystem},
		{"unallocated", disk, 100 * 512, fsys.ErrUnsupportedFilesystem},
		{"beyond image", disk, 16 << 20, fsys.ErrUnsupportedFilesystem},
		{"negative", disk, -512, fsys.ErrUnsupportedFilesystem},
		{"ntfs", ntfs, 0, fsys.ErrUnsupportedFilesystem},
		{"invalid superblock", corrupt, 0, fsys.ErrFilesystem},
		{"short", make([]byte, 100), 0, fsys.ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), bytes.NewReader(tt.img), tt.offset, Options{})
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestOpenEncrypted(t *testing.T) {
	disk := imagetest.NewDisk(4 << 20)
	copy(disk[1<<20:], "LUKS\xba\xbe")
	imagetest.Place(disk, 0, imagetest.FAT32(1<<20, "DECOY"))

	// an encrypted volume was found, so there is no fallback
	_, err := Open(context.Background(), bytes.NewReader(disk), 1<<20, Options{AllowOffsetZeroFallback: true})
	assert.True(t, errors.Is(err, fsys.ErrUnsupportedFilesystem))
	assert.True(t, errors.Is(err, fsys.ErrEncrypted))
	assert.Contains(t, err.Error(), "LUKS")
}

func TestOffsetZeroFallback(t *testing.T) {
	raw := imagetest.FAT32(4<<20, "RAW", imagetest.File{Path: "a.txt", Data: []byte("a")})

	_, err := Open(context.Background(), bytes.NewReader(raw), 1<<20, Options{})
	assert.True(t, errors.Is(err, fsys.ErrUnsupportedFilesystem))

	m, err := Open(context.Background(), bytes.NewReader(raw), 1<<20, Options{AllowOffsetZeroFallback: true})
	require.NoError(t, err)
	assert.True(t, m.FellBack())
	assert.Equal(t, int64(0), m.Offset())
	assert.Equal(t, FAT32, m.Kind())

	// nothing at either offset
	_, err = Open(context.Background(), bytes.NewReader(make([]byte, 2<<20)), 1<<20, Options{AllowOffsetZeroFallback: true})
	assert.True(t, errors.Is(err, fsys.ErrUnsupportedFilesystem))
}

func TestOpenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, bytes.NewReader(fourVolumes()), fatStart*512, Options{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestOpenDirectory(t *testing.T) {
	m, err := Open(context.Background(), bytes.NewReader(fourVolumes()), fatStart*512, Options{})
	require.NoError(t, err)

	for _, p := range []string{"", "/", ".", "DCIM/.."} {
		d, err := m.OpenDirectory(p)
		require.NoError(t, err, p)
		assert.Equal(t, ".", d.Path())
	}

	d, err := m.OpenDirectory("/DCIM/")
	require.NoError(t, err)
	assert.Equal(t, "DCIM", d.Path())
	assert.Same(t, m, d.Mount())
	entries, err := d.ReadDir()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "IMG_0001.JPG", entries[0].Name())

	_, err = m.OpenDirectory("Pictures")
	assert.True(t, errors.Is(err, fsys.ErrNotFound), "got %v", err)

	_, err = m.OpenDirectory("notes.txt")
	assert.True(t, errors.Is(err, fsys.ErrNotADirectory), "got %v", err)
}

func TestOpenFile(t *testing.T) {
	disk := fourVolumes()
	m, err := Open(context.Background(), bytes.NewReader(disk), fatStart*512, Options{})
	require.NoError(t, err)

	f, err := m.OpenFile("/DCIM/IMG_0001.JPG")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(len(photo)), f.Size())

	got, err := io.ReadAll(io.NewSectionReader(f.ReaderAt(), 0, f.Size()))
	require.NoError(t, err)
	assert.Equal(t, photo, got)

	// the extents address the image directly
	extents, err := f.Extents()
	require.NoError(t, err)
	require.Greater(t, len(extents), 1)
	var viaImage []byte
	for _, e := range extents {
		assert.GreaterOrEqual(t, e.Physical, int64(fatStart*512))
		viaImage = append(viaImage, disk[e.Physical:e.Physical+e.Length]...)
	}
	assert.Equal(t, photo, viaImage)

	_, err = m.OpenFile("DCIM")
	assert.True(t, errors.Is(err, fsys.ErrIsADirectory), "got %v", err)

	_, err = m.OpenFile("DCIM/IMG_0002.JPG")
	assert.True(t, errors.Is(err, fsys.ErrNotFound), "got %v", err)

	_, err = m.OpenFile("notes.txt/x")
	assert.True(t, errors.Is(err, fsys.ErrNotADirectory), "got %v", err)
}

func TestClose(t *testing.T) {
	img := bytes.NewReader(fourVolumes())
	m, err := Open(context.Background(), img, extStart*512, Options{})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())

	_, err = m.OpenFile("etc/hostname")
	assert.True(t, errors.Is(err, fsys.ErrIO))
	_, err = m.Stat("etc")
	assert.True(t, errors.Is(err, fsys.ErrIO))

	// the image is shared and still usable
	again, err := Open(context.Background(), img, extStart*512, Options{})
	require.NoError(t, err)
	info, err := again.Stat("etc/hostname")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size())
}

func TestClean(t *testing.T) {
	for in, want := range map[string]string{
		"":              ".",
		"/":             ".",
		".":             ".",
		"a/b/":          "a/b",
		"/a//b":         "a/b",
		"../../etc":     "etc",
		"DCIM/../DCIM/": "DCIM",
	} {
		assert.Equal(t, want, Clean(in), in)
	}
}
