package image

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/imgwalk/detect"
	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/imagetest"
)

func writeImage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(dir, "nope.img"), fsys.ErrNotFound},
		{"ewf extension", writeImage(t, "phone.E01", make([]byte, 512)), fsys.ErrUnsupportedFormat},
		{"ewf magic", writeImage(t, "phone.img", []byte("EVF\x09\x0d\x0a\xff\x00rest")), fsys.ErrUnsupportedFormat},
		{"directory", dir, fsys.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.path)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestOpenAccessDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	path := writeImage(t, "locked.dd", make([]byte, 512))
	require.NoError(t, os.Chmod(path, 0))
	_, err := Open(path)
	assert.True(t, errors.Is(err, fsys.ErrAccessDenied), "got %v", err)
}

func TestReadAt(t *testing.T) {
	data := imagetest.Pattern(10000, 7)
	h, err := Open(writeImage(t, "disk.raw", data))
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, int64(len(data)), h.Size())
	assert.False(t, h.Device())

	buf := make([]byte, 100)
	n, err := h.ReadAt(buf, 9900)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[9900:], buf)

	n, err = h.ReadAt(buf, 9950)
	assert.Equal(t, 50, n)
	assert.True(t, errors.Is(err, fsys.ErrIO))
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, data[9950:], buf[:50])

	n, err = h.ReadAt(buf, 20000)
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, fsys.ErrIO))

	_, err = h.ReadAt(buf, -1)
	assert.True(t, errors.Is(err, fsys.ErrIO))
}

func TestClose(t *testing.T) {
	h, err := Open(writeImage(t, "disk.001", make([]byte, 1024)))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.NoError(t, h.Close())

	_, err = h.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, fsys.ErrIO))
}

func TestHash(t *testing.T) {
	data := imagetest.Pattern(5000, 3)
	sum := sha256.Sum256(data)
	md := md5.Sum(data)

	got, err := Hash(context.Background(), imagetest.Reader(data), int64(len(data)), 1024, SHA256, MD5)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		SHA256: hex.EncodeToString(sum[:]),
		MD5:    hex.EncodeToString(md[:]),
	}, got)

	_, err = Hash(context.Background(), imagetest.Reader(data), int64(len(data)), 1024, "crc64")
	assert.Error(t, err)

	_, err = Hash(context.Background(), imagetest.Reader(data), int64(len(data)+1), 1024)
	assert.True(t, errors.Is(err, fsys.ErrIO), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Hash(ctx, imagetest.Reader(data), int64(len(data)), 1024)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAnalyze(t *testing.T) {
	t.Run("mbr", func(t *testing.T) {
		disk := imagetest.NewDisk(8 << 20)
		imagetest.Place(disk, 2048, imagetest.FAT32(2<<20, "CARD"))
		imagetest.Place(disk, 8192, imagetest.Ext4(2<<20))
		imagetest.WriteMBR(disk,
			imagetest.MBREntry{Type: 0x0C, Start: 2048, Sectors: 4096},
			imagetest.MBREntry{Type: 0x83, Start: 8192, Sectors: 4096},
		)
		h, err := Open(writeImage(t, "card.dd", disk))
		require.NoError(t, err)
		defer h.Close()

		s := Analyze(h)
		assert.Equal(t, detect.MBR, s.Detected)
		assert.Equal(t, "MBR", s.Scheme)
		require.Len(t, s.Volumes, 2)
		assert.Equal(t, detect.FAT32, s.Volumes[0].Type)
		assert.Equal(t, int64(2048*512), s.Volumes[0].Offset)
		assert.Equal(t, detect.Ext4, s.Volumes[1].Type)
		assert.False(t, s.Encrypted)
		assert.Equal(t, "Removable media", s.OS)
		assert.Contains(t, s.String(), "Scheme:     MBR")
	})

	t.Run("gpt", func(t *testing.T) {
		disk := imagetest.NewDisk(8 << 20)
		imagetest.Place(disk, 2048, imagetest.HFSPlus(4<<20, "Macintosh HD"))
		luks := append([]byte("LUKS\xba\xbe"), make([]byte, 4096)...)
		imagetest.Place(disk, 12288, luks)
		imagetest.WriteGPT(disk,
			imagetest.GPTEntry{Type: imagetest.GUIDAppleHFS, Name: "Macintosh HD", First: 2048, Last: 10239},
			imagetest.GPTEntry{Type: imagetest.GUIDLinux, Name: "vault", First: 12288, Last: 14335},
		)
		h, err := Open(writeImage(t, "mac.img", disk))
		require.NoError(t, err)
		defer h.Close()

		s := Analyze(h)
		assert.Equal(t, "GPT", s.Scheme)
		require.Len(t, s.Volumes, 2)
		assert.Equal(t, detect.HFSPlus, s.Volumes[0].Type)
		assert.Equal(t, detect.LUKS, s.Volumes[1].Type)
		assert.True(t, s.Encrypted)
		assert.Equal(t, "Apple", s.OS)
	})

	t.Run("raw volume", func(t *testing.T) {
		h, err := Open(writeImage(t, "stick.bin", imagetest.ExFAT(4<<20, "USB")))
		require.NoError(t, err)
		defer h.Close()

		s := Analyze(h)
		assert.Equal(t, "raw", s.Scheme)
		assert.NotEmpty(t, s.Fallback)
		require.Len(t, s.Volumes, 1)
		assert.Equal(t, detect.ExFAT, s.Volumes[0].Type)
		assert.Equal(t, int64(4<<20), s.Volumes[0].Size)
	})
}
