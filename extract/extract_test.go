package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/imagetest"
	"github.com/lvdlvd/imgwalk/mount"
)

var (
	big   = imagetest.Pattern(100000, 0x42)
	photo = imagetest.Pattern(3000, 0x17)
)

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func volume() []byte {
	return imagetest.FAT32(4<<20, "EXTRACT",
		imagetest.File{Path: "big.bin", Data: big},
		imagetest.File{Path: "DCIM/a/IMG_0001.JPG", Data: photo, Fragmented: true},
		imagetest.File{Path: "DCIM/b/IMG_0001.JPG", Data: []byte("second camera")},
		imagetest.File{Path: "empty.txt"},
	)
}

func mountOf(t *testing.T, img []byte) *mount.Mount {
	t.Helper()
	m, err := mount.Open(context.Background(), bytes.NewReader(img), 0, mount.Options{})
	require.NoError(t, err)
	return m
}

func TestExtract(t *testing.T) {
	m := mountOf(t, volume())
	tests := []struct {
		path string
		want []byte
	}{
		{"big.bin", big},
		{"/DCIM/a/IMG_0001.JPG", photo},
		{"empty.txt", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var sink bytes.Buffer
			res := Extract(context.Background(), m, tt.path, &sink, WithChunkSize(4096))
			require.NoError(t, res.Err)
			assert.True(t, res.Success)
			assert.Equal(t, uint64(len(tt.want)), res.BytesWritten)
			assert.Equal(t, sum(tt.want), res.SHA256)
			assert.Equal(t, tt.path, res.Source)
			assert.True(t, bytes.Equal(tt.want, sink.Bytes()))
		})
	}
}

func TestExtractWithoutHash(t *testing.T) {
	m := mountOf(t, volume())
	var sink bytes.Buffer
	res := Extract(context.Background(), m, "big.bin", &sink, WithoutHash())
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Empty(t, res.SHA256)
	assert.Equal(t, big, sink.Bytes())
}

func TestExtractMatchesExtents(t *testing.T) {
	img := volume()
	m := mountOf(t, img)

	var sink bytes.Buffer
	res := Extract(context.Background(), m, "DCIM/a/IMG_0001.JPG", &sink, WithChunkSize(700))
	require.True(t, res.Success)

	f, err := m.OpenFile("DCIM/a/IMG_0001.JPG")
	require.NoError(t, err)
	extents, err := f.Extents()
	require.NoError(t, err)
	var direct []byte
	for _, e := range extents {
		direct = append(direct, img[e.Physical:e.Physical+e.Length]...)
	}
	assert.Equal(t, direct, sink.Bytes())
}

func TestExtractProgress(t *testing.T) {
	m := mountOf(t, volume())
	var calls []int64
	res := Extract(context.Background(), m, "big.bin", io.Discard, WithChunkSize(30000), WithProgress(func(done, total int64) {
		assert.Equal(t, int64(len(big)), total)
		calls = append(calls, done)
	}))
	require.True(t, res.Success)
	assert.Equal(t, []int64{30000, 60000, 90000, 100000}, calls)
}

func TestExtractErrors(t *testing.T) {
	m := mountOf(t, volume())

	res := Extract(context.Background(), m, "missing.bin", io.Discard)
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, fsys.ErrNotFound))
	assert.Zero(t, res.BytesWritten)

	res = Extract(context.Background(), m, "DCIM", io.Discard)
	assert.True(t, errors.Is(res.Err, fsys.ErrIsADirectory))
}

func TestExtractTruncatedImage(t *testing.T) {
	// big.bin is contiguous from cluster 3, at byte 82432 of the volume
	const start, kept = 82432, 50000
	img := volume()[:start+kept]
	m := mountOf(t, img)

	var sink bytes.Buffer
	res := Extract(context.Background(), m, "big.bin", &sink, WithChunkSize(4096))
	assert.False(t, res.Success)
	assert.Equal(t, uint64(kept), res.BytesWritten)
	assert.Empty(t, res.SHA256)
	assert.True(t, errors.Is(res.Err, fsys.ErrIO), "got %v", res.Err)
	assert.Contains(t, res.Err.Error(), "big.bin")
	assert.Equal(t, big[:kept], sink.Bytes())
}

// cancelAfter cancels its context once it has seen n writes.
type cancelAfter struct {
	n      int
	cancel context.CancelFunc
	buf    bytes.Buffer
}

func (c *cancelAfter) Write(p []byte) (int, error) {
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return c.buf.Write(p)
}

func TestExtractCancel(t *testing.T) {
	m := mountOf(t, volume())
	ctx, cancel := context.WithCancel(context.Background())
	sink := &cancelAfter{n: 3, cancel: cancel}

	res := Extract(ctx, m, "big.bin", sink, WithChunkSize(10000))
	assert.False(t, res.Success)
	assert.Equal(t, uint64(3*10000), res.BytesWritten)
	assert.True(t, errors.Is(res.Err, context.Canceled))
	assert.Equal(t, big[:30000], sink.buf.Bytes())
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("disk full")
	}
	w.after--
	return len(p), nil
}

func TestExtractWriteFailure(t *testing.T) {
	m := mountOf(t, volume())
	res := Extract(context.Background(), m, "big.bin", &failingWriter{after: 2}, WithChunkSize(1000))
	assert.False(t, res.Success)
	assert.Equal(t, uint64(2000), res.BytesWritten)
	assert.Contains(t, res.Err.Error(), "disk full")
}

type panicReader struct{}

func (panicReader) ReadAt([]byte, int64) (int, error) { panic("corrupt run list") }

func TestRange(t *testing.T) {
	disk := imagetest.Pattern(1<<20, 9)

	var sink bytes.Buffer
	res := Range(context.Background(), bytes.NewReader(disk), 4096, 8192, &sink, WithChunkSize(1000))
	require.True(t, res.Success)
	assert.Equal(t, "bytes 4096-12288", res.Source)
	assert.Equal(t, disk[4096:12288], sink.Bytes())
	assert.Equal(t, sum(disk[4096:12288]), res.SHA256)

	res = Range(context.Background(), bytes.NewReader(disk), 1<<20-100, 1000, io.Discard)
	assert.False(t, res.Success)
	assert.Equal(t, uint64(100), res.BytesWritten)
	assert.True(t, errors.Is(res.Err, fsys.ErrIO))

	res = Range(context.Background(), bytes.NewReader(disk), -1, 10, io.Discard)
	assert.True(t, errors.Is(res.Err, fsys.ErrIO))

	res = Range(context.Background(), panicReader{}, 0, 10, io.Discard)
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, fsys.ErrFilesystem))
	assert.Contains(t, res.Err.Error(), "corrupt run list")
}

func TestToFs(t *testing.T) {
	m := mountOf(t, volume())
	dst := afero.NewMemMapFs()

	first := ToFs(context.Background(), m, "DCIM/a/IMG_0001.JPG", dst, "out")
	require.True(t, first.Success, "%v", first.Err)
	assert.Equal(t, "out/IMG_0001.JPG", first.Destination)

	second := ToFs(context.Background(), m, "DCIM/b/IMG_0001.JPG", dst, "out")
	require.True(t, second.Success, "%v", second.Err)
	assert.Equal(t, "out/IMG_0001_1.JPG", second.Destination)

	data, err := afero.ReadFile(dst, "out/IMG_0001.JPG")
	require.NoError(t, err)
	assert.Equal(t, photo, data)
	data, err = afero.ReadFile(dst, "out/IMG_0001_1.JPG")
	require.NoError(t, err)
	assert.Equal(t, "second camera", string(data))

	missing := ToFs(context.Background(), m, "nope.bin", dst, "out")
	assert.True(t, errors.Is(missing.Err, fsys.ErrNotFound))
	exists, err := afero.Exists(dst, "out/nope.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	root := ToFs(context.Background(), m, "/", dst, "out")
	assert.True(t, errors.Is(root.Err, fsys.ErrIsADirectory))
}

func TestRangeToFs(t *testing.T) {
	disk := imagetest.Pattern(64<<10, 4)
	dst := afero.NewMemMapFs()

	res := RangeToFs(context.Background(), bytes.NewReader(disk), 1024, 4096, "u0", "u0.bin", dst, "out")
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, "u0", res.Source)
	assert.Equal(t, "out/u0.bin", res.Destination)
	assert.Equal(t, sum(disk[1024:5120]), res.SHA256)
	data, err := afero.ReadFile(dst, "out/u0.bin")
	require.NoError(t, err)
	assert.Equal(t, disk[1024:5120], data)

	again := RangeToFs(context.Background(), bytes.NewReader(disk), 0, 10, "u0", "u0.bin", dst, "out", WithoutHash())
	require.True(t, again.Success, "%v", again.Err)
	assert.Equal(t, "out/u0_1.bin", again.Destination)
	assert.Empty(t, again.SHA256)

	short := RangeToFs(context.Background(), bytes.NewReader(disk), 64<<10-10, 100, "p1", "p1.bin", dst, "out")
	assert.False(t, short.Success)
	assert.True(t, errors.Is(short.Err, fsys.ErrIO))
	assert.Equal(t, "out/p1.bin", short.Destination)
}

func TestBatch(t *testing.T) {
	m := mountOf(t, volume())
	dst := afero.NewMemMapFs()
	paths := []string{"big.bin", "DCIM/a/IMG_0001.JPG", "missing", "DCIM/b/IMG_0001.JPG", "empty.txt"}

	results := Batch(context.Background(), m, paths, dst, "case-1", 3, WithChunkSize(8192))
	require.Len(t, results, len(paths))
	for i, r := range results {
		assert.Equal(t, paths[i], r.Source)
	}
	assert.True(t, errors.Is(results[2].Err, fsys.ErrNotFound))

	var names []string
	for i, r := range results {
		if i == 2 {
			continue
		}
		require.True(t, r.Success, "%s: %v", r.Source, r.Err)
		names = append(names, r.Destination)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"case-1/IMG_0001.JPG", "case-1/IMG_0001_1.JPG", "case-1/big.bin", "case-1/empty.txt"}, names)

	data, err := afero.ReadFile(dst, results[0].Destination)
	require.NoError(t, err)
	assert.Equal(t, big, data)
}

func TestBatchCancelled(t *testing.T) {
	m := mountOf(t, volume())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Batch(ctx, m, []string{"big.bin", "empty.txt"}, afero.NewMemMapFs(), "out", 0)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.True(t, errors.Is(r.Err, context.Canceled))
	}
}
