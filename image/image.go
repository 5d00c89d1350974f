// Package image opens raw evidence images read-only and serves bounds-checked
// positional reads from them.
package image

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/logger"
)

// Handle is an open raw image. ReadAt is safe for concurrent use; there is
// no shared cursor and no cache.
type Handle struct {
	path   string
	f      *os.File
	size   int64
	device bool
	closed atomic.Bool
}

var (
	// containers recognised by extension that are not raw images
	containerExts = map[string]string{
		".e01":   "EnCase EWF",
		".ex01":  "EnCase EWF2",
		".l01":   "EnCase logical evidence",
		".s01":   "SMART EWF",
		".aff":   "AFF",
		".aff4":  "AFF4",
		".vmdk":  "VMDK",
		".vhd":   "VHD",
		".vhdx":  "VHDX",
		".qcow2": "QCOW2",
	}

	containerMagic = []struct {
		magic []byte
		name  string
	}{
		{[]byte("EVF\x09\x0d\x0a\xff\x00"), "EnCase EWF"},
		{[]byte("EVF2\x0d\x0a\x81\x00"), "EnCase EWF2"},
		{[]byte("LVF\x09\x0d\x0a\xff\x00"), "EnCase logical evidence"},
		{[]byte("AFF10\r\n\x00"), "AFF"},
		{[]byte("KDMV"), "VMDK"},
		{[]byte("QFI\xfb"), "QCOW2"},
		{[]byte("vhdxfile"), "VHDX"},
	}
)

// Open opens path read-only. It fails with fsys.ErrNotFound,
// fsys.ErrAccessDenied or fsys.ErrUnsupportedFormat.
func Open(path string) (*Handle, error) {
	if kind, ok := containerExts[strings.ToLower(filepath.Ext(path))]; ok {
		return nil, errors.Wrapf(fsys.ErrUnsupportedFormat, "%s: %s containers are not supported, convert to raw first", path, kind)
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, openError(path, err)
	}

	h, err := newHandle(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	logger.WalkLogger.Info("opened image", "path", path, "size", h.size)
	return h, nil
}

func openError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errors.Wrapf(fsys.ErrNotFound, "image %s", path)
	case errors.Is(err, fs.ErrPermission):
		return errors.Wrapf(fsys.ErrAccessDenied, "image %s", path)
	}
	return errors.Wrapf(fsys.ErrIO, "opening image %s: %v", path, err)
}

func newHandle(path string, f *os.File) (*Handle, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(fsys.ErrIO, "stat %s: %v", path, err)
	}

	var size int64
	switch mode := info.Mode(); {
	case mode.IsRegular():
		size = info.Size()
	case mode&fs.ModeDevice != 0:
		size, err = deviceSize(f)
		if err != nil {
			return nil, errors.Wrapf(fsys.ErrIO, "size of device %s: %v", path, err)
		}
	default:
		return nil, errors.Wrapf(fsys.ErrUnsupportedFormat, "%s: not a regular file or block device (%s)", path, mode.Type())
	}

	magic := make([]byte, 8)
	if n, _ := f.ReadAt(magic, 0); n > 0 {
		for _, c := range containerMagic {
			if bytes.HasPrefix(magic[:n], c.magic) {
				return nil, errors.Wrapf(fsys.ErrUnsupportedFormat, "%s: %s container signature", path, c.name)
			}
		}
	}

	adviseRandom(f)
	return &Handle{path: path, f: f, size: size, device: info.Mode()&fs.ModeDevice != 0}, nil
}

// Path returns the path the image was opened from.
func (h *Handle) Path() string { return h.path }

// Device reports whether the image is a block device rather than a file.
func (h *Handle) Device() bool { return h.device }

// Size returns the image size in bytes.
func (h *Handle) Size() int64 { return h.size }

// ReadAt reads len(p) bytes at off. Reads that extend past Size return the
// bytes that are in range and an error matching both fsys.ErrIO and io.EOF.
// Media errors match fsys.ErrIO.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h.closed.Load() {
		return 0, errors.Wrapf(fsys.ErrIO, "read at offset %d: image %s is closed", off, h.path)
	}
	if off < 0 {
		return 0, errors.Wrapf(fsys.ErrIO, "read at negative offset %d", off)
	}

	want := len(p)
	if off >= h.size {
		return 0, &rangeError{off: off, length: want, size: h.size}
	}
	if off+int64(want) > h.size {
		p = p[:h.size-off]
	}

	n, err := h.f.ReadAt(p, off)
	if n < len(p) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return n, errors.Wrapf(fsys.ErrIO, "read %d bytes at offset %d of %s: got %d: %v", len(p), off, h.path, n, err)
	}
	if n < want {
		return n, &rangeError{off: off, length: want, size: h.size}
	}
	return n, nil
}

// Close releases the file. It is safe to call more than once.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.f.Close()
}

type rangeError struct {
	off    int64
	length int
	size   int64
}

func (e *rangeError) Error() string {
	return fmt.Sprintf("i/o error: read %d bytes at offset %d beyond image size %d", e.length, e.off, e.size)
}

func (e *rangeError) Is(target error) bool {
	return target == fsys.ErrIO || target == io.EOF
}
