// Package mount opens the filesystem found at a byte offset of an image and
// resolves paths on it. Every error leaving the package belongs to the
// fsys taxonomy.
package mount

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/detect"
	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/fsys/exfat"
	"github.com/lvdlvd/imgwalk/fsys/ext"
	"github.com/lvdlvd/imgwalk/fsys/fat"
	"github.com/lvdlvd/imgwalk/fsys/hfsplus"
	"github.com/lvdlvd/imgwalk/logger"
)

// Kind is the filesystem family of a mount.
type Kind int

const (
	Unknown Kind = iota
	Ext
	FAT32 // any FAT variant; FS().Type() tells FAT12, FAT16 and FAT32 apart
	ExFAT
	HFS
)

func (k Kind) String() string {
	switch k {
	case Ext:
		return "ext"
	case FAT32:
		return "FAT"
	case ExFAT:
		return "exFAT"
	case HFS:
		return "HFS+"
	}
	return "unknown"
}

// Image is the read side of an open image. *image.Handle satisfies it.
type Image interface {
	io.ReaderAt
	Size() int64
}

// Options control Open.
type Options struct {
	// AllowOffsetZeroFallback retries at offset 0 when nothing mountable
	// is found at a non-zero offset.
	AllowOffsetZeroFallback bool
	// Length limits the volume to this many bytes; 0 means up to the end
	// of the image.
	Length int64
}

type backend struct {
	kind Kind
	open fsys.Opener
}

func backendFor(t detect.Type) (backend, bool) {
	switch {
	case t.IsFAT():
		return backend{FAT32, fat.Open}, true
	case t == detect.ExFAT:
		return backend{ExFAT, exfat.Open}, true
	case t.IsExt():
		return backend{Ext, ext.Open}, true
	case t.IsHFS():
		return backend{HFS, hfsplus.Open}, true
	}
	return backend{}, false
}

// Mount is a filesystem opened at an offset of a shared image. It does not
// own the image and is valid only while the image is open.
type Mount struct {
	img      Image
	offset   int64
	length   int64
	kind     Kind
	detected detect.Type
	fs       fsys.FS
	fellBack bool
	closed   bool
}

// Open detects and opens the filesystem starting at offset. Failures match
// fsys.ErrUnsupportedFilesystem when nothing mountable is there (wrapping
// fsys.ErrEncrypted for encrypted containers), fsys.ErrFilesystem when the
// superblock is invalid and fsys.ErrIO when the image cannot be read.
func Open(ctx context.Context, img Image, offset int64, opts Options) (*Mount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := open(img, offset, opts.Length)
	if err == nil {
		return m, nil
	}
	if !opts.AllowOffsetZeroFallback || offset == 0 || !errors.Is(err, fsys.ErrUnsupportedFilesystem) || errors.Is(err, fsys.ErrEncrypted) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.WalkLogger.Warning("no filesystem at requested offset, retrying at offset 0", "offset", offset, "error", err.Error())
	m, err0 := open(img, 0, 0)
	if err0 != nil {
		return nil, errors.Wrapf(err, "offset 0 fallback also failed (%v)", err0)
	}
	m.fellBack = true
	return m, nil
}

func open(img Image, offset, length int64) (*Mount, error) {
	size := img.Size()
	if offset < 0 || offset >= size {
		return nil, errors.Wrapf(fsys.ErrUnsupportedFilesystem, "offset %d outside image of %d bytes", offset, size)
	}
	if length <= 0 || offset+length > size {
		length = size - offset
	}
	r := io.NewSectionReader(img, offset, length)

	t, err := detect.Detect(r)
	if err != nil {
		return nil, errors.Wrapf(fsys.Classify(err), "detecting filesystem at offset %d", offset)
	}

	switch {
	case t.Encrypted():
		return nil, &unsupported{
			msg:   fmt.Sprintf("%s volume at offset %d cannot be read", t, offset),
			cause: fsys.ErrEncrypted,
		}
	case t.IsPartitionTable():
		return nil, errors.Wrapf(fsys.ErrUnsupportedFilesystem, "offset %d holds a %s partition table, not a filesystem", offset, t)
	}

	b, ok := backendFor(t)
	if !ok {
		return nil, errors.Wrapf(fsys.ErrUnsupportedFilesystem, "offset %d: %s", offset, t)
	}
	f, err := b.open(r, length)
	if err != nil {
		return nil, errors.Wrapf(fsys.Classify(err), "opening %s at offset %d", t, offset)
	}
	if f == nil {
		return nil, errors.Wrapf(fsys.ErrUnsupportedFilesystem, "offset %d: %s signature without a valid superblock", offset, t)
	}

	logger.WalkLogger.Info("mounted filesystem", "type", f.Type(), "offset", offset, "length", length)
	return &Mount{img: img, offset: offset, length: length, kind: b.kind, detected: t, fs: f}, nil
}

// unsupported matches fsys.ErrUnsupportedFilesystem and unwraps to the
// concrete reason.
type unsupported struct {
	msg   string
	cause error
}

func (e *unsupported) Error() string        { return "unsupported filesystem: " + e.msg + ": " + e.cause.Error() }
func (e *unsupported) Unwrap() error        { return e.cause }
func (e *unsupported) Is(target error) bool { return target == fsys.ErrUnsupportedFilesystem }

// Kind returns the filesystem family.
func (m *Mount) Kind() Kind { return m.kind }

// Detected returns the exact type found at the offset.
func (m *Mount) Detected() detect.Type { return m.detected }

// Offset returns the image offset the filesystem was opened at. After an
// offset-0 fallback this is 0.
func (m *Mount) Offset() int64 { return m.offset }

// Length returns the size of the volume in bytes.
func (m *Mount) Length() int64 { return m.length }

// FellBack reports whether the mount was opened at offset 0 instead of the
// requested offset.
func (m *Mount) FellBack() bool { return m.fellBack }

// FS returns the backend filesystem.
func (m *Mount) FS() fsys.FS { return m.fs }

// Label returns the volume label, or "" when the backend does not record one.
func (m *Mount) Label() string {
	if l, ok := m.fs.(interface{ Label() string }); ok {
		return l.Label()
	}
	return ""
}

// Close releases the backend. The image stays open.
func (m *Mount) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.fs.Close()
}

func (m *Mount) check(p string) error {
	if m.closed {
		return errors.Wrapf(fsys.ErrIO, "%s: mount at offset %d is closed", p, m.offset)
	}
	return nil
}

// Clean turns a user path ("/", "", "DCIM/../DCIM/") into the slash
// separated, root-relative form the backends take.
func Clean(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return "."
	}
	return p[1:]
}

// Stat returns the metadata of p.
func (m *Mount) Stat(p string) (fs.FileInfo, error) {
	if err := m.check(p); err != nil {
		return nil, err
	}
	info, err := m.fs.Stat(Clean(p))
	if err != nil {
		return nil, fsys.Classify(err)
	}
	return info, nil
}

// OpenDirectory resolves p to a directory.
func (m *Mount) OpenDirectory(p string) (*Directory, error) {
	name := Clean(p)
	info, err := m.Stat(name)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.Wrapf(fsys.ErrNotADirectory, "%s", name)
	}
	return &Directory{m: m, path: name, info: info}, nil
}

// OpenFile resolves p to a regular file.
func (m *Mount) OpenFile(p string) (*File, error) {
	name := Clean(p)
	if err := m.check(name); err != nil {
		return nil, err
	}
	f, err := m.fs.Open(name)
	if err != nil {
		return nil, fsys.Classify(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fsys.Classify(err)
	}
	if info.IsDir() {
		f.Close()
		return nil, errors.Wrapf(fsys.ErrIsADirectory, "%s", name)
	}
	r, ok := f.(io.ReaderAt)
	if !ok {
		f.Close()
		return nil, errors.Wrapf(fsys.ErrFilesystem, "%s: %s file does not support positional reads", name, m.fs.Type())
	}
	return &File{m: m, path: name, info: info, f: f, r: r}, nil
}

// Directory is a resolved directory on a mount.
type Directory struct {
	m    *Mount
	path string
	info fs.FileInfo
}

func (d *Directory) Path() string      { return d.path }
func (d *Directory) Info() fs.FileInfo { return d.info }
func (d *Directory) Mount() *Mount     { return d.m }

// ReadDir returns the entries in the backend's native order.
func (d *Directory) ReadDir() ([]fs.DirEntry, error) {
	if err := d.m.check(d.path); err != nil {
		return nil, err
	}
	entries, err := d.m.fs.ReadDir(d.path)
	if err != nil {
		return nil, fsys.Classify(err)
	}
	return entries, nil
}

// File is a resolved regular file on a mount.
type File struct {
	m    *Mount
	path string
	info fs.FileInfo
	f    fs.File
	r    io.ReaderAt
}

func (f *File) Path() string      { return f.path }
func (f *File) Info() fs.FileInfo { return f.info }
func (f *File) Size() int64       { return f.info.Size() }

// ReaderAt reads file content at file offsets. Reads past Size return io.EOF.
func (f *File) ReaderAt() io.ReaderAt { return f.r }

// Extents maps the file's content to absolute image offsets.
func (f *File) Extents() ([]fsys.Extent, error) {
	mapper, ok := f.m.fs.(fsys.ExtentMapper)
	if !ok {
		return nil, errors.Wrapf(fsys.ErrFilesystem, "%s: %s cannot map extents", f.path, f.m.fs.Type())
	}
	extents, err := mapper.FileExtents(f.path)
	if err != nil {
		return nil, fsys.Classify(err)
	}
	for i := range extents {
		extents[i].Physical += f.m.offset
	}
	return extents, nil
}

func (f *File) Close() error { return f.f.Close() }
