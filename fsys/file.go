package fsys

import (
	"io"
	"io/fs"

	"github.com/pkg/errors"
)

// File is an open regular file whose content is read through extents of
// the image, so nothing is loaded up front.
type File struct {
	info fs.FileInfo
	r    *ExtentReaderAt
	off  int64
}

// NewFile returns a file serving info.Size() bytes from r.
func NewFile(info fs.FileInfo, r *ExtentReaderAt) *File {
	return &File{info: info, r: r}
}

func (f *File) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *File) Read(p []byte) (int, error) {
	n, err := f.r.ReadAt(p, f.off)
	f.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt implements io.ReaderAt and does not move the Read offset.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.r.ReadAt(p, off)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.off
	case io.SeekEnd:
		offset += f.r.Size()
	default:
		return 0, errors.Errorf("seek: invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, errors.Errorf("seek: negative position %d", offset)
	}
	f.off = offset
	return offset, nil
}

// Extents returns the file's mapping onto the reader it was opened from.
func (f *File) Extents() []Extent { return f.r.Extents() }

func (f *File) Close() error { return nil }

// Dir is an open directory. Entries are loaded on the first ReadDir call.
type Dir struct {
	info    fs.FileInfo
	load    func() ([]fs.DirEntry, error)
	entries []fs.DirEntry
	loaded  bool
	offset  int
}

// NewDir returns a directory whose entries come from load.
func NewDir(info fs.FileInfo, load func() ([]fs.DirEntry, error)) *Dir {
	return &Dir{info: info, load: load}
}

func (d *Dir) Stat() (fs.FileInfo, error) { return d.info, nil }

func (d *Dir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.Name(), Err: ErrIsADirectory}
}

func (d *Dir) Close() error {
	d.entries = nil
	return nil
}

// ReadDir follows fs.ReadDirFile: n <= 0 returns everything left.
func (d *Dir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.loaded {
		entries, err := d.load()
		if err != nil {
			return nil, err
		}
		d.entries, d.loaded = entries, true
	}

	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if n > len(rest) {
		n = len(rest)
	}
	d.offset += n
	return rest[:n], nil
}

// InfoEntry adapts a FileInfo that is already known into an fs.DirEntry.
// When Err is set the entry's metadata could not be read: FileInfo still
// names the entry and carries the directory record's type hint, and Info
// returns Err.
type InfoEntry struct {
	FileInfo fs.FileInfo
	Err      error
}

func (e InfoEntry) Name() string      { return e.FileInfo.Name() }
func (e InfoEntry) IsDir() bool       { return e.FileInfo.IsDir() }
func (e InfoEntry) Type() fs.FileMode { return e.FileInfo.Mode().Type() }

func (e InfoEntry) Info() (fs.FileInfo, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	return e.FileInfo, nil
}

// ReadDir opens name on fsys and reads all of its entries.
func ReadDir(fsys fs.FS, name string) ([]fs.DirEntry, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir, ok := f.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotADirectory}
	}
	return dir.ReadDir(-1)
}

// Stat opens name on fsys and returns its FileInfo.
func Stat(fsys fs.FS, name string) (fs.FileInfo, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}
