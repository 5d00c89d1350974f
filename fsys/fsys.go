// Package fsys defines the read-only filesystem view shared by every
// on-disk format reader, the extent mapping used to stream file content
// straight out of an image, and the error taxonomy reported to callers.
package fsys

import (
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Range is the byte range [Start, End) of an image.
type Range struct {
	Start int64
	End   int64
}

// Size returns the number of bytes covered by the range.
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Extent maps Length bytes at file offset Logical to image offset Physical.
type Extent struct {
	Logical  int64
	Physical int64
	Length   int64
}

// FS is a read-only filesystem opened from an image region.
type FS interface {
	fs.FS
	fs.ReadDirFS
	fs.StatFS

	// Type returns the concrete on-disk format, e.g. "FAT32", "exFAT", "ext4", "HFS+".
	Type() string

	Close() error
}

// FreeBlocker is implemented by filesystems that can report unallocated space.
type FreeBlocker interface {
	// FreeBlocks returns ascending, non-overlapping free ranges relative to
	// the start of the filesystem.
	FreeBlocks() ([]Range, error)
}

// ExtentMapper is implemented by filesystems that can locate file content.
type ExtentMapper interface {
	// FileExtents maps a regular file's logical offsets to offsets relative
	// to the filesystem's reader. Holes are absent from the list.
	FileExtents(path string) ([]Extent, error)
}

// BaseReaderer exposes the reader a filesystem was opened on, so extents
// returned by FileExtents can be resolved against it.
type BaseReaderer interface {
	BaseReader() io.ReaderAt
}

// FileInfo adds the metadata forensic listings need on top of fs.FileInfo.
type FileInfo interface {
	fs.FileInfo

	// Inode returns the inode number or directory-entry address, 0 when the
	// format has neither.
	Inode() uint64

	// Created returns the creation time, or false when the format or the
	// record does not carry one.
	Created() (time.Time, bool)
}

// Opener opens a filesystem from a reader positioned at its first byte.
// It returns nil, nil if the bytes do not belong to its format.
type Opener func(r io.ReaderAt, size int64) (FS, error)

// ExtentReaderAt presents a file described by extents as a contiguous
// io.ReaderAt without loading it. Bytes not covered by any extent read as zero.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent
	size    int64
}

// NewExtentReaderAt builds a reader over extents of r. When r is itself an
// ExtentReaderAt the mappings are composed so reads go straight to the
// innermost reader.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Logical < sorted[j].Logical
	})

	if inner, ok := r.(*ExtentReaderAt); ok {
		return &ExtentReaderAt{r: inner.r, extents: ComposeExtents(sorted, inner.extents), size: size}
	}
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// ComposeExtents translates outer extents, whose Physical offsets live in
// the logical space of inner, into extents against inner's physical space.
// Outer ranges that fall into holes of inner are dropped.
func ComposeExtents(outer, inner []Extent) []Extent {
	var composed []Extent

	for _, o := range outer {
		remaining := o.Length
		at := o.Physical
		logical := o.Logical

		for remaining > 0 {
			i, ok := containing(inner, at)
			if !ok {
				next := int64(-1)
				for _, e := range inner {
					if e.Logical > at && (next < 0 || e.Logical < next) {
						next = e.Logical
					}
				}
				if next < 0 {
					break
				}
				skip := next - at
				if skip > remaining {
					skip = remaining
				}
				logical += skip
				at += skip
				remaining -= skip
				continue
			}

			delta := at - i.Logical
			n := i.Length - delta
			if n > remaining {
				n = remaining
			}
			composed = append(composed, Extent{Logical: logical, Physical: i.Physical + delta, Length: n})
			logical += n
			at += n
			remaining -= n
		}
	}

	return composed
}

func containing(extents []Extent, off int64) (Extent, bool) {
	for _, e := range extents {
		if off >= e.Logical && off < e.Logical+e.Length {
			return e, true
		}
	}
	return Extent{}, false
}

// Size returns the logical file size.
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// Extents returns the flattened mapping.
func (e *ExtentReaderAt) Extents() []Extent {
	return e.extents
}

// ReadAt implements io.ReaderAt. A short read of the backing reader inside an
// extent is reported as io.ErrUnexpectedEOF together with the bytes obtained.
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if off >= e.size {
		return 0, io.EOF
	}

	var eof error
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
		eof = io.EOF
	}

	done := 0
	for done < len(p) {
		ext, ok := e.find(off)
		if !ok {
			end := e.nextStart(off)
			n := int(min(end-off, int64(len(p)-done)))
			clear(p[done : done+n])
			done += n
			off += int64(n)
			continue
		}

		delta := off - ext.Logical
		n := int(min(ext.Length-delta, int64(len(p)-done)))
		got, err := e.r.ReadAt(p[done:done+n], ext.Physical+delta)
		done += got
		off += int64(got)
		if got < n {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return done, err
		}
	}

	return done, eof
}

// find returns the extent covering off. Extents are sorted by Logical.
func (e *ExtentReaderAt) find(off int64) (Extent, bool) {
	i := sort.Search(len(e.extents), func(i int) bool {
		return e.extents[i].Logical+e.extents[i].Length > off
	})
	if i < len(e.extents) && e.extents[i].Logical <= off {
		return e.extents[i], true
	}
	return Extent{}, false
}

func (e *ExtentReaderAt) nextStart(off int64) int64 {
	for _, ext := range e.extents {
		if ext.Logical > off {
			return min(ext.Logical, e.size)
		}
	}
	return e.size
}

// ExtentBuilder accumulates block-sized runs into coalesced extents.
type ExtentBuilder struct {
	extents []Extent
	logical int64
}

// Add appends length bytes at physical offset phys, merging with the
// previous extent when both are contiguous on disk.
func (b *ExtentBuilder) Add(phys, length int64) {
	if n := len(b.extents); n > 0 {
		last := &b.extents[n-1]
		if last.Physical+last.Length == phys && last.Logical+last.Length == b.logical {
			last.Length += length
			b.logical += length
			return
		}
	}
	b.extents = append(b.extents, Extent{Logical: b.logical, Physical: phys, Length: length})
	b.logical += length
}

// Skip advances the logical offset over a hole of length bytes.
func (b *ExtentBuilder) Skip(length int64) {
	b.logical += length
}

// Logical returns the logical offset the next Add will map.
func (b *ExtentBuilder) Logical() int64 {
	return b.logical
}

// Extents returns the accumulated mapping.
func (b *ExtentBuilder) Extents() []Extent {
	return b.extents
}
