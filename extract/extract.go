// Package extract streams file content and raw byte ranges out of an image.
// Reads are positional and chunked, so files of any size are copied without
// being loaded, and every outcome, including partial copies, is reported in
// a Result rather than as an error.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/config"
	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/logger"
	"github.com/lvdlvd/imgwalk/mount"
)

// Result is the outcome of one extraction. SHA256 is set only on success,
// and stays empty when hashing was turned off.
type Result struct {
	Source       string
	Destination  string
	Success      bool
	BytesWritten uint64
	SHA256       string
	Err          error
}

type options struct {
	chunk    int
	progress func(done, total int64)
	noHash   bool
}

// Option configures an extraction.
type Option func(*options)

// WithChunkSize sets the read size. Values below 1 are ignored.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunk = n
		}
	}
}

// WithProgress calls fn after every chunk.
func WithProgress(fn func(done, total int64)) Option {
	return func(o *options) { o.progress = fn }
}

// WithoutHash skips the SHA-256 of the copied bytes.
func WithoutHash() Option {
	return func(o *options) { o.noHash = true }
}

func newOptions(opts []Option) options {
	o := options{chunk: config.DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Extract copies the file at p on m to sink.
func Extract(ctx context.Context, m *mount.Mount, p string, sink io.Writer, opts ...Option) (res Result) {
	res.Source = p
	defer recoverInto(&res)

	f, err := m.OpenFile(p)
	if err != nil {
		res.Err = err
		logger.WalkLogger.Warning("extraction failed", "path", p, "error", err.Error())
		return res
	}
	defer f.Close()

	res = stream(ctx, f.ReaderAt(), f.Size(), sink, f.Path(), newOptions(opts))
	res.Source = p
	logResult(res)
	return res
}

// Range copies length bytes of r starting at off, e.g. a partition or an
// unallocated gap of the image.
func Range(ctx context.Context, r io.ReaderAt, off, length int64, sink io.Writer, opts ...Option) (res Result) {
	res.Source = fmt.Sprintf("bytes %d-%d", off, off+length)
	defer recoverInto(&res)

	if off < 0 || length < 0 {
		res.Err = errors.Wrapf(fsys.ErrIO, "%s: negative range", res.Source)
		return res
	}
	res = stream(ctx, io.NewSectionReader(r, off, length), length, sink, res.Source, newOptions(opts))
	logResult(res)
	return res
}

// stream copies size bytes of r in chunks, hashing as it goes. It stops at
// the first short read, failed write or cancellation.
func stream(ctx context.Context, r io.ReaderAt, size int64, sink io.Writer, name string, o options) Result {
	res := Result{Source: name}
	var h hash.Hash
	w := sink
	if !o.noHash {
		h = sha256.New()
		w = io.MultiWriter(sink, h)
	}

	buf := make([]byte, min(int64(o.chunk), max(size, 1)))
	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			res.Err = errors.Wrapf(err, "%s: cancelled at offset %d", name, off)
			return res
		}

		n := int(min(int64(len(buf)), size-off))
		got, rerr := r.ReadAt(buf[:n], off)
		if got > 0 {
			written, werr := w.Write(buf[:got])
			res.BytesWritten += uint64(written)
			if werr != nil {
				res.Err = errors.Wrapf(werr, "%s: writing at offset %d", name, off)
				return res
			}
		}
		if got < n {
			if rerr == nil {
				rerr = io.ErrUnexpectedEOF
			}
			res.Err = errors.Wrapf(fsys.ErrIO, "%s: short read at offset %d: got %d of %d bytes: %v", name, off+int64(got), got, n, rerr)
			return res
		}
		off += int64(n)
		if o.progress != nil {
			o.progress(off, size)
		}
	}

	res.Success = true
	if h != nil {
		res.SHA256 = digest(h)
	}
	return res
}

func digest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// recoverInto turns a panic in a reader into a failed result.
func recoverInto(res *Result) {
	if r := recover(); r != nil {
		res.Success = false
		res.SHA256 = ""
		res.Err = errors.Wrapf(fsys.ErrFilesystem, "%s: reader panic: %v", res.Source, r)
		logger.WalkLogger.Error(res.Err, "extraction aborted")
	}
}

func logResult(res Result) {
	if res.Success {
		logger.WalkLogger.Info("extracted", "source", res.Source, "bytes", res.BytesWritten, "sha256", res.SHA256)
		return
	}
	logger.WalkLogger.Warning("partial extraction", "source", res.Source, "bytes", res.BytesWritten, "error", res.Err.Error())
}
