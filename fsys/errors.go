package fsys

import (
	"io"
	"io/fs"

	"github.com/pkg/errors"
)

// Error taxonomy. Callers test with errors.Is; messages produced by this
// module always carry the path, offset or operation that failed.
var (
	ErrNotFound              = errors.New("not found")
	ErrAccessDenied          = errors.New("access denied")
	ErrIO                    = errors.New("i/o error")
	ErrUnsupportedFilesystem = errors.New("unsupported filesystem")
	ErrUnsupportedFormat     = errors.New("unsupported image format")
	ErrFilesystem            = errors.New("filesystem error")
	ErrNotADirectory         = errors.New("not a directory")
	ErrIsADirectory          = errors.New("is a directory")
	ErrEncrypted             = errors.New("encrypted volume")
)

var taxonomy = []error{
	ErrNotFound,
	ErrAccessDenied,
	ErrIO,
	ErrUnsupportedFilesystem,
	ErrUnsupportedFormat,
	ErrFilesystem,
	ErrNotADirectory,
	ErrIsADirectory,
	ErrEncrypted,
}

// Classify maps err onto the taxonomy, keeping its message. Errors already
// in the taxonomy are returned unchanged; io/fs sentinels are translated;
// anything else is treated as a filesystem structure error.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, t := range taxonomy {
		if errors.Is(err, t) {
			return err
		}
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &classified{kind: ErrNotFound, err: err}
	case errors.Is(err, fs.ErrPermission):
		return &classified{kind: ErrAccessDenied, err: err}
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return &classified{kind: ErrIO, err: err}
	}
	return &classified{kind: ErrFilesystem, err: err}
}

// KindOf returns the taxonomy sentinel err belongs to, or nil.
func KindOf(err error) error {
	for _, t := range taxonomy {
		if errors.Is(err, t) {
			return t
		}
	}
	return nil
}

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() error { return c.err }

func (c *classified) Is(target error) bool { return target == c.kind }
