package image

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/fsys"
)

// Digest algorithms understood by Hash.
const (
	SHA256 = "sha256"
	SHA1   = "sha1"
	MD5    = "md5"
)

// NewHash returns a fresh hash for a digest algorithm name.
func NewHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case SHA256:
		return sha256.New(), nil
	case SHA1:
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	}
	return nil, errors.Errorf("unknown digest algorithm %q", algorithm)
}

// Hash digests size bytes of r in chunk-sized positional reads and returns
// hex digests keyed by algorithm. It stops between chunks when ctx is done.
func Hash(ctx context.Context, r io.ReaderAt, size int64, chunk int, algorithms ...string) (map[string]string, error) {
	if len(algorithms) == 0 {
		algorithms = []string{SHA256}
	}
	if chunk <= 0 {
		return nil, errors.Errorf("chunk size %d", chunk)
	}

	hashes := make(map[string]hash.Hash, len(algorithms))
	writers := make([]io.Writer, 0, len(algorithms))
	for _, a := range algorithms {
		h, err := NewHash(a)
		if err != nil {
			return nil, err
		}
		hashes[a] = h
		writers = append(writers, h)
	}
	w := io.MultiWriter(writers...)

	buf := make([]byte, chunk)
	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "hashing stopped at offset %d", off)
		}
		n := int(min(int64(chunk), size-off))
		got, err := r.ReadAt(buf[:n], off)
		if got < n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.Wrapf(fsys.Classify(err), "hashing: short read at offset %d", off+int64(got))
		}
		w.Write(buf[:n])
		off += int64(n)
	}

	out := make(map[string]string, len(hashes))
	for a, h := range hashes {
		out[a] = hex.EncodeToString(h.Sum(nil))
	}
	return out, nil
}
