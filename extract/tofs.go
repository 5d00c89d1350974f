package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/mount"
)

// namer hands out destination names that exist neither on the target
// filesystem nor among names already given to concurrent jobs.
type namer struct {
	mu    sync.Mutex
	dst   afero.Fs
	taken map[string]bool
}

func newNamer(dst afero.Fs) *namer {
	return &namer{dst: dst, taken: map[string]bool{}}
}

// reserve returns dir/base, or dir/stem_N.ext for the lowest free N.
func (n *namer) reserve(dir, base string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		p := path.Join(dir, name)
		if n.taken[p] {
			continue
		}
		exists, err := afero.Exists(n.dst, p)
		if err != nil {
			return "", err
		}
		if !exists {
			n.taken[p] = true
			return p, nil
		}
	}
}

// ToFs extracts the file at p on m into destDir on dst, named after the
// source file with a _N suffix when that name is taken. A partial copy is
// left in place and named in the Result.
func ToFs(ctx context.Context, m *mount.Mount, p string, dst afero.Fs, destDir string, opts ...Option) Result {
	return toFs(ctx, m, p, newNamer(dst), dst, destDir, opts)
}

func toFs(ctx context.Context, m *mount.Mount, p string, n *namer, dst afero.Fs, destDir string, opts []Option) Result {
	if err := ctx.Err(); err != nil {
		return Result{Source: p, Err: errors.Wrapf(err, "%s: not started", p)}
	}
	base := path.Base(mount.Clean(p))
	if base == "." {
		return Result{Source: p, Err: errors.Wrapf(fsys.ErrIsADirectory, "%s", p)}
	}
	if err := dst.MkdirAll(destDir, 0750); err != nil {
		return Result{Source: p, Err: errors.Wrapf(fsys.ErrAccessDenied, "creating %s: %v", destDir, err)}
	}
	name, err := n.reserve(destDir, base)
	if err != nil {
		return Result{Source: p, Err: errors.Wrapf(fsys.ErrIO, "choosing a name in %s: %v", destDir, err)}
	}

	// resolve first so a missing source leaves no empty file behind
	f, err := m.OpenFile(p)
	if err != nil {
		return Result{Source: p, Err: err}
	}
	f.Close()
	return writeNew(dst, name, p, func(out io.Writer) Result {
		return Extract(ctx, m, p, out, opts...)
	})
}

// RangeToFs copies length bytes of r at off into destDir/base on dst, named
// the way ToFs names files. source names the range in the Result.
func RangeToFs(ctx context.Context, r io.ReaderAt, off, length int64, source, base string, dst afero.Fs, destDir string, opts ...Option) Result {
	if err := ctx.Err(); err != nil {
		return Result{Source: source, Err: errors.Wrapf(err, "%s: not started", source)}
	}
	if err := dst.MkdirAll(destDir, 0750); err != nil {
		return Result{Source: source, Err: errors.Wrapf(fsys.ErrAccessDenied, "creating %s: %v", destDir, err)}
	}
	name, err := newNamer(dst).reserve(destDir, base)
	if err != nil {
		return Result{Source: source, Err: errors.Wrapf(fsys.ErrIO, "choosing a name in %s: %v", destDir, err)}
	}
	return writeNew(dst, name, source, func(out io.Writer) Result {
		res := Range(ctx, r, off, length, out, opts...)
		res.Source = source
		return res
	})
}

// writeNew creates name exclusively and fills it. A failed close
// turns a successful copy into a failure.
func writeNew(dst afero.Fs, name, source string, fill func(io.Writer) Result) Result {
	out, err := dst.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return Result{Source: source, Err: errors.Wrapf(fsys.ErrAccessDenied, "creating %s: %v", name, err)}
	}
	res := fill(out)
	res.Destination = name
	if err := out.Close(); err != nil && res.Err == nil {
		res.Success = false
		res.SHA256 = ""
		res.Err = errors.Wrapf(fsys.ErrIO, "closing %s: %v", name, err)
	}
	return res
}

// Batch extracts paths into destDir on dst with at most workers jobs in
// flight. Results are returned in the order of paths. A job that is slow or
// fails does not hold up the others.
func Batch(ctx context.Context, m *mount.Mount, paths []string, dst afero.Fs, destDir string, workers int, opts ...Option) []Result {
	if workers < 1 {
		workers = 1
	}
	results := make([]Result, len(paths))
	n := newNamer(dst)

	jobs := make(chan int)
	wg := new(sync.WaitGroup)
	for w := 0; w < min(workers, len(paths)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = toFs(ctx, m, paths[i], n, dst, destDir, opts)
			}
		}()
	}

	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}
