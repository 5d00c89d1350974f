// Package walker lists, walks and searches directories of a mounted
// filesystem.
package walker

import (
	"context"
	"io/fs"
	"path"
	"time"

	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/logger"
	"github.com/lvdlvd/imgwalk/mount"
)

// Kind classifies a directory entry.
type Kind int

const (
	Unknown Kind = iota
	File
	Directory
	Other
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "dir"
	case Other:
		return "other"
	}
	return "unknown"
}

// DirEntry is one listed entry. Created is nil when the format or the
// record carries no creation time.
type DirEntry struct {
	Name     string
	Kind     Kind
	Size     uint64
	Inode    uint64
	Created  *time.Time
	Modified time.Time
	Mode     fs.FileMode
}

func kindOf(m fs.FileMode) Kind {
	switch {
	case m.IsDir():
		return Directory
	case m.IsRegular():
		return File
	}
	return Other
}

// Dir is a listable directory; *mount.Directory implements it.
type Dir interface {
	Path() string
	ReadDir() ([]fs.DirEntry, error)
}

// List returns the entries of dir in the backend's order, without "." and
// "..". An entry whose metadata cannot be read is kept with Kind Unknown
// and Size 0.
func List(dir Dir) ([]DirEntry, error) {
	entries, err := dir.ReadDir()
	if err != nil {
		return nil, err
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		name := fsys.ValidName([]byte(e.Name()))
		if name == "." || name == ".." {
			continue
		}
		out = append(out, entry(dir.Path(), name, e))
	}
	return out, nil
}

func entry(dir, name string, e fs.DirEntry) DirEntry {
	d := DirEntry{Name: name}
	info, err := e.Info()
	if err != nil {
		logger.WalkLogger.Warning("unreadable directory entry", "dir", dir, "name", name, "error", err.Error())
		return d
	}

	d.Kind = kindOf(info.Mode())
	d.Mode = info.Mode()
	d.Modified = info.ModTime()
	if size := info.Size(); size > 0 {
		d.Size = uint64(size)
	}
	if fi, ok := info.(fsys.FileInfo); ok {
		d.Inode = fi.Inode()
		if c, ok := fi.Created(); ok {
			d.Created = &c
		}
	}
	return d
}

// WalkFunc is called for every entry below the walk root. Returning
// fs.SkipDir from a directory skips its contents; any other error stops
// the walk and is returned by Walk.
type WalkFunc func(p string, e DirEntry) error

// Walk visits the tree below root depth first, in listing order. A
// directory that cannot be listed is logged and skipped.
func Walk(ctx context.Context, m *mount.Mount, root string, fn WalkFunc) error {
	dir, err := m.OpenDirectory(root)
	if err != nil {
		return err
	}
	err = walk(ctx, m, dir, fn)
	if errors.Is(err, fs.SkipDir) {
		return nil
	}
	return err
}

func walk(ctx context.Context, m *mount.Mount, dir *mount.Directory, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "walk stopped at %s", dir.Path())
	}
	entries, err := List(dir)
	if err != nil {
		logger.WalkLogger.Warning("skipping unlistable directory", "dir", dir.Path(), "error", err.Error())
		return nil
	}

	for _, e := range entries {
		p := path.Join(dir.Path(), e.Name)
		err := fn(p, e)
		if e.Kind != Directory {
			if err != nil && !errors.Is(err, fs.SkipDir) {
				return err
			}
			continue
		}
		if errors.Is(err, fs.SkipDir) {
			continue
		}
		if err != nil {
			return err
		}

		sub, err := m.OpenDirectory(p)
		if err != nil {
			logger.WalkLogger.Warning("skipping unopenable directory", "dir", p, "error", err.Error())
			continue
		}
		if err := walk(ctx, m, sub, fn); err != nil {
			return err
		}
	}
	return nil
}
