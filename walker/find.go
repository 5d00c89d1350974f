package walker

import (
	"io/fs"
	"strings"

	"github.com/forensicanalysis/fsdoublestar"
	"github.com/pkg/errors"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/mount"
)

// Find returns the paths on m matching a doublestar glob such as
// "DCIM/**/*.jpg" or "**/databases/*.db". A leading slash is ignored.
func Find(m *mount.Mount, pattern string) ([]string, error) {
	pattern = strings.TrimLeft(pattern, "/")
	if pattern == "" {
		return nil, errors.Wrap(fs.ErrInvalid, "empty pattern")
	}
	matches, err := fsdoublestar.Glob(m.FS(), pattern)
	if err != nil {
		return nil, errors.Wrapf(fsys.Classify(err), "find %q", pattern)
	}
	return matches, nil
}
