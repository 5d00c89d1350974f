package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/session"
	"github.com/lvdlvd/imgwalk/walker"
)

// LsOptions controls ls behavior
type LsOptions struct {
	Long bool // Long format (-l)
	All  bool // Show all files including system files (-a)
}

func lsCommand(a *app) *cobra.Command {
	var (
		v    volume
		opts LsOptions
	)
	cmd := &cobra.Command{
		Use:   "ls <image> [path]",
		Short: "List a directory of a volume",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(contextOf(cmd), args[0], v)
			if err != nil {
				return err
			}
			defer s.Close()

			p := "/"
			if len(args) > 1 {
				p = args[1]
			}
			return Ls(s, p, cmd.OutOrStdout(), opts)
		},
	}
	v.flags(cmd)
	cmd.Flags().BoolVarP(&opts.Long, "long", "l", false, "use long listing format")
	cmd.Flags().BoolVarP(&opts.All, "all", "a", false, "show all files including system files")
	return cmd
}

func statCommand(a *app) *cobra.Command {
	var v volume
	cmd := &cobra.Command{
		Use:   "stat <image> <path>",
		Short: "Show the metadata of a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(contextOf(cmd), args[0], v)
			if err != nil {
				return err
			}
			defer s.Close()
			return Stat(s, args[1], cmd.OutOrStdout())
		},
	}
	v.flags(cmd)
	return cmd
}

// Ls lists the contents of a path on the mounted volume.
// If the path is a file, it shows file information.
// If the path is a directory, it lists its contents.
func Ls(s *session.Session, p string, out io.Writer, opts LsOptions) error {
	info, err := s.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if opts.Long {
			printLongInfo(info, out)
		} else {
			fmt.Fprintln(out, info.Name())
		}
		return nil
	}

	entries, err := s.List(p)
	if err != nil {
		return err
	}
	for _, e := range entries {
		// $Recycle.Bin and other system entries are hidden unless asked for
		if !opts.All && strings.HasPrefix(e.Name, "$") {
			continue
		}
		if opts.Long {
			printLongFormat(e, out)
			continue
		}
		name := e.Name
		if e.Kind == walker.Directory {
			name += "/"
		}
		fmt.Fprintln(out, name)
	}
	return nil
}

func printLongFormat(e walker.DirEntry, out io.Writer) {
	if e.Kind == walker.Unknown {
		fmt.Fprintf(out, "%8s %-10s %12s %s %s\n", "?", "?????????", "?", "????????????", e.Name)
		return
	}
	fmt.Fprintf(out, "%8d %s %12d %s %s\n", e.Inode, e.Mode, e.Size, e.Modified.Format("Jan _2  2006 15:04"), e.Name)
}

func printLongInfo(info fs.FileInfo, out io.Writer) {
	var inode uint64
	if fi, ok := info.(fsys.FileInfo); ok {
		inode = fi.Inode()
	}
	fmt.Fprintf(out, "%8d %s %12d %s %s\n", inode, info.Mode(), info.Size(), info.ModTime().Format("Jan _2  2006 15:04"), info.Name())
}

// Stat shows detailed information about a file or directory.
func Stat(s *session.Session, p string, out io.Writer) error {
	info, err := s.Stat(p)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "    File: %s\n", s.Resolve(p))
	fmt.Fprintf(out, "    Size: %d\n", info.Size())
	fmt.Fprintf(out, "    Mode: %s\n", info.Mode())
	fmt.Fprintf(out, "Modified: %s\n", info.ModTime().UTC().Format("2006-01-02 15:04:05 MST"))
	if fi, ok := info.(fsys.FileInfo); ok {
		if created, ok := fi.Created(); ok {
			fmt.Fprintf(out, " Created: %s\n", created.UTC().Format("2006-01-02 15:04:05 MST"))
		}
		fmt.Fprintf(out, "   Inode: %d\n", fi.Inode())
	}
	if !info.IsDir() && s.Mount() != nil {
		if f, err := s.Mount().OpenFile(s.Resolve(p)); err == nil {
			extents, err := f.Extents()
			f.Close()
			if err == nil {
				fmt.Fprintf(out, " Extents:")
				for _, e := range extents {
					fmt.Fprintf(out, " %d+%d", e.Physical, e.Length)
				}
				fmt.Fprintln(out)
			}
		}
	}
	fmt.Fprintf(out, "  Volume: %s at offset %d", s.Mount().FS().Type(), s.Mount().Offset())
	if label := s.Mount().Label(); label != "" {
		fmt.Fprintf(out, " %q", label)
	}
	fmt.Fprintln(out)
	return nil
}
