package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lvdlvd/imgwalk/session"
)

func freeCommand(a *app) *cobra.Command {
	var v volume
	cmd := &cobra.Command{
		Use:   "free <image>",
		Short: "List unallocated space: a volume's free blocks, or the gaps between partitions",
		Long: `Without --partition or --offset, free lists the parts of the image no
partition covers. With one, it lists the free blocks of that volume. Ranges
are image byte offsets; extract --free copies them out by index.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openFor(contextOf(cmd), args[0], v, v.set())
			if err != nil {
				return err
			}
			defer s.Close()
			return Free(s, cmd.OutOrStdout())
		},
	}
	v.flags(cmd)
	return cmd
}

// Free prints the unallocated ranges of the session's mounted volume, or of
// the image when nothing is mounted.
func Free(s *session.Session, out io.Writer) error {
	ranges, err := s.Free()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tSTART\tEND\tSIZE")
	var total int64
	for i, r := range ranges {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", i, r.Start, r.End, humanSize(r.Size()))
		total += r.Size()
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d bytes free in %d ranges\n", total, len(ranges))
	return nil
}
