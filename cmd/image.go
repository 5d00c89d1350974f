package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lvdlvd/imgwalk/fsys/part"
	"github.com/lvdlvd/imgwalk/image"
)

func infoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Describe the image, its partition scheme and the volumes on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := image.Open(args[0])
			if err != nil {
				return err
			}
			defer h.Close()
			fmt.Fprint(cmd.OutOrStdout(), image.Analyze(h, a.sectorOption()))
			return nil
		},
	}
}

func hashCommand(a *app) *cobra.Command {
	var algorithms []string
	cmd := &cobra.Command{
		Use:   "hash <image>",
		Short: "Hash the whole image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := image.Open(args[0])
			if err != nil {
				return err
			}
			defer h.Close()

			sums, err := image.Hash(contextOf(cmd), h, h.Size(), a.cfg.ChunkSize, algorithms...)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(sums))
			for name := range sums {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%-7s %s  %s\n", name, sums[name], args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&algorithms, "algorithm", "a", []string{"sha256"}, "md5, sha1 or sha256 (repeatable)")
	return cmd
}

func partitionsCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "partitions <image>",
		Aliases: []string{"mmls"},
		Short:   "List the partition table, gaps included",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(contextOf(cmd), args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			return printTable(cmd.OutOrStdout(), s.Table(), all)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include table metadata regions")
	return cmd
}

func printTable(out io.Writer, tbl *part.Table, all bool) error {
	fmt.Fprintf(out, "Scheme: %s\n", tbl.Type())
	if tbl.Fallback != "" {
		fmt.Fprintf(out, "No partition table: %s\n", tbl.Fallback)
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tSTART\tLENGTH\tOFFSET\tSIZE\tDESCRIPTION")
	for _, p := range tbl.Partitions {
		if p.Meta && !all {
			continue
		}
		e := tbl.Extent(p)
		desc := p.Description
		if p.Label != "" {
			desc += " [" + p.Label + "]"
		}
		if p.Bootable {
			desc += " *"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			p.Index, p.Name, p.StartSector, p.LengthSectors, e.Physical, humanSize(e.Length), desc)
	}
	return w.Flush()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), strings.ToUpper("kmgtpe")[exp])
}
