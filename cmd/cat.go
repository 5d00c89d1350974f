package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lvdlvd/imgwalk/extract"
	"github.com/lvdlvd/imgwalk/session"
)

func catCommand(a *app) *cobra.Command {
	var v volume
	cmd := &cobra.Command{
		Use:   "cat <image> <path>",
		Short: "Write a file's content to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(contextOf(cmd), args[0], v)
			if err != nil {
				return err
			}
			defer s.Close()
			return Cat(contextOf(cmd), s, args[1], cmd.OutOrStdout(), a.cfg.ChunkSize)
		},
	}
	v.flags(cmd)
	return cmd
}

// Cat copies the contents of a file to the given writer. The file is
// streamed from the image in chunks and never loaded whole.
func Cat(ctx context.Context, s *session.Session, p string, out io.Writer, chunk int) error {
	if s.Mount() == nil {
		return errors.Wrap(session.ErrState, "cat: no partition selected")
	}
	res := extract.Extract(ctx, s.Mount(), s.Resolve(p), out, extract.WithChunkSize(chunk))
	return res.Err
}

func extractCommand(a *app) *cobra.Command {
	var (
		v       volume
		outDir  string
		workers int
		regions []string
		free    []int
	)
	cmd := &cobra.Command{
		Use:   "extract <image> [path]...",
		Short: "Copy files or raw regions out of an image and record them as evidence",
		Long: `extract copies files from a volume, whole regions of the partition table
named as in the partitions listing (p0, u1, ...), or unallocated ranges
numbered as in the free listing.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args[1:]
			if len(paths) == 0 && len(regions) == 0 && len(free) == 0 {
				return errors.New("nothing to extract: give paths, --region or --free")
			}
			if cmd.Flags().Changed("out") {
				a.cfg.OutputDir = outDir
			}
			if cmd.Flags().Changed("workers") {
				if workers < 1 {
					return errors.Errorf("workers %d: must be positive", workers)
				}
				a.cfg.Workers = workers
			}

			ctx := contextOf(cmd)
			s, err := a.openFor(ctx, args[0], v, len(paths) > 0 || v.set())
			if err != nil {
				return err
			}
			defer s.Close()

			var (
				results   []extract.Result
				reportErr error
			)
			keep := func(res extract.Result, err error) {
				results = append(results, res)
				if err != nil && res.Success && reportErr == nil {
					reportErr = err
				}
			}
			for _, name := range regions {
				keep(s.ExtractRegion(ctx, name, a.dest(), a.cfg.OutputDir))
			}
			for _, i := range free {
				keep(s.ExtractFree(ctx, i, a.dest(), a.cfg.OutputDir))
			}
			if len(paths) > 0 {
				res, err := s.ExtractAll(ctx, paths, a.dest(), a.cfg.OutputDir)
				results = append(results, res...)
				if err != nil && reportErr == nil {
					reportErr = err
				}
			}

			failed := printResults(cmd.OutOrStdout(), results)
			if reportErr != nil {
				return reportErr
			}
			if failed > 0 {
				return errors.Errorf("%d of %d extractions failed", failed, len(results))
			}
			return nil
		},
	}
	v.flags(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "destination directory (default from config)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "parallel extractions (default from config)")
	cmd.Flags().StringSliceVar(&regions, "region", nil, "partition table region to copy whole, e.g. p0 or u1 (repeatable)")
	cmd.Flags().IntSliceVar(&free, "free", nil, "index of an unallocated range from the free command (repeatable)")
	return cmd
}

func printResults(out io.Writer, results []extract.Result) (failed int) {
	for _, r := range results {
		if r.Success {
			sum := r.SHA256
			if sum == "" {
				sum = "-"
			}
			fmt.Fprintf(out, "%s  %s -> %s (%d bytes)\n", sum, r.Source, r.Destination, r.BytesWritten)
			continue
		}
		failed++
		dest := r.Destination
		if dest == "" {
			dest = "-"
		}
		fmt.Fprintf(out, "FAILED  %s -> %s (%d bytes): %v\n", r.Source, dest, r.BytesWritten, r.Err)
	}
	return failed
}
