package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lvdlvd/imgwalk/session"
)

func findCommand(a *app) *cobra.Command {
	var v volume
	cmd := &cobra.Command{
		Use:   "find <image> <pattern>",
		Short: `Find paths matching a glob such as "DCIM/**/*.jpg"`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(contextOf(cmd), args[0], v)
			if err != nil {
				return err
			}
			defer s.Close()
			return Find(s, args[1], cmd.OutOrStdout())
		},
	}
	v.flags(cmd)
	return cmd
}

// Find prints the sorted matches of pattern, one per line.
func Find(s *session.Session, pattern string, out io.Writer) error {
	matches, err := s.Find(pattern)
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, m := range matches {
		fmt.Fprintln(out, "/"+m)
	}
	return nil
}

func hintsCommand(a *app) *cobra.Command {
	var v volume
	cmd := &cobra.Command{
		Use:   "hints <image>",
		Short: "Show well-known evidence locations present on a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(contextOf(cmd), args[0], v)
			if err != nil {
				return err
			}
			defer s.Close()
			return Hints(s, cmd.OutOrStdout())
		},
	}
	v.flags(cmd)
	return cmd
}

// Hints prints the key directories found on the mounted volume.
func Hints(s *session.Session, out io.Writer) error {
	hints, err := s.Hints()
	if err != nil {
		return err
	}
	if len(hints) == 0 {
		fmt.Fprintln(out, "no well-known evidence locations found")
		return nil
	}
	for _, h := range hints {
		fmt.Fprintf(out, "%-9s %-8s /%s (%d entries) %s\n", h.Value, h.Platform, h.Path, h.Entries, h.Description)
	}
	return nil
}
