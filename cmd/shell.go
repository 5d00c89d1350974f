package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lvdlvd/imgwalk/extract"
	"github.com/lvdlvd/imgwalk/image"
	"github.com/lvdlvd/imgwalk/session"
	"github.com/lvdlvd/imgwalk/walker"
)

func shellCommand(a *app) *cobra.Command {
	var v volume
	cmd := &cobra.Command{
		Use:   "shell <image>",
		Short: "Browse an image interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOf(cmd)
			s, err := a.session(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			sh := newShell(a, s, cmd.OutOrStdout(), cmd.ErrOrStderr())
			switch {
			case v.partition >= 0:
				err = s.Select(ctx, uint32(v.partition))
			case v.offset >= 0:
				err = s.SelectOffset(ctx, v.offset)
			default:
				if err := s.SelectFirst(ctx); err != nil {
					fmt.Fprintf(sh.errOut, "nothing mounted: %v\nuse partitions and select\n", err)
				}
			}
			if err != nil {
				return err
			}

			cfg := &readline.Config{
				Prompt:          sh.prompt(),
				AutoComplete:    sh,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			}
			if home, err := os.UserHomeDir(); err == nil {
				cfg.HistoryFile = filepath.Join(home, ".imgwalk_history")
			}
			rl, err := readline.NewEx(cfg)
			if err != nil {
				return errors.Wrap(err, "starting shell")
			}
			defer rl.Close()
			return sh.run(ctx, rl)
		},
	}
	v.flags(cmd)
	return cmd
}

type shellCmd struct {
	usage      string
	help       string
	min, max   int // argument counts, max -1 for unbounded
	needsMount bool
	paths      bool // arguments are volume paths, for completion
	run        func(ctx context.Context, args []string) error
}

// shell runs one line at a time against a session.
type shell struct {
	a        *app
	s        *session.Session
	out      io.Writer
	errOut   io.Writer
	commands map[string]*shellCmd
	quit     bool
}

func newShell(a *app, s *session.Session, out, errOut io.Writer) *shell {
	sh := &shell{a: a, s: s, out: out, errOut: errOut}
	sh.commands = map[string]*shellCmd{
		"help":       {usage: "help", help: "list commands", max: 0, run: sh.help},
		"info":       {usage: "info", help: "describe the image", max: 0, run: sh.info},
		"partitions": {usage: "partitions", help: "list the partition table", max: 0, run: sh.partitions},
		"select":     {usage: "select <index>", help: "mount a partition", min: 1, max: 1, run: sh.selectPartition},
		"mount":      {usage: "mount <offset>", help: "mount the filesystem at a byte offset", min: 1, max: 1, run: sh.mountOffset},
		"ls":         {usage: "ls [-l] [path]", help: "list a directory", max: 2, needsMount: true, paths: true, run: sh.ls},
		"cd":         {usage: "cd [path]", help: "change directory", max: 1, needsMount: true, paths: true, run: sh.cd},
		"pwd":        {usage: "pwd", help: "print the current directory", max: 0, needsMount: true, run: sh.pwd},
		"stat":       {usage: "stat <path>", help: "show file metadata and extents", min: 1, max: 1, needsMount: true, paths: true, run: sh.stat},
		"cat":        {usage: "cat <path>", help: "print a file", min: 1, max: 1, needsMount: true, paths: true, run: sh.cat},
		"extract":    {usage: "extract [--region|--free] <path>...", help: "copy files, table regions or free ranges to the output directory", min: 1, max: -1, paths: true, run: sh.extract},
		"free":       {usage: "free", help: "list unallocated ranges of the volume, or of the image when nothing is mounted", max: 0, run: sh.free},
		"find":       {usage: "find <pattern>", help: "find paths matching a glob", min: 1, max: 1, needsMount: true, run: sh.find},
		"hints":      {usage: "hints", help: "show well-known evidence locations", max: 0, needsMount: true, run: sh.hints},
		"exit":       {usage: "exit", help: "leave the shell", max: 0, run: sh.exit},
	}
	sh.commands["quit"] = sh.commands["exit"]
	return sh
}

func (sh *shell) prompt() string {
	where := "-"
	if m := sh.s.Mount(); m != nil {
		where = fmt.Sprintf("@%d", m.Offset())
		if p, ok := sh.s.Partition(); ok {
			where = p.Name
		}
		where += ":" + sh.s.Pwd()
	}
	return fmt.Sprintf("imgwalk:%s:%s> ", filepath.Base(sh.s.Image().Path()), where)
}

func (sh *shell) run(ctx context.Context, rl *readline.Instance) error {
	for !sh.quit {
		line, err := rl.Readline()
		switch {
		case err == readline.ErrInterrupt:
			if line == "" {
				return nil
			}
			continue
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		}

		if err := sh.exec(ctx, line); err != nil {
			fmt.Fprintf(sh.errOut, "error: %v\n", err)
		}
		rl.SetPrompt(sh.prompt())
	}
	return nil
}

// exec runs one command line.
func (sh *shell) exec(ctx context.Context, line string) error {
	verb, args := splitLine(line)
	if verb == "" {
		return nil
	}
	c, ok := sh.commands[verb]
	if !ok {
		return errors.Errorf("unrecognized command %q, try help", verb)
	}
	if len(args) < c.min || (c.max >= 0 && len(args) > c.max) {
		return errors.Errorf("usage: %s", c.usage)
	}
	if c.needsMount && sh.s.Mount() == nil {
		return errors.Errorf("%s only works on a mounted volume, use select first", verb)
	}
	return c.run(ctx, args)
}

// splitLine splits a command line on spaces. Double quotes group words and
// a backslash escapes the next space.
func splitLine(line string) (string, []string) {
	var (
		out     []string
		chunk   strings.Builder
		quoted  bool
		escaped bool
		pending bool
	)
	add := func() {
		if pending {
			out = append(out, chunk.String())
			chunk.Reset()
			pending = false
		}
	}
	for _, ch := range line {
		switch {
		case escaped:
			chunk.WriteRune(ch)
			pending = true
			escaped = false
		case ch == '\\' && !quoted:
			escaped = true
		case ch == '"':
			quoted = !quoted
			pending = true
		case (ch == ' ' || ch == '\t') && !quoted:
			add()
		default:
			chunk.WriteRune(ch)
			pending = true
		}
	}
	add()

	if len(out) == 0 {
		return "", nil
	}
	return out[0], out[1:]
}

func (sh *shell) help(context.Context, []string) error {
	names := make([]string, 0, len(sh.commands))
	for name := range sh.commands {
		if name != "quit" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		c := sh.commands[name]
		fmt.Fprintf(sh.out, "  %-20s %s\n", c.usage, c.help)
	}
	return nil
}

func (sh *shell) info(context.Context, []string) error {
	fmt.Fprint(sh.out, image.Analyze(sh.s.Image(), sh.a.sectorOption()))
	return nil
}

func (sh *shell) partitions(context.Context, []string) error {
	return printTable(sh.out, sh.s.Table(), false)
}

func (sh *shell) selectPartition(ctx context.Context, args []string) error {
	index, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return errors.Errorf("partition index %q", args[0])
	}
	if err := sh.s.Select(ctx, uint32(index)); err != nil {
		return err
	}
	sh.mounted()
	return nil
}

func (sh *shell) mountOffset(ctx context.Context, args []string) error {
	offset, err := strconv.ParseInt(args[0], 0, 64)
	if err != nil || offset < 0 {
		return errors.Errorf("offset %q", args[0])
	}
	if err := sh.s.SelectOffset(ctx, offset); err != nil {
		return err
	}
	sh.mounted()
	return nil
}

func (sh *shell) mounted() {
	m := sh.s.Mount()
	fmt.Fprintf(sh.out, "mounted %s", m.FS().Type())
	if label := m.Label(); label != "" {
		fmt.Fprintf(sh.out, " %q", label)
	}
	fmt.Fprintf(sh.out, " at offset %d\n", m.Offset())
}

func (sh *shell) ls(_ context.Context, args []string) error {
	var opts LsOptions
	p := "."
	for _, arg := range args {
		switch arg {
		case "-l":
			opts.Long = true
		case "-a":
			opts.All = true
		case "-la", "-al":
			opts.Long, opts.All = true, true
		default:
			p = arg
		}
	}
	return Ls(sh.s, p, sh.out, opts)
}

func (sh *shell) cd(_ context.Context, args []string) error {
	p := "/"
	if len(args) > 0 {
		p = args[0]
	}
	return sh.s.Cd(p)
}

func (sh *shell) pwd(context.Context, []string) error {
	fmt.Fprintln(sh.out, sh.s.Pwd())
	return nil
}

func (sh *shell) stat(_ context.Context, args []string) error {
	return Stat(sh.s, args[0], sh.out)
}

func (sh *shell) cat(ctx context.Context, args []string) error {
	return Cat(ctx, sh.s, args[0], sh.out, sh.a.cfg.ChunkSize)
}

func (sh *shell) extract(ctx context.Context, args []string) error {
	dst, dir := sh.a.dest(), sh.a.cfg.OutputDir
	switch args[0] {
	case "--region":
		var results []extract.Result
		var reportErr error
		for _, name := range args[1:] {
			res, err := sh.s.ExtractRegion(ctx, name, dst, dir)
			results = append(results, res)
			if err != nil && res.Success && reportErr == nil {
				reportErr = err
			}
		}
		printResults(sh.out, results)
		return reportErr
	case "--free":
		var results []extract.Result
		var reportErr error
		for _, arg := range args[1:] {
			i, err := strconv.Atoi(arg)
			if err != nil {
				return errors.Errorf("free range index %q", arg)
			}
			res, err := sh.s.ExtractFree(ctx, i, dst, dir)
			results = append(results, res)
			if err != nil && res.Success && reportErr == nil {
				reportErr = err
			}
		}
		printResults(sh.out, results)
		return reportErr
	}
	if sh.s.Mount() == nil {
		return errors.New("extract only works on a mounted volume, use select first")
	}
	results, err := sh.s.ExtractAll(ctx, args, dst, dir)
	printResults(sh.out, results)
	return err
}

func (sh *shell) free(context.Context, []string) error {
	return Free(sh.s, sh.out)
}

func (sh *shell) find(_ context.Context, args []string) error {
	return Find(sh.s, args[0], sh.out)
}

func (sh *shell) hints(context.Context, []string) error {
	return Hints(sh.s, sh.out)
}

func (sh *shell) exit(context.Context, []string) error {
	sh.quit = true
	return nil
}

// Do implements readline.AutoCompleter: command names for the first word,
// entries of the mounted volume for path arguments.
func (sh *shell) Do(line []rune, pos int) ([][]rune, int) {
	typed := string(line[:pos])
	space := strings.LastIndexAny(typed, " \t")
	if space < 0 {
		var names []string
		for name := range sh.commands {
			names = append(names, name)
		}
		return candidates(names, typed)
	}

	verb, args := splitLine(typed)
	c, ok := sh.commands[verb]
	if !ok || !c.paths {
		return nil, 0
	}
	partial := typed[space+1:]
	if verb == "extract" && len(args) > 0 && args[0] == "--region" {
		return candidates(sh.regionNames(), partial)
	}
	m := sh.s.Mount()
	if m == nil {
		return nil, 0
	}
	dir, base := path.Split(partial)
	if dir == "" {
		dir = "."
	}
	// read through the mount so completing does not change the session state
	d, err := m.OpenDirectory(sh.s.Resolve(dir))
	if err != nil {
		return nil, 0
	}
	entries, err := walker.List(d)
	if err != nil {
		return nil, 0
	}
	var names []string
	for _, e := range entries {
		name := e.Name
		if e.Kind == walker.Directory {
			name += "/"
		}
		names = append(names, name)
	}
	return candidates(names, base)
}

// regionNames lists the table regions extract --region accepts.
func (sh *shell) regionNames() []string {
	entries, err := sh.s.Table().ReadDir(".")
	if err != nil {
		return nil
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

// candidates returns the completions of prefix among names as the runes
// still to be typed.
func candidates(names []string, prefix string) ([][]rune, int) {
	sort.Strings(names)
	var out [][]rune
	for _, name := range names {
		if strings.HasPrefix(name, prefix) && name != prefix {
			out = append(out, []rune(strings.ReplaceAll(name[len(prefix):], " ", `\ `)))
		}
	}
	return out, len([]rune(prefix))
}

var _ readline.AutoCompleter = (*shell)(nil)

