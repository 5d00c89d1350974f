// Package cmd implements the imgwalk commands.
package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lvdlvd/imgwalk/config"
	"github.com/lvdlvd/imgwalk/evidence"
	"github.com/lvdlvd/imgwalk/fsys/part"
	"github.com/lvdlvd/imgwalk/logger"
	"github.com/lvdlvd/imgwalk/session"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	flags      config.Config
	cfg        config.Config

	store  evidence.Store
	audit  evidence.AuditLog
	closer func() error
	destFs afero.Fs
}

// Root returns the imgwalk command tree.
func Root() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "imgwalk",
		Short: "Browse and extract files from raw disk images",
		Long:  `imgwalk reads raw disk and partition images read-only. It lists the
partition table, mounts FAT, exFAT, ext2/3/4 and HFS+ volumes, walks their
directories and extracts files with a SHA-256 for every copy.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "YAML configuration file")
	f.BoolVar(&a.flags.LogActive, "log", false, "enable logging")
	f.StringVar(&a.flags.LogFile, "log-file", "", "append log lines to this file instead of stderr")
	f.CountVarP(&a.flags.Verbosity, "verbose", "v", "log more detail (repeatable)")
	f.StringVar(&a.flags.CaseID, "case", "", "case identifier recorded with evidence")
	f.StringVar(&a.flags.Actor, "actor", "", "examiner recorded in the chain of custody")
	f.StringVar(&a.flags.StorePath, "store", "", "SQLite case database (in memory when empty)")
	f.IntVar(&a.flags.SectorSize, "sector-size", 0, "logical sector size of the image")
	f.BoolVar(&a.flags.AllowOffsetZeroFallback, "allow-offset-zero-fallback", false,
		"retry at offset 0 when nothing is recognised at the requested offset")
	f.BoolVar(&a.flags.Hash, "hash", true, "record a SHA-256 of every extracted copy")

	root.AddCommand(
		infoCommand(a),
		hashCommand(a),
		partitionsCommand(a),
		lsCommand(a),
		statCommand(a),
		catCommand(a),
		extractCommand(a),
		findCommand(a),
		hintsCommand(a),
		freeCommand(a),
		shellCommand(a),
	)
	return root
}

// setup resolves the configuration: defaults, the config file, then any
// flag given on the command line.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	if changed("log") {
		cfg.LogActive = a.flags.LogActive
	}
	if changed("log-file") {
		cfg.LogFile = a.flags.LogFile
		cfg.LogActive = true
	}
	if changed("verbose") {
		cfg.Verbosity = a.flags.Verbosity
	}
	if changed("allow-offset-zero-fallback") {
		cfg.AllowOffsetZeroFallback = a.flags.AllowOffsetZeroFallback
	}
	if changed("hash") {
		cfg.Hash = a.flags.Hash
	}
	override := config.Config{
		CaseID:     a.flags.CaseID,
		Actor:      a.flags.Actor,
		StorePath:  a.flags.StorePath,
		SectorSize: a.flags.SectorSize,
	}
	if err := cfg.Merge(override); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	if err := logger.InitializeLogger(cfg.LogActive, cfg.LogFile, cfg.Verbosity); err != nil {
		return err
	}
	logger.WalkLogger.Debug("configuration", "case", cfg.CaseID, "actor", cfg.Actor, "store", cfg.StorePath)
	return nil
}

func (a *app) teardown() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer()
	a.closer = nil
	return err
}

// reporting opens the evidence store on first use.
func (a *app) reporting() (evidence.Store, evidence.AuditLog, error) {
	if a.store != nil {
		return a.store, a.audit, nil
	}
	if a.cfg.StorePath == "" {
		mem := evidence.NewMemory()
		a.store, a.audit = mem, mem
		return a.store, a.audit, nil
	}
	db, err := evidence.OpenSQLite(a.cfg.StorePath)
	if err != nil {
		return nil, nil, err
	}
	a.store, a.audit, a.closer = db, db, db.Close
	return a.store, a.audit, nil
}

// dest is where extractions are written.
func (a *app) dest() afero.Fs {
	if a.destFs != nil {
		return a.destFs
	}
	return afero.NewOsFs()
}

func (a *app) sectorOption() part.Option {
	return part.WithSectorSize(uint32(a.cfg.SectorSize))
}

// volume says which volume of the image a command works on.
type volume struct {
	partition int
	offset    int64
}

// set reports whether a volume was named on the command line.
func (v volume) set() bool { return v.partition >= 0 || v.offset >= 0 }

func (v *volume) flags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&v.partition, "partition", "p", -1, "partition index from the partitions command")
	cmd.Flags().Int64Var(&v.offset, "offset", -1, "byte offset of the filesystem in the image")
}

// session starts a session on imagePath with nothing mounted.
func (a *app) session(ctx context.Context, imagePath string) (*session.Session, error) {
	store, audit, err := a.reporting()
	if err != nil {
		return nil, err
	}
	s := session.New(session.FromConfig(a.cfg, store, audit))
	if err := s.Open(ctx, imagePath); err != nil {
		return nil, err
	}
	return s, nil
}

// open starts a session on imagePath and mounts the requested volume, or
// the first mountable one.
func (a *app) open(ctx context.Context, imagePath string, v volume) (*session.Session, error) {
	s, err := a.session(ctx, imagePath)
	if err != nil {
		return nil, err
	}

	switch {
	case v.partition >= 0 && v.offset >= 0:
		err = errors.New("--partition and --offset are mutually exclusive")
	case v.partition >= 0:
		err = s.Select(ctx, uint32(v.partition))
	case v.offset >= 0:
		err = s.SelectOffset(ctx, v.offset)
	default:
		err = s.SelectFirst(ctx)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openFor starts a session on imagePath, mounting a volume only when mount
// is set.
func (a *app) openFor(ctx context.Context, imagePath string, v volume, mount bool) (*session.Session, error) {
	if mount {
		return a.open(ctx, imagePath, v)
	}
	return a.session(ctx, imagePath)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
