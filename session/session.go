// Package session holds one investigator's walk through an image: the open
// image, its partition table, the selected volume and the current
// directory. Every outcome worth keeping is reported to an evidence store
// and an audit log.
//
// A Session is not safe for concurrent use. Independent sessions over the
// same image are, since each opens its own handle and reads are positional.
package session

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/lvdlvd/imgwalk/config"
	"github.com/lvdlvd/imgwalk/evidence"
	"github.com/lvdlvd/imgwalk/extract"
	"github.com/lvdlvd/imgwalk/fsys"
	"github.com/lvdlvd/imgwalk/fsys/part"
	"github.com/lvdlvd/imgwalk/image"
	"github.com/lvdlvd/imgwalk/logger"
	"github.com/lvdlvd/imgwalk/mount"
	"github.com/lvdlvd/imgwalk/walker"
)

// State is the lifecycle position of a session.
type State int

const (
	Closed State = iota
	Opened
	Browsing
	Extracting
)

func (s State) String() string {
	switch s {
	case Opened:
		return "opened"
	case Browsing:
		return "browsing"
	case Extracting:
		return "extracting"
	}
	return "closed"
}

// ErrState is returned for an operation the session cannot perform in its
// current state.
var ErrState = errors.New("invalid session state")

// Options configures a session. A nil Store or Audit is replaced with an
// in-memory one.
type Options struct {
	CaseID                  string
	Actor                   string
	SectorSize              uint32
	AllowOffsetZeroFallback bool
	ChunkSize               int
	Workers                 int
	SkipHash                bool
	Store                   evidence.Store
	Audit                   evidence.AuditLog
}

// FromConfig derives session options from cfg.
func FromConfig(cfg config.Config, store evidence.Store, audit evidence.AuditLog) Options {
	return Options{
		CaseID:                  cfg.CaseID,
		Actor:                   cfg.Actor,
		SectorSize:              uint32(cfg.SectorSize),
		AllowOffsetZeroFallback: cfg.AllowOffsetZeroFallback,
		ChunkSize:               cfg.ChunkSize,
		Workers:                 cfg.Workers,
		SkipHash:                !cfg.Hash,
		Store:                   store,
		Audit:                   audit,
	}
}

// Session is an explicit browsing context. Nothing about it is global.
type Session struct {
	ID     uuid.UUID
	CaseID string
	Actor  string

	opts      Options
	image     *image.Handle
	table     *part.Table
	partition *part.Partition
	mount     *mount.Mount
	cwd       string
	state     State
}

// New returns a closed session.
func New(opts Options) *Session {
	if opts.Store == nil || opts.Audit == nil {
		mem := evidence.NewMemory()
		if opts.Store == nil {
			opts.Store = mem
		}
		if opts.Audit == nil {
			opts.Audit = mem
		}
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = part.DefaultSectorSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultChunkSize
	}
	return &Session{
		ID:     uuid.New(),
		CaseID: opts.CaseID,
		Actor:  opts.Actor,
		opts:   opts,
		cwd:    ".",
	}
}

func (s *Session) stateError(op string, want ...State) error {
	names := make([]string, len(want))
	for i, w := range want {
		names[i] = w.String()
	}
	return errors.Wrapf(ErrState, "%s: session is %s, needs %s", op, s.state, strings.Join(names, " or "))
}

func (s *Session) audit(ctx context.Context, action, details string) {
	err := s.opts.Audit.RecordEvent(ctx, evidence.Event{CaseID: s.CaseID, Action: action, Actor: s.Actor, Details: details})
	if err != nil {
		logger.WalkLogger.Error(err, "recording audit event", "action", action, "session", s.ID.String())
	}
}

// State returns the lifecycle position.
func (s *Session) State() State { return s.state }

// Image returns the open image, nil when closed.
func (s *Session) Image() *image.Handle { return s.image }

// Table returns the partition table read on Open.
func (s *Session) Table() *part.Table { return s.table }

// Mount returns the mounted volume, nil until Select succeeds.
func (s *Session) Mount() *mount.Mount { return s.mount }

// Partition returns the selected partition.
func (s *Session) Partition() (part.Partition, bool) {
	if s.partition == nil {
		return part.Partition{}, false
	}
	return *s.partition, true
}

// Open opens the image at p read-only and scans its partition table.
func (s *Session) Open(ctx context.Context, p string) error {
	if s.state != Closed {
		return s.stateError("open", Closed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := image.Open(p)
	if err != nil {
		return err
	}

	s.image = h
	s.table = part.Scan(h, h.Size(), part.WithSectorSize(s.opts.SectorSize))
	s.state = Opened
	logger.WalkLogger.Debug("partition table", "image", p, "layout", s.table.Info())

	details := fmt.Sprintf("%s: %s, %d regions", p, s.table.Type(), len(s.table.Partitions))
	if s.table.Fallback != "" {
		details += "; no table: " + s.table.Fallback
	}
	s.audit(ctx, evidence.ActionScan, details)
	logger.WalkLogger.Info("session opened", "session", s.ID.String(), "image", p, "case", s.CaseID)
	return nil
}

// Partitions returns every region of the image in disk order.
func (s *Session) Partitions() ([]part.Partition, error) {
	if s.state == Closed {
		return nil, s.stateError("partitions", Opened, Browsing)
	}
	return s.table.Partitions, nil
}

// Select mounts the partition with the given index and moves to its root.
// Unallocated regions and table metadata cannot be mounted.
func (s *Session) Select(ctx context.Context, index uint32) error {
	if s.state != Opened && s.state != Browsing {
		return s.stateError("select", Opened, Browsing)
	}
	p, err := s.table.Partition(index)
	if err != nil {
		return err
	}
	if !p.Allocated {
		return errors.Wrapf(fsys.ErrUnsupportedFilesystem, "partition %d is %s, not a volume", index, p.Description)
	}

	ext := s.table.Extent(p)
	m, err := mount.Open(ctx, s.image, ext.Physical, mount.Options{
		AllowOffsetZeroFallback: s.opts.AllowOffsetZeroFallback,
		Length:                  ext.Length,
	})
	if err != nil {
		s.audit(ctx, evidence.ActionMount, fmt.Sprintf("partition %d at offset %d failed: %v", index, ext.Physical, err))
		return err
	}

	s.release()
	s.partition = &p
	s.mount = m
	s.cwd = "."
	s.state = Opened

	details := fmt.Sprintf("partition %d (%s) at offset %d: %s", index, p.Description, m.Offset(), m.FS().Type())
	if m.FellBack() {
		details += " (opened at offset 0)"
	}
	s.audit(ctx, evidence.ActionMount, details)
	return nil
}

// SelectOffset mounts the filesystem starting at an arbitrary byte offset
// of the image, for volumes the partition table does not describe.
func (s *Session) SelectOffset(ctx context.Context, offset int64) error {
	if s.state != Opened && s.state != Browsing {
		return s.stateError("select", Opened, Browsing)
	}
	m, err := mount.Open(ctx, s.image, offset, mount.Options{AllowOffsetZeroFallback: s.opts.AllowOffsetZeroFallback})
	if err != nil {
		s.audit(ctx, evidence.ActionMount, fmt.Sprintf("offset %d failed: %v", offset, err))
		return err
	}

	s.release()
	s.mount = m
	s.cwd = "."
	s.state = Opened
	s.audit(ctx, evidence.ActionMount, fmt.Sprintf("offset %d: %s", m.Offset(), m.FS().Type()))
	return nil
}

// SelectFirst mounts the first allocated partition holding a supported
// filesystem.
func (s *Session) SelectFirst(ctx context.Context) error {
	if s.state != Opened && s.state != Browsing {
		return s.stateError("select", Opened, Browsing)
	}
	var last error = errors.Wrap(fsys.ErrUnsupportedFilesystem, "no allocated partitions")
	for _, p := range s.table.Allocated() {
		err := s.Select(ctx, p.Index)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		last = err
	}
	return errors.Wrap(last, "no mountable partition")
}

func (s *Session) release() {
	if s.mount != nil {
		s.mount.Close()
	}
	s.mount = nil
	s.partition = nil
}

// browse checks a volume is mounted and enters Browsing.
func (s *Session) browse(op string) error {
	if s.state != Opened && s.state != Browsing {
		return s.stateError(op, Opened, Browsing)
	}
	if s.mount == nil {
		return errors.Wrapf(ErrState, "%s: no partition selected", op)
	}
	s.state = Browsing
	return nil
}

// Resolve turns p into a root-relative path, relative to the current
// directory unless it starts with a slash.
func (s *Session) Resolve(p string) string {
	if strings.HasPrefix(p, "/") {
		return mount.Clean(p)
	}
	return mount.Clean(path.Join(s.cwd, p))
}

// Pwd returns the current directory as an absolute path.
func (s *Session) Pwd() string {
	if s.cwd == "." {
		return "/"
	}
	return "/" + s.cwd
}

// List returns the entries of the directory at p.
func (s *Session) List(p string) ([]walker.DirEntry, error) {
	if err := s.browse("list"); err != nil {
		return nil, err
	}
	dir, err := s.mount.OpenDirectory(s.Resolve(p))
	if err != nil {
		return nil, err
	}
	return walker.List(dir)
}

// Cd changes the current directory.
func (s *Session) Cd(p string) error {
	if err := s.browse("cd"); err != nil {
		return err
	}
	dir, err := s.mount.OpenDirectory(s.Resolve(p))
	if err != nil {
		return err
	}
	s.cwd = dir.Path()
	return nil
}

// Stat returns the metadata of p.
func (s *Session) Stat(p string) (fs.FileInfo, error) {
	if err := s.browse("stat"); err != nil {
		return nil, err
	}
	return s.mount.Stat(s.Resolve(p))
}

// Find returns the paths below the current directory matching pattern.
func (s *Session) Find(pattern string) ([]string, error) {
	if err := s.browse("find"); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(pattern, "/") && s.cwd != "." {
		pattern = s.cwd + "/" + pattern
	}
	return walker.Find(s.mount, pattern)
}

// Hints returns the well-known evidence locations present on the volume.
func (s *Session) Hints() ([]walker.Hint, error) {
	if err := s.browse("hints"); err != nil {
		return nil, err
	}
	return walker.Hints(s.mount), nil
}

// extractedFile is the metadata stored with each extracted artifact.
type extractedFile struct {
	SourcePath string
	Size       uint64
	Image      string
	Partition  uint32
	Offset     int64
	Filesystem string
}

// Extract copies the file at p into destDir on dst and reports the
// outcome. The returned error is about the session or the evidence store;
// extraction failures are in the Result.
func (s *Session) Extract(ctx context.Context, p string, dst afero.Fs, destDir string, opts ...extract.Option) (extract.Result, error) {
	results, err := s.ExtractAll(ctx, []string{p}, dst, destDir, opts...)
	if len(results) == 0 {
		return extract.Result{Source: p, Err: err}, err
	}
	return results[0], err
}

// ExtractAll copies every path in paths on the configured worker pool and
// reports each outcome.
func (s *Session) ExtractAll(ctx context.Context, paths []string, dst afero.Fs, destDir string, opts ...extract.Option) ([]extract.Result, error) {
	if err := s.browse("extract"); err != nil {
		return nil, err
	}
	s.state = Extracting
	defer func() {
		if s.state == Extracting {
			s.state = Browsing
		}
	}()

	resolved := make([]string, len(paths))
	for i, p := range paths {
		resolved[i] = s.Resolve(p)
	}
	opts = append(s.extractOptions(), opts...)
	results := extract.Batch(ctx, s.mount, resolved, dst, destDir, s.opts.Workers, opts...)

	var reportErr error
	for _, res := range results {
		if err := s.report(ctx, res); err != nil && reportErr == nil {
			reportErr = err
		}
	}
	return results, reportErr
}

// report writes one extraction outcome to the audit log and, on success,
// to the evidence store.
func (s *Session) report(ctx context.Context, res extract.Result) error {
	if !res.Success {
		s.audit(ctx, evidence.ActionExtractFailure, fmt.Sprintf("%s: %d bytes written: %v", res.Source, res.BytesWritten, res.Err))
		return nil
	}
	s.audit(ctx, evidence.ActionExtract, fmt.Sprintf("%s -> %s (%d bytes, sha256 %s)", res.Source, res.Destination, res.BytesWritten, res.SHA256))

	meta := extractedFile{
		SourcePath: res.Source,
		Size:       res.BytesWritten,
		Image:      s.image.Path(),
		Offset:     s.mount.Offset(),
		Filesystem: s.mount.FS().Type(),
	}
	if s.partition != nil {
		meta.Partition = s.partition.Index
	}
	_, err := s.opts.Store.RecordEvidence(ctx, evidence.Evidence{
		CaseID:       s.CaseID,
		ArtifactType: evidence.ArtifactExtractedFile,
		Name:         path.Base(res.Source),
		Path:         res.Destination,
		Hash:         res.SHA256,
		Metadata:     evidence.Metadata(meta),
	})
	return errors.Wrapf(err, "recording evidence for %s", res.Source)
}

func (s *Session) extractOptions() []extract.Option {
	opts := []extract.Option{extract.WithChunkSize(s.opts.ChunkSize)}
	if s.opts.SkipHash {
		opts = append(opts, extract.WithoutHash())
	}
	return opts
}

// regionRecord is the metadata stored with each extracted byte range.
type regionRecord struct {
	Region     string
	Image      string
	Offset     int64
	Length     int64
	Filesystem string
}

// space returns the filesystem free space is taken from: the mounted volume,
// or the partition table when nothing is mounted. base is its image offset.
func (s *Session) space() (fsys.FS, int64) {
	if s.mount != nil {
		return s.mount.FS(), s.mount.Offset()
	}
	return s.table, 0
}

// Free returns the unallocated ranges of the mounted volume, or the gaps
// between partitions when nothing is mounted, as image offsets.
func (s *Session) Free() ([]fsys.Range, error) {
	if s.state != Opened && s.state != Browsing {
		return nil, s.stateError("free", Opened, Browsing)
	}
	space, base := s.space()
	fb, ok := space.(fsys.FreeBlocker)
	if !ok {
		return nil, errors.Wrapf(fsys.ErrUnsupportedFilesystem, "%s does not report free space", space.Type())
	}
	ranges, err := fb.FreeBlocks()
	if err != nil {
		return nil, err
	}
	for i := range ranges {
		ranges[i].Start += base
		ranges[i].End += base
	}
	return ranges, nil
}

// ExtractFree copies the i'th range returned by Free into destDir on dst.
func (s *Session) ExtractFree(ctx context.Context, i int, dst afero.Fs, destDir string, opts ...extract.Option) (extract.Result, error) {
	ranges, err := s.Free()
	if err != nil {
		return extract.Result{Source: fmt.Sprintf("free %d", i), Err: err}, err
	}
	if i < 0 || i >= len(ranges) {
		err := errors.Wrapf(fsys.ErrNotFound, "free range %d of %d", i, len(ranges))
		return extract.Result{Source: fmt.Sprintf("free %d", i), Err: err}, err
	}
	space, base := s.space()
	br, ok := space.(fsys.BaseReaderer)
	if !ok {
		err := errors.Wrapf(fsys.ErrUnsupportedFilesystem, "%s has no base reader", space.Type())
		return extract.Result{Source: fmt.Sprintf("free %d", i), Err: err}, err
	}
	r := ranges[i]
	name := fmt.Sprintf("free-%d-%d", r.Start, r.End)
	return s.extractRange(ctx, br.BaseReader(), r.Start-base, r.Size(), r.Start, name, space.Type(), dst, destDir, opts)
}

// ExtractRegion copies a whole region of the partition table, named p<n>
// or u<n> as in the partition listing, into destDir on dst.
func (s *Session) ExtractRegion(ctx context.Context, name string, dst afero.Fs, destDir string, opts ...extract.Option) (extract.Result, error) {
	if s.state != Opened && s.state != Browsing {
		err := s.stateError("extract", Opened, Browsing)
		return extract.Result{Source: name, Err: err}, err
	}
	info, err := s.table.Stat(name)
	if err != nil {
		err = errors.Wrapf(fsys.Classify(err), "region %s", name)
		return extract.Result{Source: name, Err: err}, err
	}
	f, err := s.table.Open(name)
	if err != nil {
		return extract.Result{Source: name, Err: err}, err
	}
	defer f.Close()
	extents, err := s.table.FileExtents(name)
	if err != nil {
		return extract.Result{Source: name, Err: err}, err
	}
	var offset int64
	if len(extents) > 0 {
		offset = extents[0].Physical
	}
	return s.extractRange(ctx, f.(io.ReaderAt), 0, info.Size(), offset, name, s.table.Type(), dst, destDir, opts)
}

// extractRange copies length bytes of r at off, which lie at imageOffset in
// the image, and reports the outcome.
func (s *Session) extractRange(ctx context.Context, r io.ReaderAt, off, length, imageOffset int64, name, filesystem string, dst afero.Fs, destDir string, opts []extract.Option) (extract.Result, error) {
	prev := s.state
	s.state = Extracting
	defer func() { s.state = prev }()

	opts = append(s.extractOptions(), opts...)
	res := extract.RangeToFs(ctx, r, off, length, name, name+".bin", dst, destDir, opts...)
	if !res.Success {
		s.audit(ctx, evidence.ActionExtractFailure, fmt.Sprintf("%s: %d bytes written: %v", name, res.BytesWritten, res.Err))
		return res, nil
	}
	s.audit(ctx, evidence.ActionExtract, fmt.Sprintf("%s -> %s (%d bytes at offset %d, sha256 %s)", name, res.Destination, res.BytesWritten, imageOffset, res.SHA256))
	_, err := s.opts.Store.RecordEvidence(ctx, evidence.Evidence{
		CaseID:       s.CaseID,
		ArtifactType: evidence.ArtifactDiskRegion,
		Name:         name,
		Path:         res.Destination,
		Hash:         res.SHA256,
		Metadata: evidence.Metadata(regionRecord{
			Region:     name,
			Image:      s.image.Path(),
			Offset:     imageOffset,
			Length:     length,
			Filesystem: filesystem,
		}),
	})
	return res, errors.Wrapf(err, "recording evidence for %s", name)
}

// Close releases the mount and the image. Closing a closed session does
// nothing.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	s.release()
	err := s.image.Close()
	s.image = nil
	s.table = nil
	s.cwd = "."
	s.state = Closed
	logger.WalkLogger.Info("session closed", "session", s.ID.String())
	return err
}
