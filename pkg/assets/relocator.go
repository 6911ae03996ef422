// Package assets relocates the payload files referenced by an exported graph.
// Files are staged in two buckets, project_file for paths below the project
// root and root_file for everything else, and copied back on import.
package assets

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/xfer/pkg/engine"
)

// Staging buckets.
const (
	// BucketProject holds files below the project root, by relative path.
	BucketProject = "project_file"

	// BucketRoot holds every other file, by absolute path.
	BucketRoot = "root_file"
)

// Copy statuses reported to a CopyRecorder.
const (
	StatusCopied  = "copied"
	StatusSkipped = "skipped"
)

// CopyRecorder counts copied and skipped files.
type CopyRecorder interface {
	RecordAssetCopy(bucket, status string)
}

// Config configures a Relocator.
type Config struct {
	// ProjectRoot is the directory whose files are staged by relative path.
	ProjectRoot string

	// FilesystemRoot is where root_file entries are restored. When empty,
	// root_file entries are skipped with a warning. Set it to "/" to restore
	// them to their original absolute paths.
	FilesystemRoot string

	// Parallelism bounds concurrent copies. Defaults to 4.
	Parallelism int
}

// File is one payload file of a manifest.
type File struct {
	// Path is the cleaned absolute source path.
	Path string

	// Bucket is BucketProject or BucketRoot.
	Bucket string

	// Rel is the path inside the bucket.
	Rel string
}

// Manifest lists the files to stage, in path order.
type Manifest struct {
	Files []File
}

// Report aggregates the outcome of a Stage or Restore call. Failed files are
// skipped and collected in Errors.
type Report struct {
	Copied  int
	Skipped int
	Errors  *multierror.Error
}

// Warnings returns the skipped-file errors.
func (r *Report) Warnings() []error {
	if r.Errors == nil {
		return nil
	}
	return r.Errors.WrappedErrors()
}

// Err returns the aggregated error, or nil when nothing was skipped.
func (r *Report) Err() error {
	return r.Errors.ErrorOrNil()
}

// Relocator stages payload files next to an exported envelope and restores
// them on import.
type Relocator struct {
	cfg      Config
	logger   zerolog.Logger
	recorder CopyRecorder
}

// NewRelocator creates a relocator. recorder may be nil.
func NewRelocator(cfg Config, logger zerolog.Logger, recorder CopyRecorder) (*Relocator, error) {
	if cfg.ProjectRoot == "" {
		return nil, fmt.Errorf("project root is required")
	}
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	cfg.ProjectRoot = root
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}

	return &Relocator{
		cfg:      cfg,
		logger:   logger.With().Str("component", "assets").Logger(),
		recorder: recorder,
	}, nil
}

// Collect cleans, deduplicates and buckets paths. Relative paths are
// resolved against the project root.
func (r *Relocator) Collect(paths []string) *Manifest {
	seen := make(map[string]bool, len(paths))
	m := &Manifest{Files: make([]File, 0, len(paths))}

	for _, p := range paths {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.cfg.ProjectRoot, p)
		}
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true

		f := File{Path: p, Bucket: BucketRoot, Rel: strings.TrimLeft(p, string(filepath.Separator))}
		if rel, ok := within(r.cfg.ProjectRoot, p); ok {
			f.Bucket = BucketProject
			f.Rel = rel
		}
		m.Files = append(m.Files, f)
	}

	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	return m
}

// Stage copies the manifest into dest/<bucket>/<rel>. Only a cancelled
// context fails the call.
func (r *Relocator) Stage(ctx context.Context, m *Manifest, dest string) (*Report, error) {
	jobs := make([]copyJob, 0, len(m.Files))
	for _, f := range m.Files {
		jobs = append(jobs, copyJob{
			bucket: f.Bucket,
			src:    f.Path,
			dst:    filepath.Join(dest, f.Bucket, filepath.FromSlash(f.Rel)),
		})
	}
	return r.run(ctx, jobs)
}

// Restore copies src/project_file into the project root and src/root_file
// into the filesystem root. Missing buckets are ignored. Without a filesystem
// root, root_file entries are reported as refused and never written.
func (r *Relocator) Restore(ctx context.Context, src string) (*Report, error) {
	var jobs []copyJob
	var refused []string
	outside := 0
	targets := []struct {
		bucket string
		dest   string
	}{
		{BucketProject, r.cfg.ProjectRoot},
		{BucketRoot, r.cfg.FilesystemRoot},
	}

	for _, target := range targets {
		dir := filepath.Join(src, target.bucket)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if target.dest == "" {
				refused = append(refused, filepath.Join(string(filepath.Separator), rel))
				return nil
			}
			if target.bucket == BucketRoot {
				outside++
			}
			jobs = append(jobs, copyJob{
				bucket: target.bucket,
				src:    path,
				dst:    filepath.Join(target.dest, rel),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged files: %w", err)
		}
	}

	if outside > 0 {
		r.logger.Warn().Int("files", outside).Str("filesystem_root", r.cfg.FilesystemRoot).
			Msg("Restoring files outside the project")
	}

	report, err := r.run(ctx, jobs)
	if err != nil {
		return nil, err
	}
	for _, path := range refused {
		report.Skipped++
		report.Errors = multierror.Append(report.Errors, engine.NewAssetError(
			fmt.Sprintf("refusing to restore %s outside the project without a filesystem root", path), nil,
		).WithCode(engine.ErrCodeRestoreRefused).WithResource(path))
		r.record(BucketRoot, StatusSkipped)
		r.logger.Warn().Str("path", path).Msg("Refused to restore file outside the project")
	}
	return report, nil
}

// Engine returns the relocator as an engine.Relocator.
func (r *Relocator) Engine() engine.Relocator {
	return engineRelocator{r}
}

type engineRelocator struct {
	r *Relocator
}

func (e engineRelocator) Relocate(ctx context.Context, files []string, dest string) ([]error, error) {
	report, err := e.r.Stage(ctx, e.r.Collect(files), dest)
	if err != nil {
		return nil, err
	}
	return report.Warnings(), nil
}

func (e engineRelocator) Restore(ctx context.Context, src string) ([]error, error) {
	report, err := e.r.Restore(ctx, src)
	if err != nil {
		return nil, err
	}
	return report.Warnings(), nil
}

type copyJob struct {
	bucket string
	src    string
	dst    string
}

func (r *Relocator) run(ctx context.Context, jobs []copyJob) (*Report, error) {
	report := &Report{}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			err := copyFile(job.src, job.dst)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Skipped++
				report.Errors = multierror.Append(report.Errors, err)
				r.record(job.bucket, StatusSkipped)
				r.logger.Error().Err(err).Str("src", job.src).Str("dst", job.dst).Msg("Failed to copy file")
				return nil
			}
			report.Copied++
			r.record(job.bucket, StatusCopied)
			r.logger.Debug().Str("src", job.src).Str("dst", job.dst).Msg("Copied file")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

func (r *Relocator) record(bucket, status string) {
	if r.recorder != nil {
		r.recorder.RecordAssetCopy(bucket, status)
	}
}

// copyFile writes src to dst atomically, creating parent directories.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.NewAssetError(fmt.Sprintf("file %s does not exist", src), err).
				WithCode(engine.ErrCodeMissingFile).WithResource(src)
		}
		return copyError(src, dst, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return copyError(src, dst, err)
	}
	if info.IsDir() {
		return copyError(src, dst, fmt.Errorf("%s is a directory", src))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return copyError(src, dst, err)
	}
	if err := atomic.WriteFile(dst, in); err != nil {
		return copyError(src, dst, err)
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return copyError(src, dst, err)
	}
	return nil
}

func copyError(src, dst string, err error) error {
	return engine.NewAssetError(fmt.Sprintf("failed to copy %s to %s", src, dst), err).
		WithCode(engine.ErrCodeCopyFailed).WithResource(src)
}

// within returns the slash-separated path of p relative to root when p lies below root.
func within(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
