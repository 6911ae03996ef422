// Package pack turns exported envelopes into portable packages and back.
//
// A package is a zip archive of a work directory holding the encoded envelope
// in a file named "data" and the staged payload files in their asset buckets.
// It can be sealed with a password.
package pack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	"github.com/openfroyo/xfer/pkg/codec"
	"github.com/openfroyo/xfer/pkg/engine"
)

const (
	// DataFile is the name of the encoded envelope inside a package.
	DataFile = "data"

	// Extension is appended to the work directory name of a package.
	Extension = ".zip"

	workDirLayout = "20060102150405"
)

// ErrNoDataFile is returned for packages without a data file.
var ErrNoDataFile = errors.New("invalid package: no data file found")

// ExportHook runs after the data file and the staged assets were written to
// dir and before dir is archived.
type ExportHook func(ctx context.Context, dir string, result *engine.ExportResult) error

// ImportHook runs after a package was extracted into dir and before its data
// file is read.
type ImportHook func(ctx context.Context, dir string) error

// Config configures a Handler.
type Config struct {
	// WorkDir is the parent of temporary work directories. Defaults to os.TempDir().
	WorkDir string

	// Codec names the envelope format. Defaults to codec.Default.
	Codec string

	// Password seals written packages and opens sealed ones.
	Password string
}

// ExportOptions configures one packaged export.
type ExportOptions struct {
	// RootType is passed to the engine as the owning root.
	RootType string

	// Output is the package path. Defaults to "<workdir>/<name>.zip".
	Output string
}

// ExportResult is the outcome of a packaged export.
type ExportResult struct {
	*engine.ExportResult

	// Path is where the package was written.
	Path string

	// Sealed reports whether the package is password-sealed.
	Sealed bool
}

// Handler exports record graphs into packages and imports them back.
type Handler struct {
	cfg         Config
	codec       codec.Codec
	engine      *engine.Engine
	logger      zerolog.Logger
	exportHooks []ExportHook
	importHooks []ImportHook
	now         func() time.Time
}

// NewHandler creates a package handler driving eng.
func NewHandler(eng *engine.Engine, cfg Config, logger zerolog.Logger) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	c, err := codec.ForName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}

	return &Handler{
		cfg:    cfg,
		codec:  c,
		engine: eng,
		logger: logger.With().Str("component", "pack").Logger(),
		now:    time.Now,
	}, nil
}

// OnExport registers a hook run on every export.
func (h *Handler) OnExport(hook ExportHook) {
	h.exportHooks = append(h.exportHooks, hook)
}

// OnImport registers a hook run on every import.
func (h *Handler) OnImport(hook ImportHook) {
	h.importHooks = append(h.importHooks, hook)
}

// Dump exports roots into dir: the encoded envelope goes to dir/data and
// payload files are staged below dir.
func (h *Handler) Dump(ctx context.Context, roots []engine.Record, rootType, dir string) (*engine.ExportResult, error) {
	result, err := h.engine.Export(ctx, roots, engine.ExportOptions{
		RootType:    rootType,
		Destination: dir,
	})
	if err != nil {
		return nil, err
	}

	data, err := h.codec.Encode(result.Envelope)
	if err != nil {
		return nil, err
	}
	if err := atomic.WriteFile(filepath.Join(dir, DataFile), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to write data file: %w", err)
	}
	return result, nil
}

// Load imports the envelope stored in dir/data and restores the staged
// payload files found next to it.
func (h *Handler) Load(ctx context.Context, dir string) (*engine.ImportResult, error) {
	env, err := h.readEnvelope(dir)
	if err != nil {
		return nil, err
	}
	return h.engine.Import(ctx, env, engine.ImportOptions{SourceDir: dir})
}

// Export dumps roots into a fresh work directory and archives it. The work
// directory is always removed.
func (h *Handler) Export(ctx context.Context, roots []engine.Record, opts ExportOptions) (*ExportResult, error) {
	dir, err := h.workDir()
	if err != nil {
		return nil, err
	}
	defer h.cleanup(dir)

	result, err := h.Dump(ctx, roots, opts.RootType, dir)
	if err != nil {
		return nil, err
	}
	for _, hook := range h.exportHooks {
		if err := hook(ctx, dir, result); err != nil {
			return nil, fmt.Errorf("export hook failed: %w", err)
		}
	}

	archive, err := zipDir(dir)
	if err != nil {
		return nil, err
	}
	sealed := h.cfg.Password != ""
	if sealed {
		if archive, err = Seal(archive, h.cfg.Password); err != nil {
			return nil, err
		}
	}

	out := opts.Output
	if out == "" {
		out = dir + Extension
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := atomic.WriteFile(out, bytes.NewReader(archive)); err != nil {
		return nil, fmt.Errorf("failed to write package: %w", err)
	}

	h.logger.Info().
		Str("transfer_id", result.TransferID).
		Str("package", out).
		Int("resources", result.Resources).
		Int("bytes", len(archive)).
		Bool("sealed", sealed).
		Msg("Package written")

	return &ExportResult{ExportResult: result, Path: out, Sealed: sealed}, nil
}

// Import extracts the package at path into a fresh work directory and imports
// it. The work directory is always removed.
func (h *Handler) Import(ctx context.Context, path string) (*engine.ImportResult, error) {
	var result *engine.ImportResult
	err := h.extract(ctx, path, func(dir string) error {
		for _, hook := range h.importHooks {
			if err := hook(ctx, dir); err != nil {
				return fmt.Errorf("import hook failed: %w", err)
			}
		}
		var err error
		result, err = h.Load(ctx, dir)
		return err
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info().
		Str("transfer_id", result.TransferID).
		Str("package", path).
		Int("saved", result.Saved).
		Msg("Package imported")
	return result, nil
}

// Read returns the envelope of the package at path without importing it.
func (h *Handler) Read(ctx context.Context, path string) (*engine.Envelope, error) {
	var env *engine.Envelope
	err := h.extract(ctx, path, func(dir string) error {
		var err error
		env, err = h.readEnvelope(dir)
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (h *Handler) extract(ctx context.Context, path string, fn func(dir string) error) error {
	archive, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read package: %w", err)
	}
	if IsSealed(archive) {
		if archive, err = Open(archive, h.cfg.Password); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := h.workDir()
	if err != nil {
		return err
	}
	defer h.cleanup(dir)

	if err := unzip(archive, dir); err != nil {
		return err
	}
	return fn(dir)
}

func (h *Handler) readEnvelope(dir string) (*engine.Envelope, error) {
	data, err := os.ReadFile(filepath.Join(dir, DataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoDataFile
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	env, err := h.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// workDir creates a directory named <timestamp>-<random> below the configured work dir.
func (h *Handler) workDir() (string, error) {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	dir := filepath.Join(h.cfg.WorkDir, fmt.Sprintf("%s-%s", h.now().Format(workDirLayout), random))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	return dir, nil
}

func (h *Handler) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		h.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove work directory")
	}
}
