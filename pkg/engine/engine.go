package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Observer receives transfer notifications. Implementations must not block.
type Observer interface {
	// TransferStarted is called once per transfer and may derive a new context
	// used for the rest of the transfer.
	TransferStarted(ctx context.Context, transferID string, direction Direction) context.Context

	// ResourceTransferred is called once per exported or saved resource.
	ResourceTransferred(ctx context.Context, transferID string, direction Direction, recordType string)

	// ConflictResolved is called for every draft that collided with an existing record.
	ConflictResolved(ctx context.Context, transferID string, outcome ConflictOutcome)

	// Warning is called for every non-fatal error.
	Warning(ctx context.Context, transferID string, err error)

	// TransferFinished is called once per transfer with its final error, if any.
	TransferFinished(ctx context.Context, transferID string, direction Direction, err error, duration time.Duration)
}

// Relocator moves the payload files referenced by a graph. The returned
// slices hold non-fatal asset errors; the error is fatal.
type Relocator interface {
	// Relocate copies files into the staging directory dest.
	Relocate(ctx context.Context, files []string, dest string) ([]error, error)

	// Restore copies staged files from src back into the working store.
	Restore(ctx context.Context, src string) ([]error, error)
}

// Options configures an Engine.
type Options struct {
	Logger    zerolog.Logger
	Relocator Relocator
	Observer  Observer
}

// ExportOptions configures one export.
type ExportOptions struct {
	// RootType is the owning root every root record is exported under.
	// Empty means each root uses its own type.
	RootType string

	// Destination receives the relocated files when set.
	Destination string
}

// ExportResult is the outcome of an export.
type ExportResult struct {
	TransferID string
	Envelope   *Envelope
	Resources  int
	Warnings   []error
	Duration   time.Duration
}

// ImportOptions configures one import.
type ImportOptions struct {
	// SourceDir holds staged files to restore after the transaction commits.
	SourceDir string
}

// ImportResult is the outcome of an import.
type ImportResult struct {
	TransferID string

	// Roots holds the persisted records of the envelope roots, in root order.
	Roots []Record

	Saved     int
	Inserted  int
	Updated   int
	Reused    int
	Conflicts []ConflictOutcome
	Warnings  []error
	Duration  time.Duration
}

// Engine exports record graphs into envelopes and imports them back.
type Engine struct {
	registry  *Registry
	acc       Accessor
	relocator Relocator
	observer  Observer
	logger    zerolog.Logger
}

// NewEngine creates a transfer engine over the given registry and accessor.
func NewEngine(registry *Registry, acc Accessor, opts Options) *Engine {
	return &Engine{
		registry:  registry,
		acc:       acc,
		relocator: opts.Relocator,
		observer:  opts.Observer,
		logger:    opts.Logger.With().Str("component", "engine").Logger(),
	}
}

// Registry returns the type registry used by the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Export walks the graph reachable from roots and serializes it. Nothing is
// written to the store.
func (e *Engine) Export(ctx context.Context, roots []Record, opts ExportOptions) (*ExportResult, error) {
	start := time.Now()
	id := uuid.New().String()
	ctx = e.started(ctx, id, DirectionExport)
	logger := e.logger.With().Str("transfer_id", id).Str("direction", string(DirectionExport)).Logger()

	result := &ExportResult{TransferID: id}
	err := e.export(ctx, id, logger, roots, opts, result)
	result.Duration = time.Since(start)
	e.finished(ctx, id, DirectionExport, err, result.Duration)
	if err != nil {
		logger.Error().Err(err).Msg("Export failed")
		return nil, err
	}

	logger.Info().
		Int("roots", len(result.Envelope.Roots)).
		Int("resources", result.Resources).
		Int("files", len(result.Envelope.Files)).
		Dur("duration", result.Duration).
		Msg("Export completed")
	return result, nil
}

func (e *Engine) export(
	ctx context.Context,
	id string,
	logger zerolog.Logger,
	roots []Record,
	opts ExportOptions,
	result *ExportResult,
) error {
	if err := e.checkRootType(opts.RootType, "export"); err != nil {
		return err
	}

	pool := newExportPool(e.acc, e.registry)
	env := NewEnvelope()
	env.RootType = opts.RootType

	for _, root := range roots {
		r, err := pool.resource(root, opts.RootType)
		if err != nil {
			return err
		}
		if err := pool.walk(ctx, r); err != nil {
			return err
		}
		if err := checkCycles(r); err != nil {
			return err
		}
		if !containsResource(env.Roots, r.key) {
			env.Roots = append(env.Roots, r.key)
		}
	}

	files := make(map[string]bool)
	for _, r := range pool.resources {
		if err := r.serialize(ctx, e.acc); err != nil {
			return err
		}
		env.Data[r.key] = r.data
		env.Index[r.key] = r.relationIndex()
		for _, f := range r.fileList() {
			files[f] = true
		}
		if e.observer != nil {
			e.observer.ResourceTransferred(ctx, id, DirectionExport, r.recordType)
		}
		logger.Debug().Str("key", string(r.key)).Str("resource", r.label()).Msg("Serialized resource")
	}

	env.Files = make([]string, 0, len(files))
	for f := range files {
		env.Files = append(env.Files, f)
	}
	sort.Strings(env.Files)

	result.Envelope = env
	result.Resources = len(pool.resources)

	if opts.Destination != "" && e.relocator != nil && len(env.Files) > 0 {
		warnings, err := e.relocator.Relocate(ctx, env.Files, opts.Destination)
		if err != nil {
			return fmt.Errorf("failed to relocate files: %w", err)
		}
		for _, w := range warnings {
			result.Warnings = append(result.Warnings, w)
			logger.Warn().Err(w).Msg("Export warning")
			if e.observer != nil {
				e.observer.Warning(ctx, id, w)
			}
		}
	}

	return nil
}

// Import materializes env inside one transaction. Either every record of the
// envelope is persisted or none is.
func (e *Engine) Import(ctx context.Context, env *Envelope, opts ImportOptions) (*ImportResult, error) {
	start := time.Now()
	id := uuid.New().String()
	ctx = e.started(ctx, id, DirectionImport)
	logger := e.logger.With().Str("transfer_id", id).Str("direction", string(DirectionImport)).Logger()

	run := &importRun{
		id:       id,
		logger:   logger,
		observer: e.observer,
		result:   &ImportResult{TransferID: id},
	}
	err := e.importEnvelope(ctx, env, opts, run)
	run.result.Duration = time.Since(start)
	e.finished(ctx, id, DirectionImport, err, run.result.Duration)
	if err != nil {
		logger.Error().Err(err).Msg("Import failed")
		return nil, err
	}

	logger.Info().
		Int("saved", run.result.Saved).
		Int("inserted", run.result.Inserted).
		Int("updated", run.result.Updated).
		Int("reused", run.result.Reused).
		Int("conflicts", len(run.result.Conflicts)).
		Int("warnings", len(run.result.Warnings)).
		Dur("duration", run.result.Duration).
		Msg("Import completed")
	return run.result, nil
}

func (e *Engine) importEnvelope(ctx context.Context, env *Envelope, opts ImportOptions, run *importRun) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if err := e.checkRootType(env.RootType, "import"); err != nil {
		return err
	}

	// The graph is fully resolved and verified before the transaction opens.
	pool := newImportPool(env, e.registry)
	roots := make([]*importResource, 0, len(env.Roots))
	for _, key := range env.Roots {
		r, err := pool.resource(key, env.RootType)
		if err != nil {
			return err
		}
		if err := pool.walk(r); err != nil {
			return err
		}
		if err := checkCycles(r); err != nil {
			return err
		}
		roots = append(roots, r)
	}

	err := e.acc.Atomic(ctx, func(ctx context.Context, acc Accessor) error {
		for _, r := range roots {
			if err := run.save(ctx, acc, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	run.result.Roots = make([]Record, len(roots))
	for i, r := range roots {
		run.result.Roots[i] = r.record
	}

	if opts.SourceDir != "" && e.relocator != nil {
		warnings, err := e.relocator.Restore(ctx, opts.SourceDir)
		if err != nil {
			return fmt.Errorf("failed to restore files: %w", err)
		}
		for _, w := range warnings {
			run.warn(ctx, w)
		}
	}

	return nil
}

// checkRootType rejects an owning root the registry knows nothing about.
func (e *Engine) checkRootType(rootType, operation string) error {
	if rootType == "" {
		return nil
	}
	if _, err := e.registry.Lookup(rootType, ""); err != nil {
		return NewConfigurationError(fmt.Sprintf("root type %s is not registered", rootType), err).
			WithCode(ErrCodeInvalidRoot).WithOperation(operation)
	}
	return nil
}

func (e *Engine) started(ctx context.Context, id string, direction Direction) context.Context {
	e.logger.Debug().Str("transfer_id", id).Str("direction", string(direction)).Msg("Transfer started")
	if e.observer == nil {
		return ctx
	}
	return e.observer.TransferStarted(ctx, id, direction)
}

func (e *Engine) finished(ctx context.Context, id string, direction Direction, err error, duration time.Duration) {
	if e.observer != nil {
		e.observer.TransferFinished(ctx, id, direction, err, duration)
	}
}
