package commands

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/xfer/pkg/assets"
	"github.com/openfroyo/xfer/pkg/config"
	"github.com/openfroyo/xfer/pkg/engine"
	"github.com/openfroyo/xfer/pkg/pack"
	"github.com/openfroyo/xfer/pkg/stores"
	"github.com/openfroyo/xfer/pkg/telemetry"
	sshtransport "github.com/openfroyo/xfer/pkg/transports/ssh"
)

// passwordEnv holds the package password. Packages are sealed when it is set.
const passwordEnv = "XFER_PASSWORD"

// workspace bundles everything a transfer command needs.
type workspace struct {
	settings  *config.Settings
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	registry  *engine.Registry
	relocator *assets.Relocator
	engine    *engine.Engine
	handler   *pack.Handler
	history   *telemetry.HistoryRecorder
}

// loadSettings reads --config, then ./xfer.yaml, then falls back to defaults.
func loadSettings() (*config.Settings, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultSettingsFile); err != nil {
			return config.DefaultSettings(), nil
		}
		path = config.DefaultSettingsFile
	}
	return config.LoadSettings(path)
}

// telemetryConfig maps settings onto the telemetry configuration.
func telemetryConfig(settings *config.Settings) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if settings.Logging.Level != "" {
		cfg.Logging.Level = settings.Logging.Level
	}
	if settings.Logging.Format != "" {
		cfg.Logging.Format = settings.Logging.Format
	}
	if settings.Logging.Output != "" {
		cfg.Logging.Output = settings.Logging.Output
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if exporter := settings.Telemetry.TracingExporter; exporter != "" && exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = exporter
		cfg.Tracing.Endpoint = settings.Telemetry.TracingEndpoint
	}
	cfg.Metrics.ListenAddress = settings.Telemetry.MetricsAddress

	return cfg
}

// loadRegistry parses the configured type declarations into a registry.
func loadRegistry(ctx context.Context, settings *config.Settings) (*engine.Registry, error) {
	if len(settings.Types) == 0 {
		return nil, fmt.Errorf("no type declarations configured: list them under types in %s", config.DefaultSettingsFile)
	}

	types, err := config.NewParser().Load(ctx, settings.Types)
	if err != nil {
		return nil, fmt.Errorf("failed to load type declarations: %w", err)
	}

	reg := engine.NewRegistry()
	if err := types.Apply(reg); err != nil {
		return nil, fmt.Errorf("failed to apply type declarations: %w", err)
	}
	return reg, nil
}

// openStore opens and migrates the record store.
func openStore(ctx context.Context, settings *config.Settings) (*stores.SQLiteStore, error) {
	if settings.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(settings.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         settings.Store.Path,
		MaxOpenConns: settings.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// openWorkspace wires telemetry, store, registry, engine and package handler.
// pkgPath is recorded as the package of the transfer.
func openWorkspace(ctx context.Context, settings *config.Settings, pkgPath string) (*workspace, error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig(settings))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	ws := &workspace{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.Zerolog(),
	}

	fail := func(err error) (*workspace, error) {
		ws.close(ctx)
		return nil, err
	}

	ws.registry, err = loadRegistry(ctx, settings)
	if err != nil {
		return fail(err)
	}

	ws.store, err = openStore(ctx, settings)
	if err != nil {
		return fail(err)
	}

	ws.history = telemetry.NewHistoryRecorder(ws.store, pkgPath, tel.Logger)
	ws.history.Subscribe(tel.Events)

	ws.relocator, err = assets.NewRelocator(assets.Config{
		ProjectRoot:    settings.Project.Root,
		FilesystemRoot: settings.Project.FilesystemRoot,
		Parallelism:    settings.Project.Parallelism,
	}, ws.logger, tel.Metrics)
	if err != nil {
		return fail(fmt.Errorf("failed to create relocator: %w", err))
	}

	ws.engine = engine.NewEngine(ws.registry, ws.store.Accessor(), engine.Options{
		Logger:    ws.logger,
		Relocator: ws.relocator.Engine(),
		Observer:  tel.Observer(),
	})

	ws.handler, err = pack.NewHandler(ws.engine, pack.Config{
		WorkDir:  settings.Package.WorkDir,
		Codec:    settings.Package.Codec,
		Password: os.Getenv(passwordEnv),
	}, ws.logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create package handler: %w", err))
	}

	return ws, nil
}

// close releases the store and flushes telemetry.
func (ws *workspace) close(ctx context.Context) {
	if ws.history != nil {
		if err := ws.history.Err(); err != nil {
			log.Warn().Err(err).Msg("Failed to record transfer history")
		}
	}

	if ws.store != nil {
		if err := ws.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := ws.tel.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// isRemote reports whether location is an sftp:// or ssh:// URL.
func isRemote(location string) bool {
	return strings.HasPrefix(location, "sftp://") || strings.HasPrefix(location, "ssh://")
}

// redactURL hides the password of a remote URL.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Redacted()
}

// connectRemote opens an SFTP connection to the host named by rawURL and
// returns the client and the remote path.
func connectRemote(ctx context.Context, rawURL string, logger zerolog.Logger) (*sshtransport.SSHClient, string, error) {
	cfg, remotePath, err := sshtransport.ParseURL(rawURL)
	if err != nil {
		return nil, "", err
	}

	client, err := sshtransport.NewSSHClient(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	if err := client.Connect(ctx); err != nil {
		return nil, "", fmt.Errorf("failed to connect to %s: %w", cfg.Address(), err)
	}

	return client, remotePath, nil
}

// warningStrings renders warnings for output.
func warningStrings(warnings []error) []string {
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = w.Error()
	}
	return out
}
