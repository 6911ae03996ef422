package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xfer/pkg/config"
	"github.com/openfroyo/xfer/pkg/engine"
	"github.com/openfroyo/xfer/pkg/pack"
)

type validateReport struct {
	Settings string                   `json:"settings"`
	Types    []string                 `json:"types"`
	Errors   []config.ValidationError `json:"errors,omitempty"`
	Package  *packageValidationReport `json:"package,omitempty"`
}

type packageValidationReport struct {
	Path      string `json:"path"`
	Resources int    `json:"resources"`
	Levels    int    `json:"levels"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [package]",
		Short: "Validate settings, type declarations and packages",
		Long: `Validate the settings file and the type declarations it lists.

This command checks:
  - Settings syntax and value constraints
  - Type declarations against the built-in schema
  - Consistency predicates compile
  - Every owning root has a configuration

Given a package, it also checks the envelope against the schema and verifies
that its dependency graph is acyclic.`,
		Example: `  # Validate settings and type declarations
  xfer validate

  # Validate with a specific settings file
  xfer validate --config ./deploy/xfer.yaml

  # Also validate a package
  xfer validate ./out/projects.zip`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			report := validateReport{Settings: configPath}
			if report.Settings == "" {
				report.Settings = "(defaults)"
				if _, err := os.Stat(config.DefaultSettingsFile); err == nil {
					report.Settings = config.DefaultSettingsFile
				}
			}

			log.Info().Str("settings", report.Settings).Strs("types", settings.Types).Msg("Validating configuration")

			parser := config.NewParser()
			parsed, err := parser.Parse(ctx, settings.Types)
			if err != nil {
				return err
			}
			report.Errors = parsed.Errors

			if len(report.Errors) == 0 {
				reg := engine.NewRegistry()
				if err := parsed.Apply(reg); err != nil {
					return err
				}
				report.Types = reg.Types()

				if len(args) > 0 {
					report.Package, err = validatePackage(ctx, parser, reg, settings, args[0])
					if err != nil {
						return err
					}
				}
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printValidateReport(cmd, report)
			}

			if len(report.Errors) > 0 {
				return fmt.Errorf("%d validation errors", len(report.Errors))
			}
			return nil
		},
	}

	return cmd
}

// validatePackage reads a package and checks its envelope and dependency graph.
func validatePackage(ctx context.Context, parser *config.Parser, reg *engine.Registry, settings *config.Settings, path string) (*packageValidationReport, error) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	handler, err := pack.NewHandler(engine.NewEngine(reg, nil, engine.Options{Logger: logger}), pack.Config{
		WorkDir:  settings.Package.WorkDir,
		Codec:    settings.Package.Codec,
		Password: os.Getenv(passwordEnv),
	}, logger)
	if err != nil {
		return nil, err
	}

	env, err := handler.Read(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := parser.GetSchemaRegistry().ValidateEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("package %s: %w", path, err)
	}

	graph, err := engine.NewDependencyGraph(env, reg)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", path, err)
	}

	return &packageValidationReport{
		Path:      path,
		Resources: len(env.Data),
		Levels:    len(graph.Levels),
	}, nil
}

func printValidateReport(cmd *cobra.Command, r validateReport) {
	out := cmd.OutOrStdout()

	if len(r.Errors) > 0 {
		fmt.Fprintf(out, "✗ %d validation errors:\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(out, "  %s\n", e.String())
		}
		return
	}

	fmt.Fprintf(out, "✓ Settings valid: %s\n", r.Settings)
	fmt.Fprintf(out, "✓ Type declarations valid: %d types\n", len(r.Types))
	for _, t := range r.Types {
		fmt.Fprintf(out, "  %s\n", t)
	}
	if r.Package != nil {
		fmt.Fprintf(out, "✓ Package valid: %s (%d resources, %d levels)\n",
			r.Package.Path, r.Package.Resources, r.Package.Levels)
	}
}
