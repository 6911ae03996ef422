package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xfer/pkg/engine"
	"github.com/openfroyo/xfer/pkg/pack"
	"github.com/openfroyo/xfer/pkg/stores"
	"github.com/openfroyo/xfer/pkg/telemetry"
)

type exportSummary struct {
	TransferID string         `json:"transfer_id"`
	Package    string         `json:"package"`
	Published  string         `json:"published,omitempty"`
	Sealed     bool           `json:"sealed"`
	Resources  int            `json:"resources"`
	Types      map[string]int `json:"types"`
	Files      int            `json:"files"`
	Warnings   []string       `json:"warnings,omitempty"`
	Duration   string         `json:"duration"`
}

func newExportCommand() *cobra.Command {
	var (
		all      bool
		rootType string
		output   string
		remote   string
	)

	cmd := &cobra.Command{
		Use:   "export <type> [resource-id...]",
		Short: "Export a record graph into a package",
		Long: `Export the records of a type, and everything they relate to, into a package.

The export:
  - Looks up the root records by resource_id (or takes every record with --all)
  - Walks their relations as declared in the type configuration
  - Writes the envelope and the referenced payload files into a zip package
  - Seals the package when XFER_PASSWORD is set
  - Publishes the package over SFTP when a remote is given`,
		Example: `  # Export two projects
  xfer export project 7f3c2a 91bd04

  # Export every project into a specific file
  xfer export project --all --output ./out/projects.zip

  # Export documents under the project configuration
  xfer export document d-17 --root-type project

  # Export and publish to a remote directory
  xfer export project 7f3c2a --remote sftp://deploy@files.example.com/srv/packages`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			recordType, ids := args[0], args[1:]

			if !all && len(ids) == 0 {
				return fmt.Errorf("no resource ids given: pass ids or --all")
			}
			if all && len(ids) > 0 {
				return fmt.Errorf("--all cannot be combined with resource ids")
			}

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(settings.Package.OutputDir,
					fmt.Sprintf("%s-%s%s", recordType, time.Now().Format("20060102150405"), pack.Extension))
			}
			if remote == "" {
				remote = settings.Package.Remote
			}

			log.Info().
				Str("type", recordType).
				Strs("ids", ids).
				Bool("all", all).
				Str("root_type", rootType).
				Str("output", output).
				Msg("Exporting records")

			ws, err := openWorkspace(ctx, settings, output)
			if err != nil {
				return err
			}
			defer ws.close(ctx)

			roots, err := findRoots(ctx, ws.store, recordType, ids, all)
			if err != nil {
				return err
			}

			if dir := filepath.Dir(output); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
			}

			result, err := ws.handler.Export(ctx, roots, pack.ExportOptions{
				RootType: rootType,
				Output:   output,
			})
			if err != nil {
				return err
			}

			summary := exportSummary{
				TransferID: result.TransferID,
				Package:    result.Path,
				Sealed:     result.Sealed,
				Resources:  result.Resources,
				Types:      result.Envelope.TypeCounts(),
				Files:      len(result.Envelope.Files),
				Warnings:   warningStrings(result.Warnings),
				Duration:   result.Duration.String(),
			}

			if remote != "" {
				summary.Published, err = publish(ctx, ws, remote, result.Path)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			printExportSummary(cmd, summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "export every record of the type")
	cmd.Flags().StringVar(&rootType, "root-type", "", "owning root whose type configuration applies")
	cmd.Flags().StringVarP(&output, "output", "o", "", "package path (default <output_dir>/<type>-<timestamp>.zip)")
	cmd.Flags().StringVar(&remote, "remote", "", "sftp:// directory to publish the package to")

	return cmd
}

// findRoots loads the export roots by resource id, or every record of the type.
func findRoots(ctx context.Context, store *stores.SQLiteStore, recordType string, ids []string, all bool) ([]engine.Record, error) {
	if all {
		records, err := store.ListRecords(ctx, recordType, -1, 0)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("no %s records found", recordType)
		}
		roots := make([]engine.Record, len(records))
		for i, rec := range records {
			roots[i] = rec
		}
		return roots, nil
	}

	acc := store.Accessor()
	roots := make([]engine.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := acc.FindByExternalKey(ctx, recordType, engine.DefaultExternalKeyField, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("%s %s not found", recordType, id)
		}
		roots = append(roots, rec)
	}
	return roots, nil
}

// publish uploads the package to the remote directory named by rawURL.
func publish(ctx context.Context, ws *workspace, rawURL, pkgPath string) (target string, err error) {
	op := telemetry.StartOperation(ws.tel.WithContext(ctx), "package.publish",
		telemetry.AttrRemotePath.String(redactURL(rawURL)),
	)
	defer func() { op.End(err) }()

	client, remoteDir, err := connectRemote(op.Ctx, rawURL, ws.logger)
	if err != nil {
		return "", err
	}
	defer client.Disconnect()

	target, err = pack.Publish(op.Ctx, client, pkgPath, remoteDir)
	if err != nil {
		return "", err
	}

	log.Info().Str("remote", target).Msg("Package published")
	return target, nil
}

func printExportSummary(cmd *cobra.Command, s exportSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Exported %d resources in %s\n", s.Resources, s.Duration)
	fmt.Fprintf(out, "  Transfer: %s\n", s.TransferID)
	fmt.Fprintf(out, "  Package:  %s", s.Package)
	if s.Sealed {
		fmt.Fprint(out, " (sealed)")
	}
	fmt.Fprintln(out)
	for _, t := range sortedTypes(s.Types) {
		fmt.Fprintf(out, "  %-20s %d\n", t, s.Types[t])
	}
	if s.Files > 0 {
		fmt.Fprintf(out, "  Files:    %d\n", s.Files)
	}
	if s.Published != "" {
		fmt.Fprintf(out, "✓ Published to %s\n", s.Published)
	}
	printWarnings(cmd, s.Warnings)
}
