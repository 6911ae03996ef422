package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/xfer/pkg/engine"
	"github.com/openfroyo/xfer/pkg/pack"
	"github.com/openfroyo/xfer/pkg/telemetry"
)

type importSummary struct {
	TransferID string                   `json:"transfer_id"`
	Package    string                   `json:"package"`
	Roots      int                      `json:"roots"`
	Saved      int                      `json:"saved"`
	Inserted   int                      `json:"inserted"`
	Updated    int                      `json:"updated"`
	Reused     int                      `json:"reused"`
	Conflicts  []engine.ConflictOutcome `json:"conflicts,omitempty"`
	Warnings   []string                 `json:"warnings,omitempty"`
	Duration   string                   `json:"duration"`
}

func newImportCommand() *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "import <package>",
		Short: "Import a package into the store",
		Long: `Import a package, rebuilding its record graph in the local store.

The import:
  - Fetches the package first when given an sftp:// URL; a URL ending
    in "/" fetches the newest package in that directory
  - Opens sealed packages with XFER_PASSWORD
  - Saves records in dependency order inside a single transaction
  - Resolves collisions with existing records per the type's conflict policy
  - Restores the packaged payload files once the transaction commits

Consistency checks never abort an import; they are reported as warnings.`,
		Example: `  # Import a local package
  xfer import ./out/project-20260101120000.zip

  # Import a package from a remote host
  xfer import sftp://deploy@files.example.com/srv/packages/project-20260101120000.zip

  # Import the newest package in a remote directory
  xfer import sftp://deploy@files.example.com/srv/packages/

  # Print the outcome as JSON
  xfer import ./out/projects.zip --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			location := args[0]

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			log.Info().Str("package", location).Msg("Importing package")

			ws, err := openWorkspace(ctx, settings, location)
			if err != nil {
				return err
			}
			defer ws.close(ctx)

			pkgPath := location
			if isRemote(location) {
				pkgPath, err = fetch(ctx, ws, location)
				if err != nil {
					return err
				}
				if !keep {
					defer os.Remove(pkgPath)
				}
			}

			result, err := ws.handler.Import(ctx, pkgPath)
			if err != nil {
				return err
			}

			summary := importSummary{
				TransferID: result.TransferID,
				Package:    location,
				Roots:      len(result.Roots),
				Saved:      result.Saved,
				Inserted:   result.Inserted,
				Updated:    result.Updated,
				Reused:     result.Reused,
				Conflicts:  result.Conflicts,
				Warnings:   warningStrings(result.Warnings),
				Duration:   result.Duration.String(),
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			printImportSummary(cmd, summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "keep a fetched remote package in the work directory")

	return cmd
}

// fetch downloads a remote package into the work directory.
func fetch(ctx context.Context, ws *workspace, rawURL string) (local string, err error) {
	op := telemetry.StartOperation(ws.tel.WithContext(ctx), "package.fetch",
		telemetry.AttrRemotePath.String(redactURL(rawURL)),
	)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	client, remotePath, err := connectRemote(ctx, rawURL, ws.logger)
	if err != nil {
		return "", err
	}
	defer client.Disconnect()

	// a directory picks its newest package
	if strings.HasSuffix(remotePath, "/") {
		files, err := client.List(ctx, remotePath, pack.Extension)
		if err != nil {
			return "", fmt.Errorf("failed to list remote packages: %w", err)
		}
		if len(files) == 0 {
			return "", fmt.Errorf("no packages found in %s", remotePath)
		}
		remotePath = files[0].Path
	}

	dir := ws.settings.Package.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	local, err = pack.Fetch(ctx, client, remotePath, dir)
	if err != nil {
		return "", err
	}

	log.Info().Str("path", local).Msg("Package fetched")
	return local, nil
}

func printImportSummary(cmd *cobra.Command, s importSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Imported %d resources in %s\n", s.Saved, s.Duration)
	fmt.Fprintf(out, "  Transfer: %s\n", s.TransferID)
	fmt.Fprintf(out, "  Roots:    %d\n", s.Roots)
	fmt.Fprintf(out, "  Inserted: %d\n", s.Inserted)
	fmt.Fprintf(out, "  Updated:  %d\n", s.Updated)
	fmt.Fprintf(out, "  Reused:   %d\n", s.Reused)

	if len(s.Conflicts) > 0 {
		fmt.Fprintf(out, "\nConflicts (%d):\n", len(s.Conflicts))
		for _, c := range s.Conflicts {
			line := fmt.Sprintf("  %s %s (%s): %s", c.Type, c.Identity, c.Policy, c.Action)
			if c.Action == engine.ActionCovered && !c.Consistent {
				line += " [inconsistent]"
			}
			fmt.Fprintln(out, line)
		}
	}
	printWarnings(cmd, s.Warnings)
}
