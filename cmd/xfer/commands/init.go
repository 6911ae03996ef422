package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/xfer/pkg/config"
)

const starterTypes = `// Transfer rules per record type.
types: {
	project: {
		exclude: ["internal_notes"]
		conflict: policy: "cover"
	}
}
`

func newInitCommand() *cobra.Command {
	var (
		force  bool
		sshKey bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize an xfer workspace",
		Long: `Initialize a workspace with a settings file, a starter type declaration,
the data directories and a migrated SQLite store.

With --ssh-key an ed25519 keypair is generated for publishing packages over SFTP.`,
		Example: `  # Initialize the current directory
  xfer init

  # Initialize another directory with a publishing key
  xfer init ./transfers --ssh-key`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			log.Info().Str("dir", dir).Bool("ssh_key", sshKey).Msg("Initializing workspace")

			settingsPath := filepath.Join(dir, config.DefaultSettingsFile)
			if _, err := os.Stat(settingsPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", settingsPath)
			}

			fmt.Fprintf(out, "Initializing xfer workspace in %s\n\n", dir)

			dirs := []string{
				filepath.Join(dir, "data"),
				filepath.Join(dir, "types"),
				filepath.Join(dir, "out"),
				filepath.Join(dir, "work"),
			}
			for _, d := range dirs {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", d)
			}

			settings := config.DefaultSettings()
			settings.Store.Path = filepath.Join("data", "xfer.db")
			settings.Package.OutputDir = "out"
			settings.Package.WorkDir = "work"
			settings.Types = []string{"types"}

			typesPath := filepath.Join(dir, "types", "types.cue")
			if _, err := os.Stat(typesPath); os.IsNotExist(err) || force {
				if err := os.WriteFile(typesPath, []byte(starterTypes), 0o644); err != nil {
					return fmt.Errorf("failed to write type declarations: %w", err)
				}
				fmt.Fprintf(out, "✓ Created type declarations: %s\n", typesPath)
			}

			content, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			if err := os.WriteFile(settingsPath, append([]byte("# xfer workspace settings\n"), content...), 0o644); err != nil {
				return fmt.Errorf("failed to write settings file: %w", err)
			}
			fmt.Fprintf(out, "✓ Created settings file: %s\n", settingsPath)

			dbPath := filepath.Join(dir, settings.Store.Path)
			store, err := openStore(ctx, &config.Settings{Store: config.StoreSettings{Path: dbPath}})
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Fprintf(out, "✓ Initialized SQLite database: %s\n", dbPath)

			if sshKey {
				keyPath := filepath.Join(dir, "keys", "xfer-ed25519")
				created, err := generateKey(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(out, "✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Fprintf(out, "\n✅ Workspace initialized successfully!\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Declare your record types in %s\n", typesPath)
			fmt.Fprintf(out, "  2. Check them:\n")
			fmt.Fprintf(out, "     xfer validate\n")
			fmt.Fprintf(out, "  3. Export a graph:\n")
			fmt.Fprintf(out, "     xfer export project <resource-id>\n")
			if sshKey {
				keyPath := filepath.Join(dir, "keys", "xfer-ed25519")
				fmt.Fprintf(out, "  4. Authorize %s.pub on the remote host, then publish:\n", keyPath)
				fmt.Fprintf(out, "     xfer export project <resource-id> --remote 'sftp://user@host/srv/packages?key=%s'\n", keyPath)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 keypair for SFTP publishing")

	return cmd
}

// generateKey writes an OpenSSH ed25519 keypair to keyPath and keyPath.pub.
// It reports false when the key already exists.
func generateKey(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privBlock, err := sshpkg.MarshalPrivateKey(privKey, "xfer")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}

	return true, nil
}
