package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sorteia/sorteia/pkg/config"
)

func newInitCommand() *cobra.Command {
	var writeConfig string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the store and apply migrations",
		Long: `Create the configured store if it does not exist and bring its schema up
to date. Running init on an existing store is safe.

With --write-config the effective configuration is also written to a file,
which can then be edited and passed back with --config.`,
		Example: `  # Initialize the default SQLite store
  sorteia init

  # Initialize a bolt store and keep the configuration
  SORTEIA_DB=./data/sorteia.bolt sorteia init --write-config sorteia.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().
				Str("driver", string(cfg.Store.Driver)).
				Str("path", cfg.Store.Path).
				Msg("Initializing store")

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.HealthCheck(ctx); err != nil {
				return fmt.Errorf("store health check failed: %w", err)
			}
			fmt.Printf("✓ Store ready: %s (%s)\n", cfg.Store.Path, cfg.Store.Driver)

			if writeConfig != "" {
				if err := writeConfigFile(cfg, writeConfig); err != nil {
					return err
				}
				fmt.Printf("✓ Wrote configuration: %s\n", writeConfig)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&writeConfig, "write-config", "", "write the effective configuration to this file")

	return cmd
}

func writeConfigFile(cfg *config.Config, path string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cfg)
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
