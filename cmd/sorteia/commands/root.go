package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sorteia/sorteia/pkg/ordering"
)

var (
	// Global flags
	configPath string
	ownerID    string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit status: 2 for caller
// mistakes, 3 for retryable storage conditions and 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case ordering.IsRetryable(err):
		return 3
	case errors.Is(err, ordering.ErrResourceNotFound),
		errors.Is(err, ordering.ErrOrderNotFound),
		errors.Is(err, ordering.ErrPositionOutOfBounds),
		ordering.Code(err) == ordering.ErrCodeValidation:
		return 2
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sorteia",
		Short: "Sorteia - per-user custom ordering of collections",
		Long: `Sorteia keeps a caller-defined order over the resources of a collection.

Each owner has an independent ordering per collection. Positions are
zero-based and kept contiguous by compaction after deletes and moves.
Resources without a position are listed after the positioned ones.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&ownerID, "owner", "o", "", "owner id (defaults to the owner environment variable)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newReorderCommand())
	rootCmd.AddCommand(newReorderManyCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newListAllCommand())
	rootCmd.AddCommand(newCompactCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
