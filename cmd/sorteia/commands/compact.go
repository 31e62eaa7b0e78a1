package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCompactCommand() *cobra.Command {
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "compact <collection>",
		Short: "Renumber an ordering to contiguous positions",
		Long: `Renumber the caller's ordering of a collection to 0..n-1, keeping the
current read order. This repairs gaps left by 'delete --no-compact' or by
bulk writes.

With --watch the compaction repeats at the given interval until interrupted,
and the metrics endpoint is served while it runs if metrics are enabled.`,
		Example: `  sorteia compact tasks
  sorteia compact tasks --watch 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				n, err := a.engine.Compact(ctx, owner, args[0])
				if err != nil {
					return err
				}
				report(n)

				if watch <= 0 {
					return nil
				}

				if srv := a.tel.Metrics.StartMetricsServer(a.tel.Logger); srv != nil {
					defer srv.Shutdown(context.WithoutCancel(ctx))
				}

				ticker := time.NewTicker(watch)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						n, err := a.engine.Compact(ctx, owner, args[0])
						if err != nil {
							log.Warn().Err(err).Str("collection", args[0]).Msg("Compaction failed")
							continue
						}
						if n > 0 {
							report(n)
						}
					}
				}
			})
		},
	}

	cmd.Flags().DurationVar(&watch, "watch", 0, "repeat the compaction at this interval")

	return cmd
}

func report(rewritten int) {
	if jsonOutput {
		_ = printJSON(map[string]int{"rewritten": rewritten})
		return
	}
	fmt.Printf("✓ Rewrote %d positions\n", rewritten)
}
