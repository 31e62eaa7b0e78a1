package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sorteia/sorteia/pkg/ordering"
)

func newDeleteCommand() *cobra.Command {
	var (
		resourceID string
		noCompact  bool
	)

	cmd := &cobra.Command{
		Use:   "delete <collection> [position]",
		Short: "Delete the order record at a position",
		Long: `Delete the caller's order record at a position, then compact the ordering
so positions stay contiguous. The document itself is untouched and is listed
after the positioned resources from then on.

--resource deletes by resource id instead of position.`,
		Example: `  sorteia delete tasks 2
  sorteia delete tasks --resource t-7 --no-compact`,
		Args: func(cmd *cobra.Command, args []string) error {
			if resourceID != "" {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []ordering.DeleteOption
			if noCompact {
				opts = append(opts, ordering.SkipCompaction())
			}

			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				var (
					rec *ordering.OrderRecord
					err error
				)
				if resourceID != "" {
					rec, err = a.engine.DeleteResource(ctx, owner, args[0], resourceID, opts...)
				} else {
					position, perr := parsePosition(args[1])
					if perr != nil {
						return perr
					}
					rec, err = a.engine.DeleteOne(ctx, owner, args[0], position, opts...)
				}
				if err != nil {
					return err
				}

				if jsonOutput {
					return printJSON(rec)
				}
				fmt.Printf("✓ Deleted %s from position %d\n", rec.ResourceID, rec.Position)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&resourceID, "resource", "", "delete the record of this resource id")
	cmd.Flags().BoolVar(&noCompact, "no-compact", false, "leave a gap instead of compacting")

	return cmd
}
