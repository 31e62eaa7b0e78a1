package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sorteia/sorteia/pkg/ordering"
)

func newReorderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reorder <collection> <resource-id> <position>",
		Short: "Place one resource at a position",
		Long: `Place a resource owned by the caller at a zero-based position in the
caller's ordering of the collection. The position may be at most the number
of documents the caller owns in the collection. The rest of the ordering is
shifted to make room.`,
		Example: `  # Move t-3 to the top
  sorteia reorder tasks t-3 0 --owner alice`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := parsePosition(args[2])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				log.Info().
					Str("collection", args[0]).
					Str("resource", args[1]).
					Int("position", position).
					Msg("Reordering resource")

				res, err := a.engine.ReorderOne(ctx, owner, args[0], args[1], position)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res.View())
				}
				fmt.Printf("✓ %s %s at position %d (%s)\n", res.Outcome(), args[1], res.Record.Position, res.Record.ID)
				return nil
			})
		},
	}
	return cmd
}

func newReorderManyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reorder-many <collection> <file.json>",
		Short: "Write many positions at once",
		Long: `Write the positions listed in a JSON file. The file holds either an array
of {"resource_id": ..., "position": ...} objects or an array of resource ids,
in which case each id is placed at its index. Use - to read stdin.

Entries are written independently and the ordering is not compacted, so the
listed positions are stored exactly as given. Entries that fail are reported
without undoing the others.`,
		Example: `  echo '["t-3","t-1","t-2"]' | sorteia reorder-many tasks -
  sorteia reorder-many tasks order.json --json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readEntries(args[1])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				res, err := a.engine.ReorderMany(ctx, owner, args[0], entries)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(res)
				}
				fmt.Printf("✓ inserted=%d modified=%d failed=%d\n", res.Inserted, res.Modified, len(res.Failures))
				for _, f := range res.Failures {
					fmt.Printf("✗ [%d] %s: %s\n", f.Index, f.ResourceID, f.Error)
				}
				if res.Partial() {
					return fmt.Errorf("%d of %d entries were not written", len(res.Failures), len(entries))
				}
				return nil
			})
		},
	}
	return cmd
}

func parsePosition(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("position must be an integer: %q", s)
	}
	return n, nil
}

// readEntries decodes reorder entries from path, or stdin for "-".
func readEntries(path string) ([]ordering.ReorderEntry, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	return decodeEntries(raw)
}

func decodeEntries(raw []byte) ([]ordering.ReorderEntry, error) {
	var entries []ordering.ReorderEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("entries must be a JSON array of objects or of resource ids: %w", err)
	}
	return ordering.EntriesFromSequence(ids), nil
}
