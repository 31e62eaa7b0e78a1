package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sorteia/sorteia/pkg/ordering"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Manage the documents being ordered",
		Long: `Manage the documents held by the resource store. Orderings can only refer
to documents that exist and belong to the caller.`,
	}

	cmd.AddCommand(newResourcePutCommand())
	cmd.AddCommand(newResourceRemoveCommand())
	cmd.AddCommand(newResourceListCommand())
	cmd.AddCommand(newResourceCollectionsCommand())

	return cmd
}

func newResourcePutCommand() *cobra.Command {
	var (
		data     string
		dataFile string
	)

	cmd := &cobra.Command{
		Use:   "put <collection> <id>",
		Short: "Create or replace a document owned by the caller",
		Example: `  sorteia resource put tasks t-1 --data '{"title":"write docs","priority":2}'
  sorteia resource put tasks t-2 --file task.json --owner alice`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readDocumentBody(data, dataFile)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				doc := &ordering.Document{
					ID:         args[1],
					Collection: args[0],
					OwnerID:    owner,
					Data:       body,
				}
				if err := a.store.PutDocument(ctx, doc); err != nil {
					return err
				}

				log.Debug().Str("collection", doc.Collection).Str("id", doc.ID).Msg("Document stored")

				if jsonOutput {
					return printJSON(doc)
				}
				fmt.Printf("✓ Stored %s/%s for %s\n", doc.Collection, doc.ID, owner)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "document body as a JSON object")
	cmd.Flags().StringVarP(&dataFile, "file", "f", "", "read the document body from a JSON file")

	return cmd
}

func newResourceRemoveCommand() *cobra.Command {
	var keepOrder bool

	cmd := &cobra.Command{
		Use:     "rm <collection> <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a document",
		Long: `Remove a document from the resource store. The caller's order record for
the document is deleted as well and the ordering compacted, unless
--keep-order is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, id := args[0], args[1]

			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				if err := a.store.RemoveDocument(ctx, collection, id); err != nil {
					return err
				}
				fmt.Printf("✓ Removed %s/%s\n", collection, id)

				if keepOrder {
					return nil
				}
				rec, err := a.engine.DeleteResource(ctx, owner, collection, id)
				switch {
				case errors.Is(err, ordering.ErrOrderNotFound):
					return nil
				case err != nil:
					return err
				}
				fmt.Printf("✓ Dropped order record at position %d\n", rec.Position)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&keepOrder, "keep-order", false, "leave the caller's order record in place")

	return cmd
}

func newResourceListCommand() *cobra.Command {
	var allOwners bool

	cmd := &cobra.Command{
		Use:   "ls <collection>",
		Short: "List documents of a collection in storage order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				f := ordering.Filter{OwnerID: owner}
				if allOwners {
					f.OwnerID = ""
				}
				docs, err := a.store.Resources().Find(ctx, args[0], f)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(docs)
				}
				for _, d := range docs {
					fmt.Printf("%-24s %-16s %s\n", d.ID, d.OwnerID, formatData(d.Data))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&allOwners, "all-owners", false, "include documents of every owner")

	return cmd
}

func newResourceCollectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections that hold documents or orderings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			names, err := store.Collections(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(names)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

// readDocumentBody decodes the JSON object given inline or in a file.
func readDocumentBody(inline, path string) (map[string]any, error) {
	var raw []byte
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("--data and --file are mutually exclusive")
	case inline != "":
		raw = []byte(inline)
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read document file: %w", err)
		}
		raw = b
	default:
		return map[string]any{}, nil
	}

	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("document body must be a JSON object: %w", err)
	}
	return body, nil
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(b)
}
