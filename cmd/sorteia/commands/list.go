package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/sorteia/sorteia/pkg/filter"
	"github.com/sorteia/sorteia/pkg/ordering"
)

func newListCommand() *cobra.Command {
	var enriched bool

	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List the caller's order records",
		Long: `List the caller's order records of a collection by position. With
--enriched each record is joined with its document; records whose document
has been removed are shown with a missing document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				if enriched {
					rows, err := ordering.ReadManyEnriched(ctx, a.engine, owner, args[0], ordering.AsDocument)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(rows)
					}
					for _, r := range rows {
						body := "(missing)"
						if r.Resource != nil {
							body = formatData(r.Resource.Data)
						}
						fmt.Printf("%4d  %-24s %s\n", r.Record.Position, r.Record.ResourceID, body)
					}
					return nil
				}

				recs, err := a.engine.ReadMany(ctx, owner, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(recs)
				}
				for _, r := range recs {
					fmt.Printf("%4d  %-24s %s\n", r.Position, r.ResourceID, r.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&enriched, "enriched", false, "join each record with its document")

	return cmd
}

func newListAllCommand() *cobra.Command {
	var (
		where     string
		fields    []string
		allOwners bool
	)

	cmd := &cobra.Command{
		Use:   "list-all <collection>",
		Short: "List every document of a collection in the caller's order",
		Long: `List the caller's documents of a collection: positioned documents at their
positions, the rest after them in storage order.

--field k=v keeps documents whose field k equals v. Values are read as JSON
when possible, so --field priority=2 matches the number 2 and
--field done=false the boolean. --where takes an expression over the
document fields and the id, owner_id and collection keys. --all-owners also
lists documents the caller does not own.`,
		Example: `  sorteia list-all tasks
  sorteia list-all tasks --field status=open --where 'priority >= 2'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := buildFilter(where, fields)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app, owner string) error {
				if !allOwners {
					f.OwnerID = owner
				}
				docs, err := ordering.ReadAllOrdered(ctx, a.engine, owner, args[0], f, ordering.AsDocument)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(docs)
				}
				for i, d := range docs {
					fmt.Printf("%4d  %-24s %s\n", i, d.ID, formatData(d.Data))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&where, "where", "", "filter expression")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field equality filter k=v (repeatable)")
	cmd.Flags().BoolVar(&allOwners, "all-owners", false, "include documents of every owner")

	return cmd
}

// buildFilter turns the list-all flags into a Filter. OwnerID is left to the
// caller.
func buildFilter(where string, fields []string) (ordering.Filter, error) {
	var f ordering.Filter

	if where != "" {
		p, err := filter.Compile(where)
		if err != nil {
			return f, err
		}
		f.Where = p
	}

	for _, kv := range fields {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return f, fmt.Errorf("invalid --field %q, expected key=value", kv)
		}
		if f.Fields == nil {
			f.Fields = make(map[string]any)
		}
		f.Fields[k] = parseFieldValue(v)
	}
	return f, nil
}

func parseFieldValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
