package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

func newMasterCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Inspect the entity master reference tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "lookup [sources|schemes|relationships]",
		Short:     "List supported data sources, other id schemes and relationship types",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"sources", "schemes", "relationships"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "master_lookup", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				svc := master.NewService(conn)
				tables := []struct {
					name string
					list func(context.Context) ([]master.Reference, error)
				}{
					{"sources", svc.SupportedDataSources},
					{"schemes", svc.SupportedSchemes},
					{"relationships", svc.SupportedRelationshipTypes},
				}
				var counts metrics.Counts
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, t := range tables {
					if len(args) == 1 && args[0] != t.name {
						continue
					}
					refs, err := t.list(ctx)
					if err != nil {
						return counts, errors.Wrapf(err, "list %s", t.name)
					}
					fmt.Fprintf(w, "%s\n", t.name)
					for _, r := range refs {
						counts.Read++
						fmt.Fprintf(w, "  %d\t%s\t%s\n", r.ID, r.Name, textnorm.Deref(r.Description))
					}
				}
				return counts, w.Flush()
			})
		},
	})
	return cmd
}
