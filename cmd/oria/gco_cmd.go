package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/gco"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func newGCOCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gco",
		Short: "Grants and Contracts Office loaders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "grants FILE",
		Short: "Load a GCO grant report (CSV or XLSX)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "gco_grants", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				return gco.NewService(conn).LoadGrants(ctx, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "load-classes FILE",
		Short: "Load entity to class pairs into entity_class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "gco_classes", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				return gco.NewService(conn).LoadClasses(ctx, rows)
			})
		},
	})

	var (
		output string
		sample bool
		roots  []int64
	)
	hierarchy := &cobra.Command{
		Use:   "hierarchy",
		Short: "Write the entity class hierarchy as an HTML report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "gco_hierarchy", !sample, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				g := gco.SampleGraph()
				if !sample {
					var err error
					if g, err = gco.NewService(conn).LoadGraph(ctx); err != nil {
						return metrics.Counts{}, err
					}
				}
				out, err := createOutput(cmd, output)
				if err != nil {
					return metrics.Counts{}, err
				}
				paths := g.Paths(roots...)
				if err := gco.RenderHierarchy(out, paths); err != nil {
					_ = out.Close()
					return metrics.Counts{}, err
				}
				return metrics.Counts{Read: int64(len(paths)), Written: int64(len(paths))}, out.Close()
			})
		},
	}
	hierarchy.Flags().StringVarP(&output, "output", "o", "", "Write the report here instead of stdout")
	hierarchy.Flags().BoolVar(&sample, "sample", false, "Render the built-in sample hierarchy")
	hierarchy.Flags().Int64SliceVar(&roots, "root", nil, "Only report the subtrees under these PIDMs")
	cmd.AddCommand(hierarchy)
	return cmd
}
