package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/colleges"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func newCollegesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "colleges",
		Short: "Accredited colleges and universities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load FILE",
		Short: "Load the accredited postsecondary institutions list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "accredited_colleges", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				return colleges.NewService(conn).LoadAccredited(ctx, rows)
			})
		},
	})

	var (
		output  string
		filters []string
	)
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Match colleges against SPRIDEN entities and write candidates as TSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "college_reconcile", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				out, err := createOutput(cmd, output)
				if err != nil {
					return metrics.Counts{}, err
				}
				counts, err := colleges.NewService(conn).Reconcile(ctx, out, filters...)
				if cErr := out.Close(); err == nil {
					err = cErr
				}
				return counts, err
			})
		},
	}
	reconcile.Flags().StringVarP(&output, "output", "o", "", "Write candidates here instead of stdout")
	reconcile.Flags().StringSliceVar(&filters, "filter", nil, "Only colleges with these flags set")
	cmd.AddCommand(reconcile)
	return cmd
}
