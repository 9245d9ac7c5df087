package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/spriden"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

func newSpridenCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spriden",
		Short: "Load and normalize Banner SPRIDEN entities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load DUMP",
		Short: "Copy a SPRIDEN SQL*Plus dump into spriden_raw",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "spriden_load", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				rows, err := tabular.OpenDump(args[0])
				if err != nil {
					return metrics.Counts{}, withCode(exitUsage, err)
				}
				defer rows.Close()
				return spriden.NewService(conn).Load(ctx, rows)
			})
		},
	})

	var limit int
	normalize := &cobra.Command{
		Use:   "normalize",
		Short: "Rebuild spriden_norm and spriden_alias from spriden_raw",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "spriden_normalize", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				return spriden.NewService(conn).Normalize(ctx, limit)
			})
		},
	}
	normalize.Flags().IntVar(&limit, "limit", 0, "Stop after this many entities (0 for all)")
	cmd.AddCommand(normalize)

	var masterLimit int
	toMaster := &cobra.Command{
		Use:   "master",
		Short: "Add SPRIDEN entities to the entity master",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "spriden_master", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				return spriden.NewService(conn).Master(ctx, masterLimit)
			})
		},
	}
	toMaster.Flags().IntVar(&masterLimit, "limit", 0, "Stop after this many entities (0 for all)")
	cmd.AddCommand(toMaster)
	return cmd
}
