package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/nih"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func newNIHCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nih",
		Short: "NIH study section rosters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load-study-sections FILE",
		Short: "Load a study section roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "nih_study_sections", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				return nih.NewService(conn).LoadStudySections(ctx, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "identify",
		Short: "Link unidentified reviewers to campus PIDMs by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "nih_identify", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				return nih.NewService(conn).IdentifyFaculty(ctx)
			})
		},
	})
	return cmd
}
