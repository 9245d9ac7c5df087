package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/migrations"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "migrate", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				res, err := migrations.Up(ctx, conn.DB(), conn.Dialect())
				counts := metrics.Counts{Read: int64(len(res))}
				for _, r := range res {
					if r.Error == nil {
						counts.Written++
						fmt.Fprintf(cmd.OutOrStdout(), "applied %s (%s)\n", r.Source.Path, r.Duration)
					} else {
						counts.Failed++
					}
				}
				return counts, withCode(exitDBWrite, err)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "migrate", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				res, err := migrations.Down(ctx, conn.DB(), conn.Dialect())
				if err != nil {
					return metrics.Counts{Failed: 1}, withCode(exitDBWrite, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", res.Source.Path)
				return metrics.Counts{Read: 1, Written: 1}, nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "migrate", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				st, err := migrations.Status(ctx, conn.DB(), conn.Dialect())
				if err != nil {
					return metrics.Counts{}, withCode(exitDB, err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED\tFILE")
				for _, s := range st {
					applied := ""
					if !s.AppliedAt.IsZero() {
						applied = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
				}
				return metrics.Counts{Read: int64(len(st))}, w.Flush()
			})
		},
	})
	return cmd
}
