package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/nsf"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func newNSFCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nsf",
		Short: "National Science Foundation award loaders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load DIR | FILE...",
		Short: "Load NSF award XML files, or every .xml file in a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "nsf", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				svc := nsf.NewService(conn)
				if len(args) == 1 {
					fi, err := os.Stat(args[0])
					if err != nil {
						return metrics.Counts{}, withCode(exitUsage, err)
					}
					if fi.IsDir() {
						return svc.LoadDir(ctx, args[0])
					}
				}
				return svc.LoadFiles(ctx, args...)
			})
		},
	})
	return cmd
}
