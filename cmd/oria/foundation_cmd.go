package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/foundation"
	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func newFoundationCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foundation",
		Short: "University of Illinois Foundation (FACTS) loaders",
	}
	cmd.AddCommand(newFindEntitiesCmd(opts))
	cmd.AddCommand(newLoadMatchesCmd(opts))
	cmd.AddCommand(newLoadRelationshipsCmd(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "load-gifts FILE",
		Short: "Load foundation gift records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "uif_gifts", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				return foundation.NewService(conn).LoadGifts(ctx, rows)
			})
		},
	})
	return cmd
}

func newFindEntitiesCmd(opts *globalOptions) *cobra.Command {
	var (
		find   foundation.FindOptions
		output string
	)
	cmd := &cobra.Command{
		Use:   "find-entities FILE",
		Short: "Append master and Banner ids to a FACTS organization list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "find_entities", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				out, err := createOutput(cmd, output)
				if err != nil {
					return metrics.Counts{}, err
				}
				counts, err := foundation.NewService(conn).FindEntities(ctx, rows, out, find)
				if cErr := out.Close(); err == nil {
					err = cErr
				}
				return counts, err
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "Write the annotated list here instead of stdout")
	f.StringVar(&find.FactsHeader, "facts-header", foundation.DefaultFactsHeader, "Header of the FACTS id column")
	f.BoolVar(&find.NoMaster, "no-master", false, "Leave out the master id column")
	f.BoolVar(&find.Banner, "banner", false, "Add Banner ids")
	f.BoolVar(&find.PIDM, "pidm", false, "Add PIDMs")
	f.BoolVar(&find.EDW, "edw", false, "Add EDW ids")
	f.BoolVar(&find.MultiRow, "multi-row", false, "Write one row per id combination")
	return cmd
}

func newLoadMatchesCmd(opts *globalOptions) *cobra.Command {
	var (
		match  foundation.MatchOptions
		header string
	)
	cmd := &cobra.Command{
		Use:   "load-matches FILE",
		Short: "Record curated other id to master id matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "entity_matches", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				mode, err := foundation.ParseHeaderMode(header)
				if err != nil {
					return metrics.Counts{}, err
				}
				match.Header = mode
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				return foundation.NewService(conn).LoadMatches(ctx, rows, match)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&match.Scheme, "scheme", master.SchemeFACTS, "Other id scheme of the first column")
	f.StringVar(&match.Source, "source", master.SourceManual, "Data source credited with the matches")
	f.StringVar(&header, "header", "auto", "Whether the file has a header row: true|false|auto")
	f.StringVar(&match.Comment, "comment", "", "Source comment for every assertion")
	return cmd
}

func newLoadRelationshipsCmd(opts *globalOptions) *cobra.Command {
	var rel foundation.RelationshipOptions
	cmd := &cobra.Command{
		Use:   "load-relationships FILE",
		Short: "Record FACTS corporate hierarchy relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "corporate_relationships", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				return foundation.NewService(conn).LoadRelationships(ctx, rows, rel)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&rel.Scheme, "scheme", master.SchemeFACTS, "Other id scheme of the hierarchy ids")
	f.StringVar(&rel.Source, "source", master.SourceFACTS, "Data source credited with the relationships")
	f.StringVar(&rel.Comment, "comment", "", "Source comment for every assertion")
	f.BoolVar(&rel.Merge, "merge", false, "Merge master organizations found to be the same entity")
	return cmd
}
