package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/faculty"
	"github.com/OVCR-ORIA/discovery/pkg/configuration"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

const keyAttempts = 3

func newFacultyCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "faculty",
		Short: "Faculty profile extracts",
	}
	var output string
	protect := &cobra.Command{
		Use:   "protect-ids FILE",
		Short: "Replace EDW ids and PIDMs with keyed faculty ids",
		Long: "Replace the EDW_PERS_ID and BANNER_PIDM columns of a faculty extract with a\n" +
			"FACULTY_ID derived from the PIDM and a secret key. The key comes from\n" +
			"FACULTY_ID_KEY or is prompted for.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "protect_faculty_ids", false, func(ctx context.Context, _ *oria.Conn) (metrics.Counts, error) {
				key, err := facultyKey(cmd, configuration.Use().FacultyIDKey)
				if err != nil {
					return metrics.Counts{}, err
				}
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				out, err := createOutput(cmd, output)
				if err != nil {
					return metrics.Counts{}, err
				}
				counts, err := faculty.ProtectIDs(ctx, rows, out, key)
				if cErr := out.Close(); err == nil {
					err = cErr
				}
				return counts, err
			})
		},
	}
	protect.Flags().StringVarP(&output, "output", "o", "", "Write the protected extract here instead of stdout")
	cmd.AddCommand(protect)
	return cmd
}

// facultyKey parses the configured key, or prompts until a valid one is
// entered.
func facultyKey(cmd *cobra.Command, configured string) (int64, error) {
	if configured != "" {
		return faculty.ParseKey(configured)
	}
	var err error
	for range keyAttempts {
		var s string
		if s, err = readSecret(cmd, "Key: "); err != nil {
			return 0, err
		}
		var key int64
		if key, err = faculty.ParseKey(s); err == nil {
			return key, nil
		}
		fmt.Fprintln(cmd.ErrOrStderr(), err)
	}
	return 0, err
}
