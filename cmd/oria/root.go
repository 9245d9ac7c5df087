package main

import (
	"fmt"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/pkg/configuration"
)

// globalOptions are the flags every loader shares.
type globalOptions struct {
	offline bool
	test    bool
	debug   bool
	DB      string `validate:"oneof=master test"`
	Host    string
	Port    string `validate:"omitempty,numeric"`
	Driver  string `validate:"omitempty,oneof=pgx postgres"`
	logfile string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "oria",
		Short:         "Loaders for the ORIA entity master database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := validate.Struct(opts); err != nil {
				return withCode(exitUsage, errors.Wrap(err, "invalid flags"))
			}
			if opts.offline && opts.test {
				return withCode(exitUsage, errors.New("--offline and --test are exclusive"))
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.BoolVar(&opts.offline, "offline", false, "Use a private in-memory database; nothing is written to a server")
	f.BoolVarP(&opts.test, "test", "t", false, "Roll back every change when the command finishes")
	f.BoolVarP(&opts.debug, "debug", "d", false, "Log every statement")
	f.StringVar(&opts.DB, "db", "master", "Database: master|test")
	f.StringVar(&opts.Host, "host", "", "Database host (default DB_HOST)")
	f.StringVar(&opts.Port, "port", "", "Database port (default DB_PORT)")
	f.StringVar(&opts.Driver, "driver", "", "Database driver: pgx|postgres (default DB_DRIVER)")
	f.StringVar(&opts.logfile, "logfile", "", "Append JSON log lines to this file (default LOG_PATH)")

	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newMasterCmd(opts))
	cmd.AddCommand(newSpridenCmd(opts))
	cmd.AddCommand(newGCOCmd(opts))
	cmd.AddCommand(newNSFCmd(opts))
	cmd.AddCommand(newCollegesCmd(opts))
	cmd.AddCommand(newFoundationCmd(opts))
	cmd.AddCommand(newNIHCmd(opts))
	cmd.AddCommand(newFacultyCmd(opts))
	cmd.AddCommand(newStarMetricsCmd(opts))
	return cmd
}

func Execute() {
	err := newRootCmd().Execute()
	configuration.Use().Unload()
	if err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
