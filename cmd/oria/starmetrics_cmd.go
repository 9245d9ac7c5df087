package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/modules/starmetrics"
	"github.com/OVCR-ORIA/discovery/pkg/configuration"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func newStarMetricsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "starmetrics",
		Short: "STAR METRICS quarterly reporting",
	}
	cmd.AddCommand(newMapVendorsCmd(opts))
	cmd.AddCommand(newReportCmd(opts))
	cmd.AddCommand(newGeocodeCmd(opts))
	return cmd
}

func newMapVendorsCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "map-vendors FILE",
		Short: "Add country and postal code columns to a vendor report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "map_vendors", false, func(ctx context.Context, _ *oria.Conn) (metrics.Counts, error) {
				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				out, err := createOutput(cmd, output)
				if err != nil {
					return metrics.Counts{}, err
				}
				counts, err := starmetrics.MapVendors(ctx, rows, out)
				if cErr := out.Close(); err == nil {
					err = cErr
				}
				return counts, err
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the mapped report here instead of stdout")
	return cmd
}

// lastQuarter is the most recent fiscal quarter that has ended by now.
func lastQuarter(now time.Time) (fy, quarter int) {
	fy, quarter = starmetrics.FiscalQuarter(now)
	if quarter == 1 {
		return fy - 1, 4
	}
	return fy, quarter - 1
}

func newReportCmd(opts *globalOptions) *cobra.Command {
	var (
		configPath  string
		fy, quarter int
		floor       string
		outDir      string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run the quarterly SQL*Plus reports and split them into CSV files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "star_metrics", false, func(ctx context.Context, _ *oria.Conn) (metrics.Counts, error) {
				if configPath == "" {
					configPath = configuration.Use().StarMetricsConfig
				}
				cfg, err := starmetrics.LoadConfig(configPath)
				if err != nil {
					return metrics.Counts{}, withCode(exitUsage, err)
				}
				if floor != "" {
					if cfg.VendorFloor, err = decimal.NewFromString(floor); err != nil {
						return metrics.Counts{}, withCode(exitUsage, errors.Wrap(err, "invalid --vendor-floor"))
					}
				}
				if outDir != "" {
					cfg.OutDir = outDir
				}

				now := time.Now()
				if fy == 0 && quarter == 0 {
					fy, quarter = lastQuarter(now)
				}
				p, err := starmetrics.NewPeriod(fy, quarter, now)
				if err != nil {
					return metrics.Counts{}, err
				}
				password, err := readSecret(cmd, fmt.Sprintf("Password for %s@%s: ", cfg.User, cfg.Server))
				if err != nil {
					return metrics.Counts{}, err
				}
				counts, err := starmetrics.Run(ctx, cfg, password, p)
				return counts, external(err)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Reporting connection TOML file (default STAR_METRICS_CONFIG)")
	f.IntVar(&fy, "fy", 0, "Fiscal year (default: that of the last complete quarter)")
	f.IntVarP(&quarter, "quarter", "q", 0, "Fiscal quarter 1-4 (default: the last complete quarter)")
	f.StringVar(&floor, "vendor-floor", "", "Smallest vendor payment reported (default from the config file)")
	f.StringVar(&outDir, "outdir", "", "Directory for the report files (default from the config file)")
	cmd.MarkFlagsRequiredTogether("fy", "quarter")
	return cmd
}

func newGeocodeCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "geocode FILE",
		Short: "Add locations and congressional districts to a vendor detail report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, "geocode_vendors", true, func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error) {
				geo := configuration.Use().Geocoder
				if geo.GoogleKey == "" {
					return metrics.Counts{}, withCode(exitUsage, errors.New("GOOGLE_GEOCODING_KEY is not set"))
				}
				svc := starmetrics.NewGeocoding(master.NewService(conn),
					starmetrics.NewGoogleGeocoder(geo.GoogleURL, geo.GoogleKey, starmetrics.NewRateLimiter(geo.RPS), nil),
					starmetrics.NewDistrictAPI(geo.DistrictURL, geo.DistrictKey, starmetrics.NewRateLimiter(geo.RPS), nil))
				svc.MaxDistrictAge = geo.DistrictMaxAge

				rows, err := openInput(args[0])
				if err != nil {
					return metrics.Counts{}, err
				}
				defer rows.Close()
				out, err := createOutput(cmd, output)
				if err != nil {
					return metrics.Counts{}, err
				}
				counts, err := svc.Geocode(ctx, rows, out)
				if cErr := out.Close(); err == nil {
					err = cErr
				}
				return counts, err
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the geocoded report here instead of stdout")
	return cmd
}
