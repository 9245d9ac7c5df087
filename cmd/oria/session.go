package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/term"

	"github.com/OVCR-ORIA/discovery/pkg/composables"
	"github.com/OVCR-ORIA/discovery/pkg/configuration"
	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

var tracer = otel.Tracer("github.com/OVCR-ORIA/discovery/cmd/oria")

// loaderFunc does the work of one command. conn is nil for commands that
// never touch the database.
type loaderFunc func(ctx context.Context, conn *oria.Conn) (metrics.Counts, error)

// run wraps fn with the run id, logger, trace span and connection, then
// prints the summary line and pushes metrics.
func (o *globalOptions) run(cmd *cobra.Command, loader string, needDB bool, fn loaderFunc) error {
	conf := configuration.Use()
	if o.logfile != "" {
		if err := conf.SetLogFile(o.logfile); err != nil {
			return withCode(exitUsage, errors.Wrap(err, "open log file"))
		}
	}
	logger := conf.Logger()
	if o.debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	runID := uuid.New()
	log := logger.WithFields(logrus.Fields{"run_id": runID.String(), "command": cmd.CommandPath()})

	ctx := logging.WithLogger(cmd.Context(), log)
	ctx = composables.WithRunID(ctx, runID)
	if conf.OpenTelemetry.Enabled {
		shutdown := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL)
		defer shutdown()
	}
	ctx, span := tracer.Start(ctx, cmd.CommandPath(), trace.WithAttributes(attribute.String("run_id", runID.String())))
	defer span.End()

	var conn *oria.Conn
	if needDB {
		var err error
		if conn, err = o.open(ctx, conf, log); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		defer func() {
			if err := conn.Close(); err != nil {
				log.WithError(err).Warn("close database")
			}
		}()
	}

	start := time.Now()
	counts, err := fn(ctx, conn)
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: read=%d written=%d skipped=%d failed=%d\n",
		loader, counts.Read, counts.Written, counts.Skipped, counts.Failed)
	log.WithField("duration", time.Since(start).Round(time.Millisecond).String()).Debug("command finished")

	if pushErr := metrics.Push(ctx, conf.Prometheus.PushgatewayURL, conf.Prometheus.Job, runID.String()); pushErr != nil {
		log.WithError(pushErr).Warn("could not push metrics")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return classify(err)
}

func (o *globalOptions) mode() oria.Mode {
	switch {
	case o.offline:
		return oria.Offline
	case o.test:
		return oria.Test
	default:
		return oria.Live
	}
}

func (o *globalOptions) open(ctx context.Context, conf *configuration.Configuration, log *logrus.Entry) (*oria.Conn, error) {
	db := conf.Database
	if o.Host != "" {
		db.Host = o.Host
	}
	if o.Port != "" {
		db.Port = o.Port
	}
	if o.Driver != "" {
		db.Driver = o.Driver
	}
	name, err := db.DatabaseName(o.DB)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	conn, err := oria.Open(ctx, oria.Options{
		Driver: db.Driver,
		DSN:    db.ConnectionString(name),
		Mode:   o.mode(),
		Debug:  o.debug,
		Logger: log,
	})
	if err != nil {
		return nil, withCode(exitDB, err)
	}
	log.WithFields(logrus.Fields{"database": name, "host": db.Host}).Debug("connected")
	return conn, nil
}

func openInput(path string) (tabular.Rows, error) {
	rows, err := tabular.Open(path)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	return rows, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// createOutput opens path for writing; an empty path or "-" is stdout.
func createOutput(cmd *cobra.Command, path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{cmd.OutOrStdout()}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, withCode(exitUsage, errors.Wrap(err, "create output"))
	}
	return f, nil
}

// readSecret prompts on stderr and reads without echo from a terminal, or
// reads one line when stdin is not a terminal.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", withCode(exitUsage, errors.Wrap(err, "read secret"))
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", withCode(exitUsage, errors.Wrap(err, "read secret"))
	}
	return string(b), nil
}
