package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/pkg/constants"
)

func ConsoleLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return logger
}

// FileLogger appends JSON lines to path and mirrors them to stderr. The
// caller owns the returned file.
func FileLogger(level logrus.Level, path string) (*os.File, *logrus.Logger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	logger := logrus.New()
	logger.SetOutput(io.MultiWriter(f, os.Stderr))
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return f, logger, nil
}

func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, constants.LoggerKey, logger)
}

// FromContext never returns nil; a context without a logger gets the
// standard logrus logger.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		switch typed := ctx.Value(constants.LoggerKey).(type) {
		case *logrus.Entry:
			return typed
		case *logrus.Logger:
			return logrus.NewEntry(typed)
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
