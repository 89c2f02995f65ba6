// Package logging builds the logrus logger shared by all components.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/config"
)

// TimestampFormat is used by both formatters.
const TimestampFormat = "2006-01-02 15:04:05"

// New returns a logger configured by cfg. An unknown level falls back to
// info; a log file that cannot be opened falls back to stdout with a warning.
// The returned closer releases the log file, if any.
func New(cfg config.LogConfig) (*logrus.Logger, io.Closer) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: TimestampFormat,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: TimestampFormat,
		})
	}

	log.SetOutput(os.Stdout)
	var closer io.Closer = nopCloser{}
	switch {
	case cfg.Output == "file" && cfg.FilePath != "":
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err == nil {
			log.SetOutput(file)
			closer = file
		} else {
			log.Warnf("open log file: %v, using stdout", err)
		}
	case cfg.Output == "stderr":
		log.SetOutput(os.Stderr)
	}

	return log, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
