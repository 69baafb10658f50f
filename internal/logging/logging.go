// Package logging configures the worker's structured, leveled logger: a
// logrus.Logger writing the same JSON lines to stderr and, when a path is
// set, to a rotating lumberjack-backed file.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating human log.
type Options struct {
	Path        string
	MaxSizeMB   int
	MaxAgeDays  int
	Verbose     bool
}

// New builds a logrus.Logger that writes structured entries to both the
// rotating log file and stderr.
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var writers []io.Writer
	writers = append(writers, os.Stderr)

	if opts.Path != "" {
		_ = os.MkdirAll(filepath.Dir(opts.Path), 0755)
		writers = append(writers, &lumberjack.Logger{
			Filename: opts.Path,
			MaxSize:  maxOr(opts.MaxSizeMB, 10),
			MaxAge:   opts.MaxAgeDays,
			Compress: false,
		})
	}

	log.SetOutput(io.MultiWriter(writers...))
	return log
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
