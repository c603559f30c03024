// Package obslog provides the structured logging used across every
// Deep-Memory subsystem: a stream-splitting logrus setup wrapped in a
// constructor so tests can spin up independent servers with independent
// loggers instead of sharing one global logger.
package obslog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// outputSplitter routes error-level log lines to stderr and everything
// else to stdout.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Options configures a logger built by New.
type Options struct {
	JSON  bool
	Level logrus.Level
}

// New builds a logrus.Logger preconfigured with the stream splitter.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(outputSplitter{})
	l.SetLevel(opts.Level)
	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Default returns a text-formatted, info-level logger suitable for local
// development; production wiring in cmd/deepmemory-server picks JSON.
func Default() *logrus.Logger {
	return New(Options{JSON: false, Level: logrus.InfoLevel})
}
