package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	File  string
	Debug bool
}

// Setup configures the standard logrus logger. Console output is text; the
// optional file output is JSON with size-based rotation.
func Setup(opts Options) error {
	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", opts.Level)
	}
	if opts.Debug {
		level = log.DebugLevel
	}

	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return errors.Wrap(err, "failed to create log directory")
		}
		log.AddHook(&fileHook{
			writer: &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    10,
				MaxBackups: 5,
				MaxAge:     7,
				Compress:   true,
			},
			formatter: &log.JSONFormatter{},
		})
	}

	log.Debug("Logging configured")
	return nil
}

// Component returns an entry tagged with the component name.
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}

// Discard returns an entry that writes nowhere, for tests.
func Discard() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

type fileHook struct {
	writer    io.Writer
	formatter log.Formatter
}

func (h *fileHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *fileHook) Fire(entry *log.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
