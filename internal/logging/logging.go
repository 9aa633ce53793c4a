// Package logging builds the logrus loggers of the modem manager binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is one of DEBUG, INFO, WARNING or ERROR (default: INFO)
	Level string
	// File is the rotated log file; empty disables file logging
	File string
	// MaxSizeMB is the size at which the file is rotated (default: 10)
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int
	// Console receives every entry as well (default: os.Stdout)
	Console io.Writer
}

// Logging owns the root logger and its log file.
type Logging struct {
	logger *logrus.Logger
	file   *lumberjack.Logger
}

// New creates a logger writing to the console and, if configured, to a rotating file.
func New(opts Options) (*Logging, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "01-02 15:04:05.000"})
	logger.AddHook(&writerHook{Writer: opts.Console, LogLevels: availableLevels(level)})

	l := &Logging{logger: logger}
	if opts.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB, // megabytes
			MaxBackups: opts.MaxBackups,
		}
		logger.AddHook(&writerHook{Writer: l.file, LogLevels: availableLevels(level)})
	}
	return l, nil
}

// Logger returns the root logger.
func (l *Logging) Logger() *logrus.Logger {
	return l.logger
}

// Entry returns a logger for one subsystem.
func (l *Logging) Entry(name string) *logrus.Entry {
	return l.logger.WithField("name", name)
}

// Close flushes and closes the log file.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel maps the level names used in the device configuration to logrus levels.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return logrus.InfoLevel, nil
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "WARNING", "WARN":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	}
	return logrus.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}
