// Package logger builds the process *slog.Logger from configuration. Every
// component receives the logger by injection.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"caepi/internal/platform/config"
)

// New returns a logger fanning out to the console and to the optional file
// and Kafka sinks. The closer releases the file and flushes Kafka.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	return build(cfg, os.Stderr, nil)
}

func build(cfg config.LoggingConfig, console io.Writer, producer Producer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var (
		sinks   []slog.Handler
		closers multiCloser
	)
	if strings.EqualFold(cfg.Format, "json") {
		sinks = append(sinks, slog.NewJSONHandler(console, opts))
	} else {
		sinks = append(sinks, slog.NewTextHandler(console, opts))
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		sinks = append(sinks, slog.NewJSONHandler(f, opts))
		closers = append(closers, f)
	}

	if len(cfg.KafkaBrokers) > 0 {
		if producer == nil {
			client, err := newKafkaClient(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				_ = closers.Close()
				return nil, nil, fmt.Errorf("create kafka log client: %w", err)
			}
			producer = client
		}
		w := NewKafkaWriter(producer, cfg.KafkaTopic, nil)
		sinks = append(sinks, slog.NewJSONHandler(w, opts))
		closers = append(closers, w)
	}

	return slog.New(NewFanoutHandler(sinks...)), closers, nil
}

// ParseLevel accepts debug, info, warn/warning, error and critical.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

type multiCloser []io.Closer

func (c multiCloser) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
