package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FanoutHandler forwards every record to each of its sinks. A sink that
// returns an error or panics does not prevent delivery to the others.
type FanoutHandler struct {
	sinks []slog.Handler
}

// NewFanoutHandler composes sinks. Nil sinks are ignored.
func NewFanoutHandler(sinks ...slog.Handler) *FanoutHandler {
	out := make([]slog.Handler, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &FanoutHandler{sinks: out}
}

func (f *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range f.sinks {
		if s.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for i, s := range f.sinks {
		if !s.Enabled(ctx, r.Level) {
			continue
		}
		if err := handleIsolated(ctx, s, r.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("log sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func handleIsolated(ctx context.Context, s slog.Handler, r slog.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.Handle(ctx, r)
}

func (f *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		out[i] = s.WithAttrs(attrs)
	}
	return &FanoutHandler{sinks: out}
}

func (f *FanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		out[i] = s.WithGroup(name)
	}
	return &FanoutHandler{sinks: out}
}
