// Package logging builds the process loggers from CLI level names.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelCritical sits above slog.LevelError.
const LevelCritical = slog.LevelError + 4

// Levels lists the accepted level names, lowest first.
var Levels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want one of %s)", name, strings.Join(Levels, ", "))
	}
}

// Options selects levels and destinations.
type Options struct {
	Level       slog.Level
	AccessLevel slog.Level
	// StderrLevel mirrors records at or above it to stderr when logging to files.
	StderrLevel slog.Level
	// StdoutLevel mirrors records from it up to StderrLevel to stdout when
	// logging to files.
	StdoutLevel slog.Level
	// RotateEvery starts a fresh file on that interval. Zero never rotates
	// on time.
	RotateEvery time.Duration
	// Prefix is the log directory. Empty logs to stderr only.
	Prefix string
	Name   string
}

// Week is the rotation interval of the serve command.
const Week = 7 * 24 * time.Hour

// Loggers holds the application and access loggers plus the files behind them.
type Loggers struct {
	App    *slog.Logger
	Access *slog.Logger
	files  []io.Closer
	stop   func()
}

// Close stops rotation and closes any log files.
func (l *Loggers) Close() error {
	if l.stop != nil {
		l.stop()
	}
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// New builds loggers according to opts.
func New(opts Options) (*Loggers, error) {
	if opts.Prefix == "" {
		return &Loggers{
			App:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level})).With("logger", opts.Name),
			Access: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.AccessLevel})).With("logger", "access"),
		}, nil
	}

	if err := os.MkdirAll(opts.Prefix, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	appFile := rotating(filepath.Join(opts.Prefix, opts.Name+".log"))
	accessFile := rotating(filepath.Join(opts.Prefix, "access."+opts.Name+".log"))

	app := fanout{
		slog.NewTextHandler(appFile, &slog.HandlerOptions{Level: opts.Level}),
		below{
			Handler: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: max(opts.Level, opts.StdoutLevel)}),
			limit:   opts.StderrLevel,
		},
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: max(opts.Level, opts.StderrLevel)}),
	}
	l := &Loggers{
		App:    slog.New(app).With("logger", opts.Name),
		Access: slog.New(slog.NewTextHandler(accessFile, &slog.HandlerOptions{Level: opts.AccessLevel})),
		files:  []io.Closer{appFile, accessFile},
	}
	if opts.RotateEvery > 0 {
		t := time.NewTicker(opts.RotateEvery)
		stop := rotateOn(t.C, appFile, accessFile)
		l.stop = func() {
			t.Stop()
			stop()
		}
	}
	return l, nil
}

// rotating keeps the current file and a single backup. lumberjack only
// rotates by size on its own, so time based rotation comes from rotateOn.
func rotating(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxBackups: 1,
		LocalTime:  true,
	}
}

// rotateOn rotates every file each time tick fires. The returned func stops
// the loop and waits for an in-progress rotation to finish.
func rotateOn(tick <-chan time.Time, files ...*lumberjack.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-tick:
				for _, f := range files {
					if err := f.Rotate(); err != nil {
						fmt.Fprintf(os.Stderr, "log rotation failed for %s: %v\n", f.Filename, err)
					}
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// below drops records at or above limit, leaving them to the stderr handler.
type below struct {
	slog.Handler
	limit slog.Level
}

func (b below) Enabled(ctx context.Context, level slog.Level) bool {
	return level < b.limit && b.Handler.Enabled(ctx, level)
}

func (b below) WithAttrs(attrs []slog.Attr) slog.Handler {
	return below{b.Handler.WithAttrs(attrs), b.limit}
}

func (b below) WithGroup(name string) slog.Handler {
	return below{b.Handler.WithGroup(name), b.limit}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
