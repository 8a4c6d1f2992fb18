package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/ocrserve/internal/codec"
	"github.com/andresmejia3/ocrserve/internal/logging"
	"github.com/andresmejia3/ocrserve/internal/recognizer"
	"github.com/andresmejia3/ocrserve/internal/recognizer/tesseract"
	"github.com/andresmejia3/ocrserve/internal/server"
	"github.com/andresmejia3/ocrserve/internal/utils"
	"github.com/andresmejia3/ocrserve/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
)

const megabyte = 1024 * 1024

const shutdownTimeout = 10 * time.Second

// ServeOptions holds the serve command configuration.
type ServeOptions struct {
	Host    string
	Port    int
	Backlog int

	Engine        string
	NumEngines    int
	WorkerCmd     string
	WorkerTimeout string
	Languages     string
	MaxMessageMB  int

	LogLevel       string
	AccessLogLevel string
	LogPrefix      string
	LogStderr      string
	LogStdout      string
	Name           string
}

// serveConfig is ServeOptions after validation.
type serveConfig struct {
	addr          string
	backlog       int
	engine        string
	engines       int
	workerCmd     []string
	workerTimeout time.Duration
	languages     []string
	maxMessage    int64
	logging       logging.Options
}

var serveOpts ServeOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve POST /single and WS /streaming",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.Host, "host", "0.0.0.0", "Interface to bind")
	serveCmd.Flags().IntVarP(&serveOpts.Port, "port", "p", defaultPort(os.Getenv), "TCP port (overrides PORT)")
	serveCmd.Flags().IntVarP(&serveOpts.Backlog, "backlog", "B", 10, "Maximum connections accepted at once; the rest wait in the kernel queue")
	serveCmd.Flags().StringVar(&serveOpts.Engine, "engine", "python", "Recognizer backend: python or tesseract")
	serveCmd.Flags().IntVarP(&serveOpts.NumEngines, "engines", "e", 1, "Number of python worker processes")
	serveCmd.Flags().StringVar(&serveOpts.WorkerCmd, "worker-cmd", "python3 -u python/recognizer.py", "Command that starts one python worker")
	serveCmd.Flags().StringVar(&serveOpts.WorkerTimeout, "worker-timeout", "60s", "Longest wait for one python worker reply")
	serveCmd.Flags().StringVar(&serveOpts.Languages, "lang", "eng", "Comma separated tesseract languages")
	serveCmd.Flags().IntVar(&serveOpts.MaxMessageMB, "max-message", 64, "Largest request body or stream message, in MiB")

	levels := strings.Join(logging.Levels, "|")
	serveCmd.Flags().StringVarP(&serveOpts.LogLevel, "log-level", "l", "INFO", "Log level ("+levels+")")
	serveCmd.Flags().StringVarP(&serveOpts.AccessLogLevel, "access-log-level", "a", "", "Access log level (default: --log-level)")
	serveCmd.Flags().StringVarP(&serveOpts.LogPrefix, "log-prefix", "L", "", "Directory for rotating log files (default: stderr only)")
	serveCmd.Flags().StringVar(&serveOpts.LogStderr, "log-stderr", "ERROR", "Lowest level mirrored to stderr when logging to files")
	serveCmd.Flags().StringVar(&serveOpts.LogStdout, "log-stdout", "INFO", "Lowest level mirrored to stdout when logging to files; --log-stderr and above go to stderr instead")
	serveCmd.Flags().StringVarP(&serveOpts.Name, "name", "n", "server", "Log file name")

	rootCmd.AddCommand(serveCmd)
}

// defaultPort honours PORT, falling back to 80.
func defaultPort(getenv func(string) string) int {
	if p, err := strconv.Atoi(getenv("PORT")); err == nil && p > 0 {
		return p
	}
	return 80
}

// validateServeFlags ensures all CLI arguments are valid before starting heavy processes.
func validateServeFlags(opts ServeOptions) (serveConfig, error) {
	var cfg serveConfig
	if opts.Port < 1 || opts.Port > 65535 {
		return cfg, fmt.Errorf("invalid port: must be between 1 and 65535, got %d", opts.Port)
	}
	if opts.Backlog < 1 {
		return cfg, fmt.Errorf("invalid backlog: must be >= 1, got %d", opts.Backlog)
	}
	if opts.MaxMessageMB < 1 {
		return cfg, fmt.Errorf("invalid max-message: must be >= 1, got %d", opts.MaxMessageMB)
	}
	cfg.addr = net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	cfg.backlog = opts.Backlog
	cfg.maxMessage = int64(opts.MaxMessageMB) * megabyte

	cfg.engine = strings.ToLower(opts.Engine)
	switch cfg.engine {
	case "python":
		cfg.engines = max(opts.NumEngines, 1)
		cfg.workerCmd = strings.Fields(opts.WorkerCmd)
		if len(cfg.workerCmd) == 0 {
			return cfg, errors.New("invalid worker-cmd: empty command")
		}
		d, err := time.ParseDuration(opts.WorkerTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid worker-timeout format (use '60s', '500ms'): %w", err)
		}
		cfg.workerTimeout = d
	case "tesseract":
		for _, l := range strings.Split(opts.Languages, ",") {
			if l = strings.TrimSpace(l); l != "" {
				cfg.languages = append(cfg.languages, l)
			}
		}
		if len(cfg.languages) == 0 {
			return cfg, errors.New("invalid lang: no tesseract language given")
		}
	default:
		return cfg, fmt.Errorf("invalid engine %q: want python or tesseract", opts.Engine)
	}

	var err error
	lo := logging.Options{Prefix: opts.LogPrefix, Name: opts.Name, RotateEvery: logging.Week}
	if lo.Level, err = logging.ParseLevel(opts.LogLevel); err != nil {
		return cfg, err
	}
	lo.AccessLevel = lo.Level
	if opts.AccessLogLevel != "" {
		if lo.AccessLevel, err = logging.ParseLevel(opts.AccessLogLevel); err != nil {
			return cfg, err
		}
	}
	if lo.StderrLevel, err = logging.ParseLevel(opts.LogStderr); err != nil {
		return cfg, err
	}
	if lo.StdoutLevel, err = logging.ParseLevel(opts.LogStdout); err != nil {
		return cfg, err
	}
	if lo.Name == "" {
		return cfg, errors.New("invalid name: must not be empty")
	}
	cfg.logging = lo
	return cfg, nil
}

// runServe wires the recognizer, the journal and the HTTP server, then
// serves until ctx is cancelled.
func runServe(ctx context.Context, opts ServeOptions) error {
	cfg, err := validateServeFlags(opts)
	if err != nil {
		utils.ShowError("Invalid serve flags", err, nil)
		return err
	}

	logs, err := logging.New(cfg.logging)
	if err != nil {
		utils.ShowError("Failed to open log files", err, nil)
		return err
	}
	defer logs.Close()
	log := logs.App

	rec, closeRec, err := startRecognizer(ctx, cfg, log)
	if err != nil {
		utils.ShowError("Recognizer startup failed", err, nil)
		return err
	}
	defer closeRec()

	srvCfg := server.Config{
		Codec:        codec.New(),
		Recognizer:   rec,
		Logger:       log,
		AccessLogger: logs.Access,
		MaxMessage:   cfg.maxMessage,
	}
	if DB != nil {
		srvCfg.Journal = DB
	} else {
		log.Info("no journal database configured; recognitions are not recorded")
	}
	srv := server.New(srvCfg)

	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		utils.ShowError("Failed to listen", err, nil)
		return err
	}
	ln = netutil.LimitListener(ln, cfg.backlog)

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()
	fmt.Fprintf(os.Stderr, "🚀 Listening on %s (engine: %s)\n", cfg.addr, cfg.engine)
	log.Info("listening", "addr", cfg.addr, "engine", cfg.engine, "backlog", cfg.backlog)

	select {
	case err := <-serveErr:
		utils.ShowError("Server stopped", err, nil)
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = errors.Join(httpServer.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
	if err != nil {
		log.Warn("unclean shutdown", "error", err)
	}
	log.Info("stopped")
	return nil
}

// startRecognizer builds the configured backend. The returned func releases it.
func startRecognizer(ctx context.Context, cfg serveConfig, log *slog.Logger) (recognizer.Recognizer, func(), error) {
	if cfg.engine == "tesseract" {
		fmt.Fprintf(os.Stderr, "⚙️  Using tesseract (%s)\n", strings.Join(cfg.languages, "+"))
		return tesseract.New(cfg.languages...), func() {}, nil
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.engines)
	bar := progressbar.NewOptions(cfg.engines,
		progressbar.OptionSetDescription("🐍 Starting workers"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	spawn := worker.Spawner(worker.Config{Command: cfg.workerCmd, ReadTimeout: cfg.workerTimeout})
	// Workers must outlive the signal context so in-flight frames finish during shutdown.
	pool, err := worker.NewPool(context.WithoutCancel(ctx), cfg.engines, spawn, log, func() { bar.Add(1) })
	if err != nil {
		return nil, nil, err
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	return pool, pool.Close, nil
}
