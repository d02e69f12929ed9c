// Package main implements the offline_sync binary: a durable mutation queue
// replayed against a REST backend whenever connectivity allows.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/api"
	"github.com/cmw1990/offline_sync/internal/config"
	"github.com/cmw1990/offline_sync/internal/log"
	"github.com/cmw1990/offline_sync/internal/netmon"
	"github.com/cmw1990/offline_sync/internal/store"
	syncengine "github.com/cmw1990/offline_sync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	StoreDSN   string `short:"s" env:"OFFLINE_SYNC_STORE_DSN" long:"store-dsn" description:"Durable store: sqlite://path, postgres://..., etcd://... or memory://" default:"sqlite://offline_sync.db"`
	ProbeURL   string `short:"u" env:"OFFLINE_SYNC_PROBE_URL" long:"probe-url" description:"URL probed with HEAD to detect connectivity"`
	ConfigFile string `short:"c" env:"OFFLINE_SYNC_CONFIG" long:"config" description:"YAML file with sync tunables and table merge policies"`
	ListenAddr string `env:"OFFLINE_SYNC_LISTEN" long:"listen" description:"Control API listen address" default:"127.0.0.1:8080"`
	LogLevel   string `short:"l" env:"OFFLINE_SYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	Once       bool   `long:"once" description:"Run a single sync session and exit"`
	Purge      bool   `long:"purge" description:"Remove expired queue items and cache entries and exit"`
	Version    bool   `short:"v" long:"version" description:"Show version information"`
	Help       bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	if cmdOpts.Once && cmdOpts.Purge {
		return cmdOpts, errors.New("--once and --purge are mutually exclusive")
	}
	if cmdOpts.ProbeURL == "" && !cmdOpts.Purge && !cmdOpts.Version {
		return cmdOpts, errors.New("--probe-url is required")
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("offline_sync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("offline_sync logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// run wires the store, monitor, engine and API and blocks until ctx is done
// or the one-shot mode finished.
func run(ctx context.Context, cfg *Config) error {
	settings, err := config.Load(cfg.ConfigFile)
	if err != nil {
		return err
	}

	s, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	monitor := netmon.New(netmon.NewHTTPProber(cfg.ProbeURL), netmon.Config{
		Stabilization: settings.Sync.StabilizationDelay,
		ProbeInterval: settings.Sync.ProbeInterval,
	})

	if cfg.Once || cfg.Purge {
		settings.Sync.Manual = true
	}
	engine, err := syncengine.New(syncengine.Options{
		Store:    s,
		Monitor:  monitor,
		Resolver: settings.Resolver(),
		Config:   settings.Sync,
	})
	if err != nil {
		return err
	}

	if cfg.Purge {
		if err := engine.Init(ctx); err != nil {
			return err
		}
		defer engine.Dispose()
		res, err := engine.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"queue": res.Queue, "cache": res.Cache}).Info("Purge completed")
		return nil
	}

	if cfg.ProbeURL != "" {
		monitor.Start(ctx)
		defer monitor.Stop()
	}
	if err := engine.Init(ctx); err != nil {
		return err
	}
	defer engine.Dispose()

	if cfg.Once {
		ok := engine.SyncNow(ctx, func(total, completed int) {
			logrus.WithFields(logrus.Fields{"total": total, "completed": completed}).Info("Sync progress")
		})
		st, err := engine.Status(ctx)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"success": ok,
			"pending": st.Pending,
			"failed":  st.Failed,
		}).Info("Sync finished")
		if !ok {
			return errors.New("sync did not complete")
		}
		return nil
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewHandler(engine).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("Control API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control API failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	opts, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(opts.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	if err := run(ctx, opts); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("offline_sync failed")
	}

	logrus.Info("Graceful shutdown completed")
}
