package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/telemetry/tracing"
	"github.com/goclaw/sagaflow/pkg/version"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	watchConfig = flag.Bool("watch", false, "Reload hot-reloadable settings when the config file changes")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName     = flag.String("app-name", "", "Override app name")
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage type (memory, badger, redis, mysql, postgres)")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	loader := config.NewLoader()
	overrides := buildOverrides()
	cfg, err := loader.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg, *debugMode)
	logger.SetGlobal(log)

	if err := run(cfg, log, loader); err != nil {
		log.Error("sagad exited with error", "error", err)
		_ = log.Close()
		os.Exit(1)
	}
	_ = log.Close()
}

func run(cfg *config.Config, log logger.Logger, loader *config.Loader) error {
	build := version.Get()
	log.Info("Starting sagad",
		"version", build.Version,
		"git_commit", build.Short(),
		"build_time", build.BuildTime,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, build.Version,
		tracing.WithEnvironment(cfg.App.Environment),
		tracing.WithInstanceID(cfg.EventBus.NodeID),
		tracing.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	serverErrChan, err := a.start(ctx)
	if err != nil {
		_ = a.shutdown(context.Background())
		return err
	}

	if *watchConfig && *configPath != "" {
		stopWatch := watch(ctx, a, loader, *configPath)
		defer stopWatch()
	}

	log.Info("sagad is running",
		"http_port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"metrics", cfg.Metrics.Enabled,
	)
	log.Info("Press Ctrl+C to stop")

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErrChan:
		log.Error("HTTP server error", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("sagad stopped gracefully")
	return runErr
}

// watch follows the config file and applies hot-reloadable changes until the
// returned stop function is called.
func watch(ctx context.Context, a *app, loader *config.Loader, path string) func() {
	w, err := config.NewWatcher(path, loader, config.WithWatcherLogger(a.log))
	if err != nil {
		a.log.Warn("Config watching disabled", "error", err)
		return func() {}
	}

	// callbacks run sequentially on the watch goroutine
	current := config.ExtractHotReloadable(a.cfg)
	w.OnChange(func(cfg *config.Config) {
		next := config.ExtractHotReloadable(cfg)
		a.applyHotReload(current, next)
		current = next
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("Config watcher stopped", "error", err)
		}
	}()

	return func() {
		_ = w.Stop()
		<-done
	}
}

func newLogger(cfg *config.Config, debug bool) logger.Logger {
	logCfg := &logger.Config{
		Level:   logger.ParseLevel(cfg.Log.Level),
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: cfg.App.Name,
	}
	if cfg.App.Debug || debug {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("sagad %s\n", version.Get())
}

func printHelp() {
	fmt.Printf("sagad - Saga orchestration with compensation, recovery and lifecycle events\n\n")
	fmt.Printf("Usage: sagad [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagad                                     # Run with default config\n")
	fmt.Printf("  sagad -config config.yaml -watch          # Use a config file and follow its changes\n")
	fmt.Printf("  sagad -port 9090 -storage badger          # Override specific options\n")
	fmt.Printf("  sagad -version                            # Print version info\n")
}
