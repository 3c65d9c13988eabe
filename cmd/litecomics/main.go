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

	"litecomics/internal/litecomics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "none"
	Timestamp = "unknown"
)

var (
	flagConfigFile string
	flagPort       int
	flagRoots      []string
	flagVerbose    bool
	flagDebug      bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "litecomics",
		Short: "Serve comic archives and media over HTTP",
		Long: `litecomics serves one or more directory trees over HTTP. Zip, rar and 7z
archives are exposed as page lists with cached thumbnails; video and audio
files are streamed with byte range support.

Configuration is read from a JSON or YAML file, then LITECOMICS_* environment
variables, then command line flags.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfigFile, "config", "c", "", "Config file (default: $LITECOMICS_CONFIG, ./config.json or the user config dir)")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "Listen port (overrides config)")
	rootCmd.Flags().StringArrayVarP(&flagRoots, "root", "r", nil, "Root directory to serve, repeatable (replaces configured roots)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose logging (log successful HTTP requests)")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Long:  `Print version info`,
		Example: `  litecomics version
  litecomics version --help`,
	}

	command.RunE = func(cmd *cobra.Command, args []string) error {
		fmt.Printf("litecomics version: %s commit: %s built at: %s\n", Version, GitCommit, Timestamp)
		return nil
	}

	return command
}

func serve(cmd *cobra.Command) error {
	configPath := flagConfigFile
	if configPath == "" {
		configPath = litecomics.DefaultConfigPath()
	}
	cfg, err := litecomics.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("port") {
		if flagPort <= 0 || flagPort > 65535 {
			return fmt.Errorf("--port must be in 1..65535")
		}
		cfg.Port = flagPort
	}
	if len(flagRoots) > 0 {
		cfg.Roots = make([]litecomics.RootConfig, 0, len(flagRoots))
		for _, p := range flagRoots {
			cfg.Roots = append(cfg.Roots, litecomics.NewRootConfig(p))
		}
	}

	logger, logCloser := litecomics.NewLogger(litecomics.LoggerOptions{
		Verbose:    flagVerbose,
		Debug:      flagDebug,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer func() { _ = logCloser.Close() }()

	logger.Debug("configuration loaded", "config", configPath, "port", cfg.Port, "roots", len(cfg.Roots))

	reg := prometheus.NewRegistry()
	app, err := litecomics.NewApp(cfg, logger, reg)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return err
	}
	defer app.Close()
	app.Server.SetVerbose(flagVerbose)

	httpServer := app.HTTPServer(cfg)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}
	}()

	if cfg.TLS.Enabled() {
		logger.Info("Starting litecomics", "addr", httpServer.Addr, "tls", true, "version", Version)
		err = httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		logger.Info("Starting litecomics", "addr", httpServer.Addr, "tls", false, "version", Version)
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}
