package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/percebe-mail/percebe/internal/api"
	"github.com/percebe-mail/percebe/internal/config"
	"github.com/percebe-mail/percebe/internal/delivery"
	"github.com/percebe-mail/percebe/internal/logging"
	"github.com/percebe-mail/percebe/internal/mailbox"
	"github.com/percebe-mail/percebe/internal/queue"
	"github.com/percebe-mail/percebe/internal/scheduler"
)

var (
	configDir string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "percebe",
	Short: "Automated email forwarding engine",
	Long: `P.E.R.C.E.B.E. polls IMAP mailboxes, matches unread mail against
forwarding rules, and re-emits matches over SMTP with loop prevention,
per-destination pacing, and a durable retry queue. A TCP control RPC
exposes configuration, logs, and the retry queue to admin clients.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the forwarding engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New(logging.Config{Level: logLevel, Format: logFormat, Output: "stdout"})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := config.EnsureDir(configDir); err != nil {
			return err
		}

		store, created, err := config.NewStore(filepath.Join(configDir, config.FileName))
		if err != nil {
			logger.WithError(err).Error("Configuration unusable, running on defaults")
		}
		if created {
			logger.Info("Configuration file created", "path", filepath.Join(configDir, config.FileName))
		}

		cfg := store.Snapshot()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		for _, warning := range cfg.Warnings() {
			logger.Warn("Deployment warning", "detail", warning)
		}

		retryQueue, err := queue.Open(filepath.Join(configDir, queue.FileName))
		if err != nil {
			logger.WithError(err).Error("Retry queue unreadable, starting empty")
		}

		sinks := logging.NewSinks(configDir, store.Verbose)
		sequencer := delivery.NewSequencer(retryQueue, sinks, logger)
		processor := mailbox.NewProcessor(sequencer, sinks, logger)
		engine := scheduler.New(store, sequencer, processor, logger)

		var apiSrv *api.Server
		if cfg.APIEnabled {
			apiSrv = api.NewServer(store, retryQueue, sinks, logger)
			if err := apiSrv.Start(cfg.APIPort); err != nil {
				return err
			}
		}

		logger.Info("P.E.R.C.E.B.E. started",
			"config_dir", configDir,
			"accounts", len(cfg.Cuentas),
			"interval_seconds", cfg.IntervaloRevision,
		)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		engine.Run(ctx)

		if apiSrv != nil {
			apiSrv.Stop()
		}
		logger.Info("P.E.R.C.E.B.E. stopped")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print deployment warnings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, config.FileName))
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		fmt.Printf("Configuration OK: %d account(s), interval %ds, API ", len(cfg.Cuentas), cfg.IntervaloRevision)
		if cfg.APIEnabled {
			fmt.Printf("on port %d\n", cfg.APIPort)
		} else {
			fmt.Println("disabled")
		}

		for _, warning := range cfg.Warnings() {
			fmt.Printf("warning: %s\n", warning)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("percebe v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", "./percebe_config", "configuration directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}
