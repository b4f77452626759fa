package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/screen"
	"github.com/zjrosen/claudeman/internal/server"
	"github.com/zjrosen/claudeman/internal/session"
	"github.com/zjrosen/claudeman/internal/stats"
	"github.com/zjrosen/claudeman/internal/stream"
	"github.com/zjrosen/claudeman/internal/tracing"
)

const trackerPersistInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor daemon",
	Long: `Run the supervisor: restore the session registry, reconcile it against
live screen windows, and serve the HTTP API.

Sessions outlive the daemon. On shutdown, windows are left running; the
next serve re-adopts them.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logPath, err := cfg.LogPathOrDefault()
	if err != nil {
		return err
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.Info(log.CatConfig, "claudeman starting", "version", version, "listen", cfg.ListenAddr)

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	screens := screen.New(cfg.ScreenBinary, cfg.WindowPrefix)
	if !screens.Available() {
		log.Warn(log.CatScreen, "screen binary not found; session creation will fail", "binary", cfg.ScreenBinary)
	}
	dispatcher := stream.NewDispatcher(cfg.Limits.SubscriberQueue)
	sup := session.NewSupervisor(cfg, screens, dispatcher)

	if err := sup.Restore(); err != nil {
		log.Warn(log.CatSession, "registry restore failed, starting empty", "error", err)
	}
	if err := sup.Reconcile(); err != nil {
		log.Warn(log.CatSession, "startup reconcile failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := stats.New(sup.PIDSource, cfg.Timing.StatsInterval)
	sup.AttachStats(ctx, sampler)
	log.SafeGo("stats-sampler", func() { sampler.Start(ctx) })

	log.SafeGo("tracker-persist", func() {
		ticker := time.NewTicker(trackerPersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sup.PersistTrackerState()
			}
		}
	})

	srv := server.New(cfg, sup, screens, dispatcher, provider)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("claudeman daemon listening on %s\n", cfg.ListenAddr)
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(log.CatServer, "http shutdown", "error", err)
	}
	sup.PersistTrackerState()
	// Close stops runtimes but leaves windows alive for the next serve.
	sup.Close()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Error(log.CatServer, "tracing shutdown", "error", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}
