package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/balance-guardian/internal/server"
	"github.com/ogulcanaydogan/balance-guardian/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler and the HTTP API",
	Long: `Run fires the sweep timer and the daily check timer until interrupted.
When the server is enabled it also serves status, alert history and manual
balance input over HTTP.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
	runCmd.Flags().Bool("no-server", false, "Do not start the HTTP API")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if noServer, _ := cmd.Flags().GetBool("no-server"); noServer {
		cfg.Server.Enabled = false
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	g, err := initGuardian(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer g.Close()
	logger := g.logger

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	timers, err := scheduler.NewTimers(ctx, g.driver, scheduler.TimerConfig{
		SweepInterval: cfg.Schedule.SweepInterval,
		DailyAt:       cfg.Schedule.DailyCheckTime,
		Location:      loc,
		RunOnStart:    cfg.Schedule.RunOnStart,
	}, logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	logger.Info("services registered",
		"total", g.registry.Len(),
		"api", len(g.registry.API()),
		"manual", len(g.registry.Manual()),
	)
	timers.Start()

	errCh := make(chan error, 1)
	var srv *http.Server
	if cfg.Server.Enabled {
		apiServer := server.NewServer(g.registry, g.tracker, g.driver, g.store, logger)

		readTimeout, _ := time.ParseDuration(cfg.Server.ReadTimeout)
		if readTimeout == 0 {
			readTimeout = 30 * time.Second
		}
		writeTimeout, _ := time.ParseDuration(cfg.Server.WriteTimeout)
		if writeTimeout == 0 {
			writeTimeout = 60 * time.Second
		}

		srv = &http.Server{
			Addr:         cfg.Server.Listen,
			Handler:      apiServer.Handler(),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		}
		go func() {
			logger.Info("api server started", "listen", cfg.Server.Listen)
			errCh <- srv.ListenAndServe()
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	cancel()
	timers.Stop()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("guardian stopped")
	return runErr
}
