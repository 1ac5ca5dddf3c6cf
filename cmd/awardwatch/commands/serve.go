package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"awardwatch-backend/lib/osutil"
	"awardwatch-backend/lib/telemetry"
	"awardwatch-backend/services/api"
	"awardwatch-backend/services/monitor"
	"awardwatch-backend/services/watches"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the watch poller and the HTTP API.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := osutil.SignalContext()

		config, err := readConfig()
		if err != nil {
			osutil.Fatal("failed to read config", err)
		}

		t, err := telemetry.SetupFromEnv(ctx, "awardwatch")
		if os.IsNotExist(err) {
			slog.Warn("no telemetry.json5 found, exporters disabled")
		} else if err != nil {
			osutil.Fatal("failed to setup telemetry", err)
		} else {
			defer t.Shutdown(context.Background())
			telemetry.InstrumentPerfStats(ctx)
		}

		db, err := openDatabase(config.DatabaseFile)
		if err != nil {
			osutil.Fatal("failed to open database", err)
		}
		defer db.Close()

		keys, err := openKeychain(config)
		if err != nil {
			osutil.Fatal("failed to initialize keychain", err)
		}

		browsers, registry := newRegistry(config)
		defer browsers.Shutdown()

		store := watches.NewService(db)

		daemon, err := monitor.NewDaemon(
			store,
			func(profileKey string) monitor.Searcher { return registry.Client(profileKey) },
			keys,
			monitor.NewSmtpSender(config.Smtp),
			monitor.Options{
				PollInterval:      config.pollInterval(),
				CacheMaxAge:       config.cacheMaxAge(),
				SearchesPerMinute: config.SearchesPerMinute,
			},
		)
		if err != nil {
			osutil.Fatal("failed to create poll daemon", err)
		}
		daemon.Start(ctx)

		service := api.NewService(
			store,
			func(profileKey string) api.Searcher { return registry.Client(profileKey) },
			keys,
			api.Options{},
		)

		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.Recover())
		e.Use(middleware.RequestID())
		service.Register(e)

		go func() {
			slog.Info("serving http api", "port", config.Port)
			err := e.Start(fmt.Sprintf(":%d", config.Port))
			if err != nil && err != http.ErrServerClosed {
				osutil.Fatal("http server failed", err)
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = e.Shutdown(shutdownCtx)
		if err != nil {
			slog.Warn("http shutdown failed", "err", err)
		}
	},
}
