// Command leaderd serves the leader HTTP API (experiments, workers, profiles,
// logs) and hosts the MQTT to SQLite streamer.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/httpserver"
	"github.com/pioreactor/pioreactor-go/internal/adapter/observability"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/jobsdb"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/leaderdb"
	"github.com/pioreactor/pioreactor-go/internal/app"
	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/streamer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	var b domain.Bus
	if cfg.IsTest() {
		b = bus.NewBroker().Connect()
	} else {
		client, err := bus.NewMQTTClient(cfg.BrokerURL, "leaderd-"+cfg.UnitName)
		if err != nil {
			slog.Error("broker connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		b = client
	}
	defer b.Close()

	slog.SetDefault(slog.New(observability.NewBusHandler(logger.Handler(), b, cfg.UnitName, cfg.Experiment)))

	store, err := leaderdb.Open(filepath.Join(cfg.StorageDir(), "leader.sqlite"))
	if err != nil {
		slog.Error("leader db open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// The leader also keeps a local job registry so kill-by-source can act
	// without fanning out when jobs run in-process.
	registry, err := jobsdb.Open(filepath.Join(cfg.StorageDir(), "jobs.sqlite"))
	if err != nil {
		slog.Error("job registry open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = registry.Close() }()

	ts, err := streamer.New(filepath.Join(cfg.StorageDir(), "timeseries.sqlite"), b, slog.Default())
	if err != nil {
		slog.Error("streamer open failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := ts.Start(); err != nil {
		slog.Error("streamer start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = ts.Close() }()

	srv := httpserver.NewLeaderServer(cfg, store, b, registry, slog.Default())
	handler := app.BuildRouter(cfg, srv.Router(), slog.Default())

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.LeaderAPIPort),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		close(stop)
	}()

	slog.Info("leader api starting", slog.Int("port", cfg.LeaderAPIPort))
	if err := app.Serve(srvHTTP, cfg.ServerShutdownTimeout, stop, slog.Default()); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}
