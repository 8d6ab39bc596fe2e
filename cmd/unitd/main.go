// Command unitd serves a Pioreactor unit's HTTP API: job control,
// calibration sessions, estimators, tasks, clock, and versions.
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
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/kv"
	"github.com/pioreactor/pioreactor-go/internal/app"
	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/jobs/dosing"
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
		client, err := bus.NewMQTTClient(cfg.BrokerURL, "unitd-"+cfg.UnitName)
		if err != nil {
			slog.Error("broker connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		b = client
	}
	defer b.Close()

	// Mirror warnings and errors onto the logs topics.
	slog.SetDefault(slog.New(observability.NewBusHandler(logger.Handler(), b, cfg.UnitName, cfg.Experiment)))

	registry, err := jobsdb.Open(filepath.Join(cfg.StorageDir(), "jobs.sqlite"))
	if err != nil {
		slog.Error("job registry open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = registry.Close() }()

	store, err := kv.Open(filepath.Join(cfg.StorageDir(), "kv.sqlite"))
	if err != nil {
		slog.Error("kv open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	cals := calibration.NewStore(cfg.CalibrationRoot(), store)
	sessions := calibration.NewEngine(store, cals, cfg.UnitName)
	runtime := app.NewRuntime(cfg, b, registry, store, cals, slog.Default())

	throughput := &dosing.ThroughputTracker{Unit: cfg.UnitName, Bus: b, KV: store, Logger: slog.Default()}
	if err := throughput.Start(); err != nil {
		slog.Error("throughput tracker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer throughput.Stop()

	srv := httpserver.NewUnitServer(cfg, b, registry, runtime, sessions, cals, runtime.Executor(), slog.Default())
	handler := app.BuildRouter(cfg, srv.Router(), slog.Default())

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
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

	slog.Info("unit api starting", slog.Int("port", cfg.APIPort), slog.String("unit", cfg.UnitName))
	if err := app.Serve(srvHTTP, cfg.ServerShutdownTimeout, stop, slog.Default()); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}
