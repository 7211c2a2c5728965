package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/subplat/internal/health"
	"github.com/vladislavdragonenkov/subplat/internal/version"
)

// Run собирает зависимости и поднимает приложение: публичный HTTP API,
// служебный сервер метрик и health checks, фоновые воркеры. Блокируется
// до отмены ctx или фатальной ошибки сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}

	healthHandler := healthcheck.NewHandler(version.Get().Release)
	if deps.Store != nil {
		healthHandler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", 2*time.Second, deps.Store.Ping))
	}
	if deps.Redis != nil {
		rdb := deps.Redis
		healthHandler.RegisterChecker("redis", healthcheck.NewPingChecker("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger, healthHandler)

	// Фоновые воркеры живут на собственном контексте: их останавливаем
	// после того, как HTTP-серверы перестали принимать запросы.
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var workersWG sync.WaitGroup
	if deps.OutboxWorker != nil {
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			deps.OutboxWorker.Run(workersCtx)
		}()
	}
	workersWG.Add(1)
	go func() {
		defer workersWG.Done()
		deps.Janitor.Run(workersCtx)
	}()

	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           deps.Handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		errCh <- apiSrv.ListenAndServe()
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("api server shutdown with error")
		}

		stopWorkers()
		workersWG.Wait()

		shutdownHTTP(metricsSrv, logger)
		deps.Close()
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP сервер")
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает служебный HTTP-сервер: /metrics для
// Prometheus, /healthz, /readyz и /livez для проб.
func startMetricsServer(addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
