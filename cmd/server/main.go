package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gutierrez-soarch/hybridserver/internal/asynccontext"
	"github.com/gutierrez-soarch/hybridserver/internal/config"
	"github.com/gutierrez-soarch/hybridserver/internal/container"
	"github.com/gutierrez-soarch/hybridserver/internal/demo"
	"github.com/gutierrez-soarch/hybridserver/internal/metrics"
	"github.com/gutierrez-soarch/hybridserver/internal/pool"
	"github.com/gutierrez-soarch/hybridserver/internal/processor"
	"github.com/gutierrez-soarch/hybridserver/internal/reactor"
	"github.com/gutierrez-soarch/hybridserver/internal/router"
	"github.com/gutierrez-soarch/hybridserver/internal/switching"
)

func main() {
	cfg := config.Default()
	logger := logrus.StandardLogger()

	root := &cobra.Command{
		Use:   "hybridserver",
		Short: "Single-reactor, adaptive-worker-pool HTTP/1.x application server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, logger)
		},
	}
	config.BindFlags(root, &cfg)

	if err := root.Execute(); err != nil {
		logger.WithError(err).Fatal("server exited with error")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	workerPool := pool.New(pool.Options{
		Name:            "main",
		Min:             cfg.PoolMin,
		Max:             cfg.PoolMax,
		QueueCapacity:   cfg.PoolQueueCapacity,
		ResizeInterval:  cfg.PoolResizeInterval,
		Logger:          logger,
	})
	asyncMgr := asynccontext.NewManager(asynccontext.Options{
		DefaultTimeout: cfg.AsyncContextTTL,
		ReapInterval:   cfg.AsyncContextReapInterval,
		Logger:         logger,
	})
	switchingHandler := switching.NewHandler(workerPool, asyncMgr, switching.Options{
		MaxConcurrentSwitches: cfg.SwitchingMaxConcurrent,
		Logger:                logger,
	})
	proc := processor.New(workerPool, asyncMgr, processor.Options{
		SyncTimeout: cfg.ProcessorSyncTimeout,
		Logger:      logger,
	})

	deps := &demo.Deps{Switching: switchingHandler}
	handlerContainer := container.New(deps, container.Options{Logger: logger})
	demo.Register(handlerContainer)

	rt := router.New(handlerContainer, proc, workerPool, asyncMgr, switchingHandler)

	reactorInst := reactor.New(rt, reactor.Options{
		ListenAddr:    cfg.ListenAddr,
		PollTimeout:   cfg.ReactorPollTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
		Logger:        logger,
	})
	rt.AttachConnStats(func() router.ConnStats {
		s := reactorInst.Stats()
		return router.ConnStats{Accepted: s.Accepted, Closed: s.Closed, ActiveConns: s.ActiveConns}
	})

	sink := metrics.NewSink(workerPool, proc, asyncMgr, switchingHandler, metrics.Options{Logger: logger})
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", sink.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics listener stopped unexpectedly")
		}
	}()

	reactorErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("hybridserver reactor starting")
		reactorErr <- reactorInst.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutdown signal received")
	case err := <-reactorErr:
		if err != nil {
			logger.WithError(err).Error("reactor stopped unexpectedly")
		}
	}

	// Shutdown order: drain the reactor's connections first, then stop
	// the pool's resize scheduler and let it drain its queue, then stop
	// the async-context reaper, then the ambient
	// metrics listener.
	reactorInst.Shutdown()
	workerPool.Shutdown()
	asyncMgr.Shutdown()
	sink.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics listener shutdown did not complete cleanly")
	}

	logger.Info("hybridserver stopped")
	return nil
}
