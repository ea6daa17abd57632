package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/config"
	"tokenlottery/internal/events"
	"tokenlottery/internal/handlers"
	"tokenlottery/internal/metrics"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/services"
	"tokenlottery/internal/store"
)

func serveRun(ctx context.Context, cfg *config.Config) error {
	var logFile io.Writer = io.Discard
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logFile = f
	}
	defer logger.Init(programName, true, false, logFile).Close()
	if cfg.Debug {
		logger.SetLevel(1)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger.Infof("%s %s starting", programName, version)

	// 1. Slot clock
	var (
		slots  clock.Source
		manual *clock.Manual
	)
	if cfg.ManualClock {
		manual = clock.NewManual(0)
		slots = manual
		logger.Infof("Using manual clock; advance it with POST /clock/advance")
	} else {
		genesis := cfg.Genesis
		if genesis.IsZero() {
			genesis = time.Now()
		}
		wall := clock.NewWall(genesis, cfg.SlotDuration)
		logger.Infof("Slot clock started at %s, %s per slot", genesis.Format(time.RFC3339), wall.SlotDuration())
		slots = wall
	}

	// 2. Storage and the local oracle
	db, err := store.Open(cfg.DbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	local, err := oracle.NewLocal(oracle.Options{
		DataDir:     cfg.OracleDir,
		Clock:       slots,
		RevealDelay: cfg.OracleRevealDelay,
		Queue:       cfg.OracleQueue,
	})
	if err != nil {
		return err
	}
	defer local.Close()

	// 3. Metrics and events
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus := events.NewEventBus(reg)
	defer bus.Stop()
	m := metrics.New(reg)

	// 4. Lottery service and HTTP handler
	lotteryService := services.NewLotteryService(services.Config{
		Store:       db,
		Clock:       slots,
		Oracle:      local,
		Events:      bus,
		Metrics:     m,
		Authority:   cfg.Authority,
		TicketURI:   cfg.TicketURI,
		AllowFaucet: cfg.AllowFaucet,
	})
	httpHandler := handlers.NewHTTPHandler(lotteryService, local, bus, m, reg)
	if manual != nil {
		httpHandler.WithManualClock(manual)
	}

	r := gin.Default()
	httpHandler.RegisterPublicRoutes(r)
	callerRoutes := r.Group("/")
	callerRoutes.Use(httpHandler.CallerMiddleware())
	httpHandler.RegisterCallerRoutes(callerRoutes)

	// 5. Background janitor pruning abandoned oracle requests
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		runJanitor(janitorCtx, local, cfg.JanitorInterval, cfg.StaleAgeSlots)
	}()
	defer func() {
		stopJanitor()
		<-janitorDone
	}()

	// 6. Serve until interrupted
	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on http://%s", cfg.ListenAddr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to run server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func runJanitor(ctx context.Context, local *oracle.Local, interval time.Duration, maxAge uint64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := local.PruneStale(ctx, maxAge)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Errorf("Oracle cleanup failed: %v", err)
				}
				continue
			}
			if n > 0 {
				logger.Infof("Performed cleanup of %d stale oracle requests.", n)
			}
		}
	}
}
