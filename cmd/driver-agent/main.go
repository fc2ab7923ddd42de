package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/backend"
	"github.com/example/driver-dispatch/internal/channel"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/geo"
	httpapi "github.com/example/driver-dispatch/internal/http"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/sensor"
	"github.com/example/driver-dispatch/internal/storage"
	"github.com/example/driver-dispatch/internal/telemetry"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("driver agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) error {
	tokens := auth.NewFileTokenSource(cfg.TokenFile)
	tok, err := tokens.Token(ctx)
	if err != nil {
		return err
	}
	driverID, err := auth.DriverIdentity(tok)
	if err != nil {
		return err
	}
	logger = logger.With("driver_id", driverID)

	ch := channel.New(channel.Options{URL: cfg.ChannelURL, Tokens: tokens}, logger)
	be := backend.NewClient(cfg.APIBaseURL, tokens, cfg.BackendTimeout, logger)

	var (
		src       sensor.Sensor
		positions httpapi.Positions
	)
	if cfg.SensorReplayFile != "" {
		replay, err := sensor.LoadReplay(cfg.SensorReplayFile, true, logger)
		if err != nil {
			return err
		}
		src = replay
	} else {
		feed := sensor.NewFeed()
		src, positions = feed, feed
	}

	var sinks []telemetry.Sink
	if cfg.RedisAddr != "" {
		lk := geo.NewRedisLastKnown(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer lk.Close()
		if err := lk.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, last-known positions may lag", "addr", cfg.RedisAddr, "error", err)
		}
		sinks = append(sinks, lk)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		sinks = append(sinks, kp)
	}

	tel := telemetry.NewService(src, ch, be, telemetry.Options{
		DriverID:     driverID,
		MinMovementM: cfg.MinMovementM,
		EmitInterval: cfg.EmitInterval,
		PushTimeout:  cfg.BackendTimeout,
	}, logger, sinks...)

	var journal storage.RideJournal = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres unavailable, journaling rides in memory", "error", err)
		} else {
			defer ps.Close()
			if cfg.RunMigrations {
				if err := ps.Migrate(ctx); err != nil {
					return err
				}
				logger.Info("migration applied: committed_rides")
			}
			journal = ps
		}
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(time.Minute), DefaultSpeedMps: cfg.ETADefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	coord := dispatch.New(ch, be, tel, dispatch.Options{
		DriverID:       driverID,
		AcceptTimeout:  cfg.AcceptTimeout,
		OfferCapacity:  cfg.OfferCapacity,
		OfferTTL:       cfg.OfferTTL,
		BackendTimeout: cfg.BackendTimeout,
		Watch:          sensor.WatchOptions{Interval: cfg.SampleInterval, MinDisplacementM: cfg.SensorMinDisplacementM},
		Journal:        journal,
		ETA:            estimator,
	}, logger)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = coord.Run(ctx)
	}()

	if err := ch.Connect(ctx, driverID); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           httpapi.NewServer(coord, tel, positions, ch, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("control api listening", "addr", cfg.ControlAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-runDone
	tel.StopContinuousEmission()
	tel.StopTracking()
	ch.Disconnect()
	return nil
}
