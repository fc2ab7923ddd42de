package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total telemetry messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.New(os.Stdout, cfg.LogLevel).With("service", "telemetry-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	lk := geo.NewRedisLastKnown(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)

	// start metrics, health and lookup server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := lk.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		mux.HandleFunc("GET /drivers/{driver_id}/position", positionHandler(lk))
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = lk.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		rec, err := decodeRecord(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}

		if err := updateRedisWithRetry(ctx, lk, rec, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", rec.DriverID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

var errMissingDriver = errors.New("telemetry record has no driver id")

// Recorder is the subset of the last-known store the consumer writes to.
type Recorder interface {
	Record(ctx context.Context, driverID, rideID string, s models.LocationSample) error
}

// LastKnown reads back what the consumer stored.
type LastKnown interface {
	Get(ctx context.Context, driverID string) (models.LocationSample, bool, error)
}

// positionHandler serves the last stored position of one driver.
func positionHandler(lk LastKnown) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		driverID := r.PathValue("driver_id")
		s, ok, err := lk.Get(r.Context(), driverID)
		if err != nil {
			http.Error(w, "lookup failed", http.StatusBadGateway)
			return
		}
		if !ok {
			http.Error(w, "no position for driver", http.StatusNotFound)
			return
		}
		b, err := sonic.Marshal(ingest.LocationRecord{
			DriverID:   driverID,
			Lat:        s.Lat,
			Lon:        s.Lon,
			Accuracy:   s.Accuracy,
			CapturedAt: s.CapturedAt,
		})
		if err != nil {
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}
}

func decodeRecord(b []byte) (ingest.LocationRecord, error) {
	var rec ingest.LocationRecord
	if err := sonic.Unmarshal(b, &rec); err != nil {
		return rec, err
	}
	if rec.DriverID == "" {
		return rec, errMissingDriver
	}
	if err := models.Validate(rec.Sample()); err != nil {
		return rec, err
	}
	return rec, nil
}

// updateRedisWithRetry writes the record with retry and doubling delay.
func updateRedisWithRetry(ctx context.Context, rc Recorder, rec ingest.LocationRecord, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.Record(ctx, rec.DriverID, rec.RideID, rec.Sample()); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
