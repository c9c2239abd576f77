package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/location-acquisition-service/internal/acquisition"
	"github.com/couchcryptid/location-acquisition-service/internal/adapter/dynamodb"
	httpadapter "github.com/couchcryptid/location-acquisition-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/location-acquisition-service/internal/adapter/kafka"
	"github.com/couchcryptid/location-acquisition-service/internal/adapter/mapbox"
	mqttadapter "github.com/couchcryptid/location-acquisition-service/internal/adapter/mqtt"
	"github.com/couchcryptid/location-acquisition-service/internal/adapter/nmea"
	"github.com/couchcryptid/location-acquisition-service/internal/config"
	"github.com/couchcryptid/location-acquisition-service/internal/domain"
	"github.com/couchcryptid/location-acquisition-service/internal/observability"
	"github.com/couchcryptid/location-acquisition-service/internal/tagging"
)

func main() {
	// A .env file is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	provider := nmea.NewProvider(nmea.SerialOpener(cfg.GPSPort, cfg.GPSBaud), cfg.GPSUERE, clock, logger)

	// Initialize resolver (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var resolver domain.AddressResolver
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		resolver = mapbox.NewCachedResolver(client, cfg.MapboxCacheSize, metrics)
		metrics.ResolveEnabled.Set(1)
		logger.Info("mapbox address lookup enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		metrics.ResolveEnabled.Set(0)
		logger.Info("mapbox address lookup disabled")
	}

	store, closeStore, err := newTagStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create tag store", "store", cfg.TagStore, "error", err)
		os.Exit(1)
	}

	hub := httpadapter.NewHub(metrics, logger)
	opts := []acquisition.Option{
		acquisition.WithClock(clock),
		acquisition.WithSettings(acquisition.Settings{
			DesiredAccuracy:   cfg.DesiredAccuracy,
			SessionTimeout:    cfg.AcquisitionTimeout,
			MaxFixAge:         cfg.MaxFixAge,
			DuplicateDistance: acquisition.DefaultSettings().DuplicateDistance,
			DuplicateWindow:   acquisition.DefaultSettings().DuplicateWindow,
		}),
		acquisition.WithListener(hub.Listen),
	}

	if cfg.MQTTBroker != "" {
		client, err := mqttadapter.Connect(cfg.MQTTBroker, cfg.MQTTClientID, logger)
		if err != nil {
			logger.Error("failed to connect mqtt", "error", err)
			os.Exit(1)
		}
		defer client.Disconnect(250)

		pub := mqttadapter.NewPublisher(client, cfg.MQTTTopic, metrics, logger)
		opts = append(opts, acquisition.WithListener(pub.Listen))
		go pub.Run(ctx)
	}

	ctrl := acquisition.New(provider, resolver, logger, metrics, opts...)
	tagger := tagging.NewService(ctrl, store, cfg.TagStore, metrics, logger)
	srv := httpadapter.NewServer(cfg.HTTPAddr, ctrl, tagger, hub, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start acquisition controller.
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		if err := ctrl.Run(ctx); err != nil {
			logger.Error("acquisition controller error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-ctrlDone:
	case <-shutdownCtx.Done():
		logger.Warn("acquisition controller did not stop in time")
	}
	if err := closeStore(); err != nil {
		logger.Error("tag store close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// newTagStore returns a nil store for TAG_STORE=none.
func newTagStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.TagStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.TagStore {
	case config.TagStoreKafka:
		w := kafkaadapter.NewWriter(cfg, logger)
		return w, w.Close, nil
	case config.TagStoreDynamoDB:
		s, err := dynamodb.NewStore(ctx, cfg.DynamoDBTable, logger)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	default:
		return nil, noop, nil
	}
}
