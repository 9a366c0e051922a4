package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/driftline/driftline/internal/acks"
	"github.com/driftline/driftline/internal/backplane"
	"github.com/driftline/driftline/internal/broker"
	"github.com/driftline/driftline/internal/bus"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/db"
	"github.com/driftline/driftline/internal/groups"
	mw "github.com/driftline/driftline/internal/middleware"
	"github.com/driftline/driftline/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)

	// Topic store and bus.
	store := bus.NewStore(bus.StoreConfig{
		RetainSize: cfg.RetainSize,
		RetainFor:  cfg.RetainFor,
	}, logger)
	defer store.Close()

	b := bus.New(store, bus.Config{}, logger)
	defer b.Close()

	// Scale-out backplane (optional).
	closeBackplane, err := attachBackplane(cfg, b, logger)
	if err != nil {
		log.Fatalf("backplane: %v", err)
	}
	if closeBackplane != nil {
		defer closeBackplane()
	}

	// Broker and acknowledgements.
	br := broker.New(b, broker.Config{Workers: cfg.BrokerWorkers}, logger)
	defer br.Close()

	coordinator := acks.New(acks.Config{
		Threshold:     cfg.AckThreshold,
		SweepInterval: cfg.AckSweepInterval,
	}, logger)
	defer coordinator.Close()

	manager := groups.NewManager(b, coordinator, cfg.AckThreshold)

	// Protocol surface. The sample receiver echoes client messages back to
	// the sender; a dispatch layer would replace it.
	tokens := server.NewTokenService(cfg.TokenSecret, 0)
	srv := server.New(b, br, coordinator, tokens, server.Config{
		PollTimeout:       cfg.PollTimeout,
		KeepAlive:         cfg.KeepAliveInterval,
		DisconnectTimeout: cfg.DisconnectTimeout,
		Receiver: func(ctx context.Context, connectionID string, data []byte) error {
			return manager.SendToConnection(ctx, connectionID, data)
		},
		Logger: logger,
	})
	defer srv.Close()

	r := mux.NewRouter()
	r.Use(mw.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Printf("listening on :%s (backplane=%s)", cfg.Port, cfg.Backplane)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

// attachBackplane wires the configured scale-out adapter into the bus and
// returns its closer. With BACKPLANE=none the bus runs in single-process
// mode.
func attachBackplane(cfg *config.Config, b *bus.Bus, logger *log.Logger) (func(), error) {
	if cfg.Backplane == config.BackplaneNone {
		return nil, nil
	}

	streams := backplane.NewStreams(b, cfg.ScaleoutStreams, logger)

	switch cfg.Backplane {
	case config.BackplanePostgres:
		database, err := db.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			database.Close()
			return nil, err
		}
		bp, err := backplane.NewPostgres(database.Pool, backplane.PostgresConfig{
			Streams:     cfg.ScaleoutStreams,
			RetryDelays: cfg.RetryDelays,
		}, streams.Receive, logger)
		if err != nil {
			database.Close()
			return nil, err
		}
		streams.Bind(bp)
		b.SetRelay(streams)
		return func() {
			bp.Close() //nolint:errcheck // best-effort cleanup on shutdown
			database.Close()
		}, nil

	case config.BackplaneRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bp, err := backplane.NewRedis(client, backplane.RedisConfig{
			Streams:     cfg.ScaleoutStreams,
			RetryDelays: cfg.RetryDelays,
		}, streams.Receive, logger)
		if err != nil {
			client.Close() //nolint:errcheck
			return nil, err
		}
		streams.Bind(bp)
		b.SetRelay(streams)
		return func() {
			bp.Close()     //nolint:errcheck // best-effort cleanup on shutdown
			client.Close() //nolint:errcheck
		}, nil

	case config.BackplaneKafka:
		bp, err := backplane.NewKafka(backplane.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			Streams:     cfg.ScaleoutStreams,
			RetryDelays: cfg.RetryDelays,
		}, streams.Receive, logger)
		if err != nil {
			return nil, err
		}
		streams.Bind(bp)
		b.SetRelay(streams)
		return func() {
			bp.Close() //nolint:errcheck // best-effort cleanup on shutdown
		}, nil
	}
	return nil, nil
}
