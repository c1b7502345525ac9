package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rescue-service/config"
	"rescue-service/discovery"
	"rescue-service/domain"
	"rescue-service/grpcsvc"
	"rescue-service/handlers"
	"rescue-service/kafka"
	"rescue-service/logging"
	"rescue-service/realtime"
	"rescue-service/service"
	"rescue-service/tracing"
)

// connectToMongoDB retries until the server answers a ping
func connectToMongoDB(uri string, retries int, delay time.Duration, logger *slog.Logger) (*mongo.Client, error) {
	var client *mongo.Client
	var err error

	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err == nil {
			err = client.Ping(ctx, nil)
			if err == nil {
				cancel()
				logger.Info("Connected to MongoDB", "attempt", i+1)
				return client, nil
			}
			_ = client.Disconnect(context.Background())
		}
		cancel()
		logger.Error("Failed to connect to MongoDB", "attempt", i+1, "maxAttempts", retries, "error", err)
		if i < retries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("failed to connect to MongoDB after %d retries: %w", retries, err)
}

func main() {
	if err := run(); err != nil {
		slog.Error("rescue-service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	baseLogger, logFile := logging.NewLogger(cfg.LogFile, cfg.LogLevel)
	defer logFile.Close()
	logger := baseLogger.With("app", cfg.ServiceName)
	slog.SetDefault(logger)
	logger.Info("Starting "+cfg.ServiceName, "port", cfg.ServicePort, "nodeID", cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	client, err := connectToMongoDB(cfg.MongoURI, cfg.MongoConnectRetries, 2*time.Second, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}()

	repo := domain.NewMongoRepository(client, cfg.MongoDatabase, cfg.RescueKeywords)
	if err := repo.EnsureIndexes(ctx); err != nil {
		return err
	}

	registry := realtime.NewRegistry(logger)

	// background loops start once every resource they use is ready
	var background []func(context.Context)
	checks := []grpcsvc.Check{{
		Name:  "mongodb",
		Ping: func(ctx context.Context) error { return client.Ping(ctx, nil) },
	}}

	var notifier realtime.Notifier = realtime.NewLocalNotifier(registry)
	if cfg.RedisAddr != "" {
		redisClient, err := realtime.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		cluster := realtime.NewClusterNotifier(redisClient, registry, cfg.NodeID, logger)
		notifier = cluster
		background = append(background, cluster.Run)
		checks = append(checks, grpcsvc.Check{
			Name:  "redis",
			Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	dispatcherOpts := []service.DispatcherOption{service.WithAcceptOverride(cfg.AcceptOverride)}
	if cfg.KafkaBootstrapServers != "" {
		producer, err := kafka.NewProducer(cfg.KafkaBootstrapServers, cfg.SchemaRegistryURL, cfg.KafkaTopic, logger)
		if err != nil {
			return err
		}
		defer producer.Close()

		dispatcherOpts = append(dispatcherOpts, service.WithEventRecorder(kafka.NewOutboxRecorder(repo)))
		processor := kafka.NewOutboxProcessor(repo, producer, cfg.OutboxInterval, logger)
		background = append(background, func(ctx context.Context) {
			if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Outbox processor stopped with error", "error", err)
			}
		})
	}

	if addr := cfg.GrpcListenAddr(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		healthServer := grpcsvc.NewHealthServer(cfg.ServiceName, logger, checks...)
		background = append(background,
			func(ctx context.Context) { healthServer.Monitor(ctx, cfg.HealthInterval) },
			func(ctx context.Context) {
				stopServing := context.AfterFunc(ctx, healthServer.Stop)
				defer stopServing()
				if err := healthServer.Serve(lis); err != nil {
					logger.Error("gRPC server stopped with error", "error", err)
				}
			},
		)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, loop := range background {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(runCtx)
		}()
	}
	sockets := handlers.NewSocketHandler(registry, logger)
	defer func() {
		registry.Clear()
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sockets.Wait(drainCtx); err != nil {
			logger.Warn("Websocket clients did not stop in time", "error", err)
		}
		cancelDrain()
		cancelRun()
		wg.Wait()
	}()

	dispatcher := service.NewDispatcher(repo, repo, notifier, logger, dispatcherOpts...)
	search := service.NewGarageSearch(repo, loc, time.Now, logger)

	router := handlers.NewRouter(cfg.ServiceName,
		handlers.NewEmergencyHandler(dispatcher, logger),
		handlers.NewGarageHandler(search, logger),
		sockets,
	)

	if cfg.ConsulAddress != "" {
		deregister, err := discovery.Register(discovery.Registration{
			ConsulAddress: cfg.ConsulAddress,
			ServiceName:   cfg.ServiceName,
			Address:       cfg.ServiceAddress,
			Port:          cfg.ServicePort,
			Tags:          []string{"rescue", "dispatch"},
		}, logger)
		if err != nil {
			return err
		}
		defer deregister()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", "error", err)
	}
	logger.Info("Server stopped")
	return nil
}
