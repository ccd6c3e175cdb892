/**
 * @description
 * This is the main entry point for the drop-service. It is responsible for
 * initializing all components of the service, including configuration, the metadata
 * store, artifact storage, the ledger verifier, the message broker, the rate limiter,
 * the maintenance scheduler and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for distributed rate limiting.
 * - internal/*: Internal packages for the service.
 * - pkg/stacksclient, pkg/rabbitmq: Clients for the ledger API and RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/instadrop/drop-service/internal/api"
	"github.com/instadrop/drop-service/internal/app"
	"github.com/instadrop/drop-service/internal/config"
	"github.com/instadrop/drop-service/internal/ledger"
	"github.com/instadrop/drop-service/internal/storage"
	"github.com/instadrop/drop-service/internal/store"
	"github.com/instadrop/drop-service/pkg/rabbitmq"
	"github.com/instadrop/drop-service/pkg/stacksclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting drop-service\" port=%s metadata=%s storage=%s", cfg.ServerPort, cfg.MetadataBackend, cfg.StorageBackend)

	ctx := context.Background()

	// Artifact storage.
	var files storage.FileStorage
	switch cfg.StorageBackend {
	case config.StorageBackendMinio:
		minioStorage, err := storage.NewMinioStorage(ctx, storage.MinioConfig{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			UseSSL:          cfg.MinioUseSSL,
			BucketName:      cfg.MinioBucket,
			Region:          cfg.MinioRegion,
		})
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"minio storage init failed\" err=%v", err)
		}
		files = minioStorage
		log.Printf("level=info component=bootstrap msg=\"minio storage ready\" endpoint=%s bucket=%s", cfg.MinioEndpoint, cfg.MinioBucket)
	default:
		localStorage, err := storage.NewLocalStorage(cfg.UploadsDir)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"local storage init failed\" err=%v", err)
		}
		files = localStorage
		log.Printf("level=info component=bootstrap msg=\"local storage ready\" dir=%s", cfg.UploadsDir)
	}

	// Metadata store.
	var repository store.Repository
	var snapshotter app.MetadataSnapshotter
	switch cfg.MetadataBackend {
	case config.MetadataBackendPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		// Disable prepared statement caching to prevent conflicts behind poolers
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()

		pgRepo := store.NewPostgresRepository(dbpool)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
		}
		repository = pgRepo
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	default:
		jsonRepo, err := store.NewJSONFileRepository(cfg.DataDir)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"json metadata store init failed\" err=%v", err)
		}
		defer jsonRepo.Close()
		repository = jsonRepo
		snapshotter = jsonRepo
		log.Printf("level=info component=bootstrap msg=\"json metadata store ready\" dir=%s", cfg.DataDir)
	}

	if cfg.MetadataCacheSize > 0 {
		cached, err := store.NewCachedRepository(repository, cfg.MetadataCacheSize)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"metadata cache init failed\" err=%v", err)
		}
		repository = cached
	}

	// Ledger verifier.
	failurePolicy, err := ledger.ParseFailurePolicy(cfg.VerificationFailurePolicy)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid verification failure policy\" err=%v", err)
	}
	ledgerClient := stacksclient.NewClient(cfg.LedgerAPIBaseURL, time.Duration(cfg.LedgerTimeoutSeconds)*time.Second)
	verifier := ledger.NewVerifier(ledgerClient, ledger.Policy{
		AmountTolerance: cfg.AmountTolerance,
		AcceptPending:   cfg.AcceptPending,
		OnUnavailable:   failurePolicy,
	})
	if failurePolicy == ledger.FailOpen {
		log.Printf("level=warn component=bootstrap msg=\"ledger verification fails open; downloads are allowed while the ledger api is unreachable\" ledger=%s", cfg.LedgerAPIBaseURL)
	}

	// Event producer.
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events disabled\" env=RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer producer.Close()
		publisher = producer
		log.Printf("level=info component=bootstrap msg=\"rabbitmq producer connected\" exchange=%s", cfg.EventsExchange)
	}

	dropService := app.NewService(repository, files, verifier, publisher, app.Options{
		Currency:                 cfg.Currency,
		MinReferenceLength:       cfg.MinReferenceLength,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		VerifyRateLimitPerMinute: cfg.VerifyRateLimitPerMinute,
	})

	// Verification rate limiting.
	if cfg.VerifyRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; verification rate limiting disabled\" env=REDIS_URL")
		} else if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
			defer redisClient.Close()
			dropService.SetRateLimiter(app.NewRedisVerificationRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
		}
	}

	// Maintenance jobs.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "scheduler")
	scheduler := app.NewScheduler(app.NewJobs(snapshotter, dropService, logger), logger, app.Schedules{
		Backup:      cfg.BackupSchedule,
		StatsReport: cfg.StatsReportSchedule,
	})
	scheduler.Start()

	handlers := api.NewDropHandlers(dropService)
	router := api.DropRoutes(handlers, api.RouterOptions{AllowedOrigins: cfg.AllowedOrigins()})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s ledger=%s max_upload=%s", serverAddr, cfg.LedgerAPIBaseURL, humanize.IBytes(uint64(cfg.MaxUploadBytes)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	if snapshotter != nil {
		if count, err := snapshotter.Snapshot(shutdownCtx); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"final metadata backup failed\" err=%v", err)
		} else {
			log.Printf("level=info component=bootstrap msg=\"final metadata backup written\" drops=%d", count)
		}
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns a connected client, or nil when Redis cannot be reached.
func connectRedis(redisURL string) *redis.Client {
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; verification rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; verification rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
