package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upload-queue/internal/api/handlers/upload"
	"github.com/aliskhannn/upload-queue/internal/api/router"
	"github.com/aliskhannn/upload-queue/internal/api/server"
	"github.com/aliskhannn/upload-queue/internal/blob"
	"github.com/aliskhannn/upload-queue/internal/bulk"
	"github.com/aliskhannn/upload-queue/internal/config"
	"github.com/aliskhannn/upload-queue/internal/infra/kafka/consumer"
	"github.com/aliskhannn/upload-queue/internal/infra/kafka/producer"
	uploadmsg "github.com/aliskhannn/upload-queue/internal/kafka/handlers/upload"
	"github.com/aliskhannn/upload-queue/internal/model"
	"github.com/aliskhannn/upload-queue/internal/processor"
	"github.com/aliskhannn/upload-queue/internal/queue"
	attachmentrepo "github.com/aliskhannn/upload-queue/internal/repository/attachment"
	"github.com/aliskhannn/upload-queue/internal/scheduler"
	"github.com/aliskhannn/upload-queue/internal/storage/media"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the Kafka consumer and the upload scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.MustLoad(*configPath)
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	// Collect slave DSNs for replica connections.
	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize media storage (MinIO).
	storage, err := media.NewStorage(
		ctx,
		cfg.Storage.Endpoint,
		cfg.Storage.AccessKey,
		cfg.Storage.SecretKey,
		cfg.Storage.BucketName,
		cfg.Storage.PublicURL,
		cfg.Storage.UseSSL,
	)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to connect to storage")
		return err
	}

	blobs := blob.NewRegistry(cfg.Blob.TTL, cfg.Blob.Capacity)
	defer blobs.Stop()

	// Initial queue state; the media storage is the default upload handler.
	initial := model.NewState(model.Settings{
		MediaUpload:          storage.Upload,
		MaxConcurrentUploads: cfg.Queue.MaxConcurrentUploads,
		AllowedMimeTypes:     cfg.Queue.AllowedMimeTypes,
		MaxUploadSize:        cfg.Queue.MaxUploadSize,
	})
	if cfg.Queue.Paused {
		initial.QueueStatus = model.QueuePaused
	}
	store := queue.NewStore(initial, blobs)

	// Initialize repository, producer, processor and scheduler.
	repo := attachmentrepo.NewRepository(db)
	p := producer.New(&cfg.Kafka, strategy)
	sched := scheduler.New(scheduler.Deps{
		Store:      store,
		Processor:  processor.New(cfg.Queue.FontPath),
		Fetcher:    media.NewFetcher(storage, &http.Client{Timeout: time.Minute}, cfg.Queue.MaxUploadSize),
		Blobs:      blobs,
		Publisher:  p,
		Repository: repo,
	}, strategy, cfg.Queue.PollInterval)

	// Kafka consumer for upload requests.
	c := consumer.New(&cfg.Kafka, strategy, uploadmsg.NewRequestedHandler(store))

	// HTTP handler for queue routes.
	h := upload.NewHandler(upload.Deps{
		Store:       store,
		Bulk:        bulk.NewRegistry(bulk.DefaultActions(store)...),
		Blobs:       blobs,
		Attachments: repo,
		Objects:     storage,
		Publisher:   p,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go c.Consume(ctx, &wg)
	go sched.Run(ctx, &wg)

	// Start HTTP server in a separate goroutine.
	s := server.New(cfg.Server.HTTPPort, router.Setup(h))
	go func() {
		zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("starting server")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Wait for the consumer and the scheduler to finish.
	wg.Wait()

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Kafka producer and consumer clients.
	if err := p.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err := c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}

	return nil
}
