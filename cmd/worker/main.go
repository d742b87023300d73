package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"clipmix/internal/config"
	"clipmix/internal/download"
	"clipmix/internal/media"
	"clipmix/internal/pipeline"
	"clipmix/internal/queue"
	"clipmix/internal/storage"
	"clipmix/internal/store"
	"clipmix/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	layout, err := storage.NewLayout(cfg.UploadDir, cfg.WorkDir, cfg.OutputDir)
	if err != nil {
		log.Fatalf("artifact layout: %v", err)
	}

	mirror, err := storage.NewS3Mirror(ctx, storage.S3MirrorConfig{
		Bucket:    cfg.OutputS3Bucket,
		Region:    cfg.OutputS3Region,
		Endpoint:  cfg.OutputS3Endpoint,
		PathStyle: cfg.OutputS3PathStyle,
	})
	if err != nil {
		log.Fatalf("init s3 mirror: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, cfg.VisibilityTimeout)

	orch := pipeline.NewOrchestrator(
		st,
		layout,
		download.NewYTDLP(cfg.YTDLPPath),
		media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath),
		mirror,
		pipeline.Options{
			AudioCodec:      cfg.AudioCodec,
			DownloadTimeout: cfg.DownloadTimeout,
			RenderTimeout:   cfg.RenderTimeout,
			ThumbWidth:      cfg.ThumbnailWidth,
		},
	)
	processor := pipeline.NewProcessor(q, st, orch, cfg.WorkerPollInterval)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with visibility=%s codec=%s", cfg.VisibilityTimeout, cfg.AudioCodec)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
