package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/cache"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/config"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/store/rabbitmq"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/store/redisstore"
)

// The worker drops cached answers for videos whose content changed.
func main() {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	answers := cache.New(rds, cfg.CacheTTL)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		logger.Error("rabbit connect", "url", cfg.RabbitURL, "err", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = consumer.Run(ctx, func(ctx context.Context, m rabbitmq.VideoChanged) error {
		start := time.Now()
		n, err := answers.InvalidateByVideo(ctx, m.VideoID)
		if err != nil {
			return err
		}
		logger.Info("video invalidated", "video_id", m.VideoID, "entries", n, "cost", time.Since(start))
		return nil
	})
	if err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
