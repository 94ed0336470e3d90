package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kelasipay/escrow-service/internal/config"
	"github.com/kelasipay/escrow-service/internal/logger"
	"github.com/kelasipay/escrow-service/internal/repo"
	"github.com/kelasipay/escrow-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// Force-releases escrows past their auto-release deadline. The conditional
// held->released flip inside Release makes racing with a manual settlement
// safe: whichever side commits first wins, the other is a no-op.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	feeRate, err := decimal.NewFromString(cfg.Escrow.FeeRate)
	if err != nil {
		log.Fatalf("parse fee_rate: %v", err)
	}
	repository := repo.NewRepository(gdb, rdb, kw, log)
	notifier := service.NewNotifier(repository, log)
	escrowSvc := service.NewEscrowService(repository, notifier, feeRate, cfg.Escrow.Currency,
		cfg.Escrow.PlatformWalletUserID, time.Duration(cfg.Escrow.DefaultReleaseDelayH)*time.Hour, log)

	interval := time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("escrow-sweeper started")
	for range ticker.C {
		n, err := escrowSvc.SweepDue(context.Background(), cfg.Sweeper.Batch)
		if err != nil {
			log.Errorf("sweep: %v", err)
			continue
		}
		if n > 0 {
			log.Infof("auto-released %d escrows", n)
		}
	}
}
