package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kelasipay/escrow-service/internal/config"
	"github.com/kelasipay/escrow-service/internal/logger"
	"github.com/kelasipay/escrow-service/internal/model"
	"github.com/kelasipay/escrow-service/internal/repo"
	"github.com/kelasipay/escrow-service/internal/service"
	httptransport "github.com/kelasipay/escrow-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Wallet{}, &model.Transaction{}, &model.Escrow{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo & services
	feeRate, err := decimal.NewFromString(cfg.Escrow.FeeRate)
	if err != nil {
		log.Fatalf("parse fee_rate: %v", err)
	}
	repository := repo.NewRepository(gdb, rdb, kw, log)
	notifier := service.NewNotifier(repository, log)
	escrowSvc := service.NewEscrowService(repository, notifier, feeRate, cfg.Escrow.Currency,
		cfg.Escrow.PlatformWalletUserID, time.Duration(cfg.Escrow.DefaultReleaseDelayH)*time.Hour, log)
	walletSvc := service.NewWalletService(repository, notifier, cfg.Escrow.Currency, log)

	// 7. gin router
	router := httptransport.NewRouter(escrowSvc, walletSvc, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("escrow-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
