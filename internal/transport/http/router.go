package http

import (
	"github.com/gin-gonic/gin"
	"github.com/kelasipay/escrow-service/internal/config"
	"github.com/kelasipay/escrow-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(esc *service.EscrowService, wal *service.WalletService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, esc, wal)
	return r
}
