package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kelasipay/escrow-service/internal/repo"
	"github.com/kelasipay/escrow-service/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, esc *service.EscrowService, wal *service.WalletService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/escrow/hold", holdHandler(esc))
		v1.POST("/escrow/release", releaseHandler(esc))
		v1.POST("/escrow/refund", refundHandler(esc))
		v1.POST("/escrow/assign-payee", assignPayeeHandler(esc))
		v1.GET("/escrow/:orderId", getEscrowHandler(esc))

		v1.POST("/wallets/:id/topup", topupHandler(wal))
		v1.GET("/wallets/:id/balance", balanceHandler(wal))
		v1.GET("/wallets/:id/history", historyHandler(wal))
	}
}

// fail writes the error envelope with the status the taxonomy dictates:
// validation and funds problems are 400, a missing escrow is 404, and a
// terminal escrow is 409.
func fail(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repo.ErrInvalidState), errors.Is(err, service.ErrPayeeRequired):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

type holdReq struct {
	OrderID           string  `json:"orderId" binding:"required"`
	PayerID           uint64  `json:"payerId" binding:"required"`
	PayeeID           *uint64 `json:"payeeId"`
	Amount            string  `json:"amount" binding:"required"`
	ReleaseDelayHours int     `json:"releaseDelayHours"`
}

func holdHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req holdReq
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, err)
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			fail(c, errors.New("invalid amount"))
			return
		}
		delay := time.Duration(req.ReleaseDelayHours) * time.Hour
		e, err := svc.Hold(c, req.OrderID, req.PayerID, req.PayeeID, amt, delay)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"escrowId":      e.ID,
			"status":        e.Status,
			"autoReleaseAt": e.AutoReleaseAt,
		})
	}
}

type orderReq struct {
	OrderID string `json:"orderId" binding:"required"`
}

func releaseHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orderReq
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, err)
			return
		}
		res, err := svc.Release(c, req.OrderID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"releasedAmount": res.ReleasedAmount,
			"payeeAmount":    res.PayeeAmount,
			"feeAmount":      res.FeeAmount,
		})
	}
}

func refundHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orderReq
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, err)
			return
		}
		refunded, err := svc.Refund(c, req.OrderID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"refundedAmount": refunded})
	}
}

type assignPayeeReq struct {
	OrderID string `json:"orderId" binding:"required"`
	PayeeID uint64 `json:"payeeId" binding:"required"`
}

func assignPayeeHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignPayeeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, err)
			return
		}
		if err := svc.AssignPayee(c, req.OrderID, req.PayeeID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func getEscrowHandler(svc *service.EscrowService) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := svc.Get(c, c.Param("orderId"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

type topupReq struct {
	Amount         string `json:"amount" binding:"required"`
	Bonus          bool   `json:"bonus"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func topupHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req topupReq
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, err)
			return
		}
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			fail(c, errors.New("invalid amount"))
			return
		}
		bal, bonus, err := svc.Topup(c, id, amt, req.Bonus, req.IdempotencyKey)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal, "bonus_balance": bonus})
	}
}

func balanceHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		bal, bonus, err := svc.GetBalance(c, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal, "bonus_balance": bonus})
	}
}

func historyHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			fail(c, errors.New("invalid since"))
			return
		}
		txs, err := svc.GetHistory(c, id, limit, since)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}
