package service

import (
	"testing"
	"time"

	"github.com/kelasipay/escrow-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestWallet_TopupAndHistory(t *testing.T) {
	_, wal, ctx := newTestStack(t)

	bal, bonus, err := wal.Topup(ctx, 42, decimal.NewFromInt(100), false, "t1")
	assert.NoError(t, err)
	assert.Equal(t, "100", bal.StringFixed(0))
	assert.Equal(t, "0", bonus.StringFixed(0))

	// replayed key credits nothing
	bal2, _, err := wal.Topup(ctx, 42, decimal.NewFromInt(100), false, "t1")
	assert.NoError(t, err)
	assert.Equal(t, "100", bal2.StringFixed(0))

	_, bonus3, err := wal.Topup(ctx, 42, decimal.NewFromInt(30), true, "t2")
	assert.NoError(t, err)
	assert.Equal(t, "30", bonus3.StringFixed(0))

	hist, err := wal.GetHistory(ctx, 42, 10, time.Now().Add(-time.Hour))
	assert.NoError(t, err)
	assert.Len(t, hist, 2)
	assert.Equal(t, model.TxCredit, hist[0].Type)
	assert.Equal(t, model.KindMain, hist[0].BalanceKind)
	assert.Equal(t, model.KindBonus, hist[1].BalanceKind)
}

func TestWallet_TopupValidation(t *testing.T) {
	_, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, 42, decimal.Zero, false, "t1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = wal.Topup(ctx, 42, decimal.NewFromInt(-5), false, "t1")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	hist, err := wal.GetHistory(ctx, 42, 10, time.Now().Add(-time.Hour))
	assert.NoError(t, err)
	assert.Len(t, hist, 0)
}
