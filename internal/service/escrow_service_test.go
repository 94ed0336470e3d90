package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/kelasipay/escrow-service/internal/logger"
	"github.com/kelasipay/escrow-service/internal/model"
	"github.com/kelasipay/escrow-service/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testPlatformUser = uint64(1)
	testPayer        = uint64(10)
	testPayee        = uint64(20)
)

func newTestStack(t *testing.T) (*EscrowService, *WalletService, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}, &model.Escrow{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock()
	writer := &kafka.Writer{} // not used here
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, writer, log)
	notifier := NewNotifier(repository, log)

	esc := NewEscrowService(repository, notifier, decimal.RequireFromString("0.05"), "CDF",
		testPlatformUser, 72*time.Hour, log)
	wal := NewWalletService(repository, notifier, "CDF", log)
	return esc, wal, context.Background()
}

func mainBalance(t *testing.T, wal *WalletService, ctx context.Context, userID uint64) decimal.Decimal {
	bal, _, err := wal.GetBalance(ctx, userID)
	assert.NoError(t, err)
	return bal
}

func TestEscrow_HoldReleaseRefundScenario(t *testing.T) {
	esc, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, testPayer, decimal.NewFromInt(20000), false, "seed")
	assert.NoError(t, err)

	payee := testPayee
	e, err := esc.Hold(ctx, "A", testPayer, &payee, decimal.NewFromInt(5000), 0)
	assert.NoError(t, err)
	assert.Equal(t, model.EscrowHeld, e.Status)
	assert.NotNil(t, e.AutoReleaseAt)
	assert.Equal(t, "15000", mainBalance(t, wal, ctx, testPayer).StringFixed(0))

	res, err := esc.Release(ctx, "A")
	assert.NoError(t, err)
	assert.Equal(t, "5000", res.ReleasedAmount.StringFixed(0))
	assert.Equal(t, "250", res.FeeAmount.StringFixed(0))
	assert.Equal(t, "4750", res.PayeeAmount.StringFixed(0))
	assert.Equal(t, "4750", mainBalance(t, wal, ctx, testPayee).StringFixed(0))
	assert.Equal(t, "250", mainBalance(t, wal, ctx, testPlatformUser).StringFixed(0))

	// terminal: refund must not move any money
	_, err = esc.Refund(ctx, "A")
	assert.ErrorIs(t, err, repo.ErrInvalidState)
	assert.Equal(t, "15000", mainBalance(t, wal, ctx, testPayer).StringFixed(0))
	assert.Equal(t, "4750", mainBalance(t, wal, ctx, testPayee).StringFixed(0))

	got, err := esc.Get(ctx, "A")
	assert.NoError(t, err)
	assert.Equal(t, model.EscrowReleased, got.Status)
	assert.NotNil(t, got.ReleasedAt)
	assert.Nil(t, got.RefundedAt)

	// hold notified the payer, release notified both parties
	var evts []model.OutboxEvent
	assert.NoError(t, esc.repo.DB(ctx).Where("aggregate_id=?", "A").Find(&evts).Error)
	assert.Len(t, evts, 3)
}

func TestEscrow_HoldIsIdempotent(t *testing.T) {
	esc, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, testPayer, decimal.NewFromInt(10000), false, "seed")
	assert.NoError(t, err)

	e1, err := esc.Hold(ctx, "B", testPayer, nil, decimal.NewFromInt(4000), 0)
	assert.NoError(t, err)
	e2, err := esc.Hold(ctx, "B", testPayer, nil, decimal.NewFromInt(4000), 0)
	assert.NoError(t, err)
	assert.Equal(t, e1.ID, e2.ID)

	// debited once, one escrow row
	assert.Equal(t, "6000", mainBalance(t, wal, ctx, testPayer).StringFixed(0))
	var count int64
	esc.repo.DB(ctx).Model(&model.Escrow{}).Where("order_id=?", "B").Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestEscrow_DoubleReleaseAndMutualExclusion(t *testing.T) {
	esc, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, testPayer, decimal.NewFromInt(10000), false, "seed")
	assert.NoError(t, err)
	payee := testPayee

	_, err = esc.Hold(ctx, "C", testPayer, &payee, decimal.NewFromInt(2000), 0)
	assert.NoError(t, err)
	_, err = esc.Release(ctx, "C")
	assert.NoError(t, err)
	_, err = esc.Release(ctx, "C")
	assert.ErrorIs(t, err, repo.ErrInvalidState)
	assert.Equal(t, "1900", mainBalance(t, wal, ctx, testPayee).StringFixed(0))

	_, err = esc.Hold(ctx, "D", testPayer, &payee, decimal.NewFromInt(2000), 0)
	assert.NoError(t, err)
	_, err = esc.Refund(ctx, "D")
	assert.NoError(t, err)
	_, err = esc.Refund(ctx, "D")
	assert.ErrorIs(t, err, repo.ErrInvalidState)
	_, err = esc.Release(ctx, "D")
	assert.ErrorIs(t, err, repo.ErrInvalidState)
}

func TestEscrow_InsufficientFundsBeforeAnyWrite(t *testing.T) {
	esc, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, testPayer, decimal.NewFromInt(1000), false, "seed")
	assert.NoError(t, err)

	_, err = esc.Hold(ctx, "E", testPayer, nil, decimal.NewFromInt(5000), 0)
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	assert.Equal(t, "1000", mainBalance(t, wal, ctx, testPayer).StringFixed(0))
	_, err = esc.Get(ctx, "E")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	var txCount int64
	esc.repo.DB(ctx).Model(&model.Transaction{}).Where("reference_id=?", "E").Count(&txCount)
	assert.EqualValues(t, 0, txCount)
}

func TestEscrow_RefundRestoresBonusSplit(t *testing.T) {
	esc, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, testPayer, decimal.NewFromInt(3000), false, "seed-main")
	assert.NoError(t, err)
	_, _, err = wal.Topup(ctx, testPayer, decimal.NewFromInt(2000), true, "seed-bonus")
	assert.NoError(t, err)

	e, err := esc.Hold(ctx, "F", testPayer, nil, decimal.NewFromInt(4000), 0)
	assert.NoError(t, err)
	assert.Equal(t, "2000", e.BonusApplied.StringFixed(0))

	bal, bonus, err := wal.GetBalance(ctx, testPayer)
	assert.NoError(t, err)
	assert.Equal(t, "1000", bal.StringFixed(0))
	assert.Equal(t, "0", bonus.StringFixed(0))

	refunded, err := esc.Refund(ctx, "F")
	assert.NoError(t, err)
	assert.Equal(t, "4000", refunded.StringFixed(0))

	bal, bonus, err = wal.GetBalance(ctx, testPayer)
	assert.NoError(t, err)
	assert.Equal(t, "3000", bal.StringFixed(0))
	assert.Equal(t, "2000", bonus.StringFixed(0))
}

func TestEscrow_ReleaseRequiresPayee(t *testing.T) {
	esc, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, testPayer, decimal.NewFromInt(5000), false, "seed")
	assert.NoError(t, err)
	_, err = esc.Hold(ctx, "G", testPayer, nil, decimal.NewFromInt(1000), 0)
	assert.NoError(t, err)

	_, err = esc.Release(ctx, "G")
	assert.ErrorIs(t, err, ErrPayeeRequired)

	assert.NoError(t, esc.AssignPayee(ctx, "G", testPayee))
	res, err := esc.Release(ctx, "G")
	assert.NoError(t, err)
	assert.Equal(t, "950", res.PayeeAmount.StringFixed(0))
}

func TestEscrow_Validation(t *testing.T) {
	esc, _, ctx := newTestStack(t)

	_, err := esc.Hold(ctx, "H", testPayer, nil, decimal.Zero, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	self := testPayer
	_, err = esc.Hold(ctx, "H", testPayer, &self, decimal.NewFromInt(100), 0)
	assert.ErrorIs(t, err, ErrSelfDeal)

	_, err = esc.Release(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = esc.Refund(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

// Every ledger entry must bracket its sub-balance exactly, and every balance
// change across the whole scenario must carry one entry.
func TestEscrow_LedgerConsistency(t *testing.T) {
	esc, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, testPayer, decimal.NewFromInt(20000), false, "seed")
	assert.NoError(t, err)
	payee := testPayee
	_, err = esc.Hold(ctx, "I", testPayer, &payee, decimal.NewFromInt(5000), 0)
	assert.NoError(t, err)
	_, err = esc.Release(ctx, "I")
	assert.NoError(t, err)

	var entries []model.Transaction
	assert.NoError(t, esc.repo.DB(ctx).Order("id").Find(&entries).Error)
	// seed topup, hold debit, payee credit, platform fee credit
	assert.Len(t, entries, 4)
	for _, e := range entries {
		diff := e.BalanceAfter.Sub(e.BalanceBefore)
		switch e.Type {
		case model.TxCredit:
			assert.True(t, diff.Equal(e.Amount), "entry %d: credit diff %s != %s", e.ID, diff, e.Amount)
		case model.TxDebit:
			assert.True(t, diff.Neg().Equal(e.Amount), "entry %d: debit diff %s != %s", e.ID, diff, e.Amount)
		default:
			t.Fatalf("unexpected type %s", e.Type)
		}
		assert.False(t, e.BalanceAfter.IsNegative())
	}
}

func TestEscrow_SweepDueReleases(t *testing.T) {
	esc, wal, ctx := newTestStack(t)

	_, _, err := wal.Topup(ctx, testPayer, decimal.NewFromInt(10000), false, "seed")
	assert.NoError(t, err)
	payee := testPayee
	_, err = esc.Hold(ctx, "J", testPayer, &payee, decimal.NewFromInt(3000), 0)
	assert.NoError(t, err)

	// not due yet
	n, err := esc.SweepDue(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	// push the deadline into the past
	past := time.Now().Add(-time.Minute)
	assert.NoError(t, esc.repo.DB(ctx).Model(&model.Escrow{}).
		Where("order_id=?", "J").Update("auto_release_at", &past).Error)

	n, err = esc.SweepDue(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "2850", mainBalance(t, wal, ctx, testPayee).StringFixed(0))

	// second sweep finds nothing
	n, err = esc.SweepDue(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}
