package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kelasipay/escrow-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientFunds is returned when wallet balance is not enough.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrNotFound is returned when no escrow exists for the given order.
var ErrNotFound = errors.New("escrow not found")

// ErrInvalidState is returned when an escrow is already released or refunded.
var ErrInvalidState = errors.New("escrow already processed")

// RepositoryInterface restricts Repo methods so services can be mocked.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64, currency string) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWallet(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance, newBonus decimal.Decimal, oldVersion uint64) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	TxExists(ctx context.Context, tx *gorm.DB, walletID uint64, idemKey, txType string) (bool, *model.Transaction, error)
	GetEscrowByOrder(ctx context.Context, tx *gorm.DB, orderID string, forUpdate bool) (*model.Escrow, error)
	CreateEscrow(ctx context.Context, tx *gorm.DB, e *model.Escrow) error
	SetEscrowPayee(ctx context.Context, tx *gorm.DB, orderID string, payeeID uint64) error
	MarkEscrowReleased(ctx context.Context, tx *gorm.DB, orderID string, feeAmount, payeeAmount decimal.Decimal, at time.Time) error
	MarkEscrowRefunded(ctx context.Context, tx *gorm.DB, orderID string, at time.Time) error
	ListDueEscrows(ctx context.Context, now time.Time, limit int) ([]model.Escrow, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, userID uint64, currency string, bal, bonus decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID uint64, currency string) (decimal.Decimal, decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWalletForUpdate locks the wallet row for the duration of the transaction.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID uint64, currency string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND currency = ?", userID, currency).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet inserts a zero-balance wallet.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// UpdateWallet writes both sub-balances with an optimistic version check.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, walletID uint64, newBalance, newBonus decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", walletID, oldVersion).
		Updates(map[string]interface{}{
			"balance":       newBalance,
			"bonus_balance": newBonus,
			"version":       oldVersion + 1,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("optimistic lock conflict")
	}
	return nil
}

// CreateTransaction inserts a ledger entry.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// TxExists checks duplicate by idem key.
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, walletID uint64, idemKey, txType string) (bool, *model.Transaction, error) {
	if idemKey == "" {
		return false, nil, nil
	}
	var t model.Transaction
	err := tx.WithContext(ctx).Where("wallet_id=? AND idempotency_key=? AND type=?", walletID, idemKey, txType).First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// GetEscrowByOrder loads the escrow for an order, optionally row-locked.
func (r *Repository) GetEscrowByOrder(ctx context.Context, tx *gorm.DB, orderID string, forUpdate bool) (*model.Escrow, error) {
	q := tx.WithContext(ctx)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var e model.Escrow
	if err := q.Where("order_id = ?", orderID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CreateEscrow inserts the held record.
func (r *Repository) CreateEscrow(ctx context.Context, tx *gorm.DB, e *model.Escrow) error {
	return tx.WithContext(ctx).Create(e).Error
}

// SetEscrowPayee assigns the payee; only a held escrow may change.
func (r *Repository) SetEscrowPayee(ctx context.Context, tx *gorm.DB, orderID string, payeeID uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Escrow{}).
		Where("order_id = ? AND status = ?", orderID, model.EscrowHeld).
		Update("payee_id", payeeID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// MarkEscrowReleased flips held -> released. The WHERE status='held' guard
// plus the affected-row check is what makes concurrent release/refund on the
// same order mutually exclusive.
func (r *Repository) MarkEscrowReleased(ctx context.Context, tx *gorm.DB, orderID string, feeAmount, payeeAmount decimal.Decimal, at time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.Escrow{}).
		Where("order_id = ? AND status = ?", orderID, model.EscrowHeld).
		Updates(map[string]interface{}{
			"status":       model.EscrowReleased,
			"fee_amount":   feeAmount,
			"payee_amount": payeeAmount,
			"released_at":  &at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// MarkEscrowRefunded flips held -> refunded under the same guard.
func (r *Repository) MarkEscrowRefunded(ctx context.Context, tx *gorm.DB, orderID string, at time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.Escrow{}).
		Where("order_id = ? AND status = ?", orderID, model.EscrowHeld).
		Updates(map[string]interface{}{
			"status":      model.EscrowRefunded,
			"refunded_at": &at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

// ListDueEscrows returns held escrows whose auto-release deadline has passed.
func (r *Repository) ListDueEscrows(ctx context.Context, now time.Time, limit int) ([]model.Escrow, error) {
	var es []model.Escrow
	err := r.db.WithContext(ctx).
		Where("status = ? AND auto_release_at IS NOT NULL AND auto_release_at <= ?", model.EscrowHeld, now).
		Order("auto_release_at").
		Limit(limit).
		Find(&es).Error
	return es, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes both sub-balances to Redis as "main|bonus".
func (r *Repository) CacheBalance(ctx context.Context, userID uint64, currency string, bal, bonus decimal.Decimal) error {
	val := bal.String() + "|" + bonus.String()
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d:%s", userID, currency), val, 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, userID uint64, currency string) (decimal.Decimal, decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("balance:%d:%s", userID, currency)).Result()
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	parts := strings.SplitN(str, "|", 2)
	if len(parts) != 2 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("malformed cached balance %q", str)
	}
	bal, err := decimal.NewFromString(parts[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	bonus, err := decimal.NewFromString(parts[1])
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return bal, bonus, nil
}
