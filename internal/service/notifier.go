package service

import (
	"context"
	"encoding/json"

	"github.com/kelasipay/escrow-service/internal/model"
	"github.com/kelasipay/escrow-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notifier queues counterparty notifications through the transactional
// outbox. It is strictly best-effort: a failed enqueue is logged and
// swallowed, never propagated, so a notification problem can never roll
// back a financial state transition.
type Notifier struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewNotifier returns Notifier.
func NewNotifier(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Notifier {
	return &Notifier{repo: r, log: logger}
}

// Notify enqueues one notification for userID inside the given transaction.
func (n *Notifier) Notify(ctx context.Context, tx *gorm.DB, userID uint64, eventType, referenceID, title, message string, metadata map[string]interface{}) {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":  userID,
		"title":    title,
		"message":  message,
		"metadata": metadata,
	})
	if err != nil {
		n.log.Warnf("notify marshal user=%d: %v", userID, err)
		return
	}
	evt := &model.OutboxEvent{
		Aggregate:   "Escrow",
		AggregateID: referenceID,
		EventType:   eventType,
		Payload:     string(payload),
	}
	if err := n.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
		n.log.Warnf("notify enqueue user=%d event=%s: %v", userID, eventType, err)
	}
}
