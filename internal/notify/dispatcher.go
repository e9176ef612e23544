package notify

import (
	"context"
	"sync"
	"time"

	"esign-workflow/internal/domain"
	"esign-workflow/internal/worker"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 100

// Dispatcher polls the outbox and hands undelivered rows to the worker pool.
// A row is marked dispatched only after the sender succeeds, so a failed
// delivery is picked up again on the next poll.
type Dispatcher struct {
	db       *gorm.DB
	sender   Sender
	pool     *worker.WorkerPool
	logger   *zap.Logger
	interval time.Duration

	inflight sync.Map
}

func NewDispatcher(db *gorm.DB, sender Sender, pool *worker.WorkerPool, logger *zap.Logger, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		db:       db,
		sender:   sender,
		pool:     pool,
		logger:   logger.With(zap.String("component", "outbox_dispatcher")),
		interval: interval,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchPending(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchPending queues every undelivered row not already in flight and
// returns how many were queued.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	var pending []domain.OutboxEvent
	err := d.db.WithContext(ctx).
		Where("dispatched_at IS NULL").
		Order("created_at ASC").
		Limit(batchSize).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	queued := 0
	for i := range pending {
		ev := pending[i]
		if _, busy := d.inflight.LoadOrStore(ev.ID, struct{}{}); busy {
			continue
		}
		ok := d.pool.Submit(func(taskCtx context.Context) error {
			defer d.inflight.Delete(ev.ID)
			return d.deliver(taskCtx, &ev)
		})
		if !ok {
			d.inflight.Delete(ev.ID)
			continue
		}
		queued++
	}
	return queued, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev *domain.OutboxEvent) error {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.sender.Send(sendCtx, ev); err != nil {
		d.logger.Warn("notification delivery failed",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		res := d.db.WithContext(ctx).Model(&domain.OutboxEvent{}).
			Where("id = ?", ev.ID).
			UpdateColumn("attempts", gorm.Expr("attempts + 1"))
		if res.Error != nil {
			d.logger.Error("failed to record delivery attempt",
				zap.String("event_id", ev.ID),
				zap.Error(res.Error),
			)
		}
		return err
	}

	now := time.Now().UTC()
	return d.db.WithContext(ctx).Model(&domain.OutboxEvent{}).
		Where("id = ? AND dispatched_at IS NULL", ev.ID).
		Updates(map[string]any{"dispatched_at": now, "attempts": gorm.Expr("attempts + 1")}).Error
}
