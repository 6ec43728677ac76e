package callback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"checkout-service/internal/config"
	"checkout-service/internal/db"
	"checkout-service/internal/logcontext"
	"checkout-service/internal/message"
	"github.com/VictoriaMetrics/metrics"
)

var (
	deliveredCounter   = metrics.GetOrCreateCounter(`notification_delivery_total{result="delivered"}`)
	disabledCounter    = metrics.GetOrCreateCounter(`notification_delivery_total{result="disabled"}`)
	rescheduledCounter = metrics.GetOrCreateCounter(`notification_delivery_total{result="rescheduled"}`)
	exhaustedCounter   = metrics.GetOrCreateCounter(`notification_delivery_total{result="max_attempts_reached"}`)
	interruptedCounter = metrics.GetOrCreateCounter(`notification_delivery_total{result="interrupted"}`)
	dbErrorCounter     = metrics.GetOrCreateCounter(`notification_delivery_total{result="db_error"}`)
)

// Processor delivers published notifications, at most parallelism at a
// time, and records the outcome on the outbox row. A delivery that never
// records an outcome is published again once its lease expires.
type Processor struct {
	repo            *db.NotificationRepository
	sender          *Sender
	sem             chan struct{}
	wg              sync.WaitGroup
	rescheduleDelay time.Duration
	maxAttempts     int
	logger          *slog.Logger
}

func NewProcessor(repo *db.NotificationRepository, sender *Sender, cfg config.CallbackProcessor, logger *slog.Logger) *Processor {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Processor{
		repo:            repo,
		sender:          sender,
		sem:             make(chan struct{}, parallelism),
		rescheduleDelay: time.Duration(cfg.RescheduleDelayMs) * time.Millisecond,
		maxAttempts:     cfg.MaxDeliveryAttempts,
		logger:          logger,
	}
}

// Process starts delivery of n and returns once a worker slot is taken.
func (p *Processor) Process(ctx context.Context, n message.Notification) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.deliver(ctx, n)
	}()
	return nil
}

// Wait blocks until every started delivery has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) deliver(ctx context.Context, n message.Notification) {
	ctx = logcontext.AppendCtx(ctx,
		slog.String("notificationId", n.ID.String()),
		slog.String("orderCode", n.OrderCode),
		slog.String("paymentStatus", n.PaymentStatus),
	)
	// the outcome is recorded even when ctx is cancelled mid-send
	dbCtx := context.WithoutCancel(ctx)

	tx, err := p.repo.BeginTx(dbCtx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		dbErrorCounter.Inc()
		return
	}
	defer tx.Rollback(dbCtx)

	entity, err := p.repo.SelectForUpdateByID(dbCtx, tx, n.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error locking notification", "error", err)
		dbErrorCounter.Inc()
		return
	}
	if entity.DeliveredAt != nil {
		p.logger.InfoContext(ctx, "Notification already delivered")
		return
	}

	attempts := entity.DeliveryAttempts + 1

	if entity.Url == "" {
		p.logger.InfoContext(ctx, "Notification delivery disabled, marking delivered")
		err = p.repo.UpdateAttemptsAndDeliveredAtByID(dbCtx, tx, n.ID, entity.DeliveryAttempts, time.Now())
		disabledCounter.Inc()
	} else if sendErr := p.sender.Send(ctx, entity.Url, entity.Payload); sendErr != nil && ctx.Err() != nil {
		p.logger.InfoContext(ctx, "Delivery interrupted, rescheduling notification", "error", sendErr)
		now := time.Now()
		err = p.repo.UpdateScheduledAtAndAttemptsByID(dbCtx, tx, n.ID, &now, entity.DeliveryAttempts, sendErr.Error())
		interruptedCounter.Inc()
	} else if sendErr != nil {
		p.logger.WarnContext(ctx, "Error sending notification", "error", sendErr, "attempts", attempts)

		var scheduledAt *time.Time
		if attempts < p.maxAttempts {
			next := time.Now().Add(time.Duration(attempts) * p.rescheduleDelay)
			scheduledAt = &next
			rescheduledCounter.Inc()
		} else {
			p.logger.WarnContext(ctx, "Max delivery attempts reached for notification")
			exhaustedCounter.Inc()
		}
		err = p.repo.UpdateScheduledAtAndAttemptsByID(dbCtx, tx, n.ID, scheduledAt, attempts, sendErr.Error())
	} else {
		err = p.repo.UpdateAttemptsAndDeliveredAtByID(dbCtx, tx, n.ID, attempts, time.Now())
		deliveredCounter.Inc()
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error recording delivery outcome", "error", err)
		dbErrorCounter.Inc()
		return
	}

	if err := tx.Commit(dbCtx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		dbErrorCounter.Inc()
	}
}
