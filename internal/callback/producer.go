package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"checkout-service/internal/config"
	"checkout-service/internal/db"
	"checkout-service/internal/logcontext"
	"checkout-service/internal/message"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`notification_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`notification_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`notification_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`notification_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`notification_producer_duration_milliseconds`)

	// producer per message metrics
	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="rescheduled"}`)
)

const defaultDeliveryLease = time.Minute

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer relays due outbox rows to Kafka.
type Producer struct {
	repo               *db.NotificationRepository
	writer             messageWriter
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	deliveryLease      time.Duration
	logger             *slog.Logger
}

func NewProducer(repo *db.NotificationRepository, writer messageWriter, cfg config.CallbackProducer, logger *slog.Logger) *Producer {
	deliveryLease := time.Duration(cfg.DeliveryLeaseMs) * time.Millisecond
	if deliveryLease <= 0 {
		deliveryLease = defaultDeliveryLease
	}
	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
		fetchSize:          cfg.FetchSize,
		retryDelay:         time.Duration(cfg.RescheduleDelayMs) * time.Millisecond,
		maxPublishAttempts: cfg.MaxPublishAttempts,
		deliveryLease:      deliveryLease,
		logger:             logger,
	}
}

// Run polls the outbox until ctx is done.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Publish(ctx)
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Context done, stopping producer")
			return nil
		}
	}
}

// Publish sends one batch of due notifications and records the outcome of
// each row in the same transaction that locked it.
func (p *Producer) Publish(ctx context.Context) {
	startTime := time.Now()
	defer func() {
		producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// runId correlates every log line of one batch
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	notifications, err := p.repo.GetUnpublishedNotifications(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching unpublished notifications", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	if len(notifications) == 0 {
		producerSuccessCounter.Inc()
		return
	}

	publishErr := p.writer.WriteMessages(ctx, p.toKafkaMessages(notifications)...)
	if publishErr != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", publishErr, "count", len(notifications))
		producerErrorKafkaCounter.Inc()
	}

	for _, n := range notifications {
		messageCtx := logcontext.AppendCtx(ctx, slog.String("notificationId", n.ID.String()))

		n.PublishAttempts++
		now := time.Now()

		if publishErr != nil {
			errMsg := publishErr.Error()
			n.Error = &errMsg

			if n.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for notification")
				n.ScheduledAt = nil
				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := now.Add(time.Duration(n.PublishAttempts) * p.retryDelay)
				n.ScheduledAt = &scheduledAt
				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			// published rows stay due until the processor records an outcome
			leaseUntil := now.Add(p.deliveryLease)
			n.ScheduledAt = &leaseUntil
			n.PublishedAt = &now
			n.Error = nil
			producerMessagesPublishedCounter.Inc()
		}

		if err := p.repo.Update(messageCtx, tx, n); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating notification", "error", err)
			producerErrorUpdateCounter.Inc()
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
		return
	}
	p.logger.InfoContext(ctx, "Published notifications", "count", len(notifications), "failed", publishErr != nil)
	producerSuccessCounter.Inc()
}

func (p *Producer) toKafkaMessages(notifications []*db.NotificationEntity) []kafka.Message {
	kafkaMessages := make([]kafka.Message, 0, len(notifications))
	for _, entity := range notifications {
		value, _ := json.Marshal(message.Notification{
			ID:            entity.ID,
			OrderCode:     entity.OrderCode,
			PaymentStatus: entity.PaymentStatus,
			Url:           entity.Url,
			Payload:       entity.Payload,
			Attempts:      entity.DeliveryAttempts,
		})

		kafkaMessages = append(kafkaMessages, kafka.Message{
			// keyed by order so the notifications of one order stay ordered
			Key:   []byte(entity.OrderCode),
			Value: value,
		})
	}
	return kafkaMessages
}
