package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/callback"
	"checkout-service/internal/config"
	"checkout-service/internal/event"
	"checkout-service/internal/message"
	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	DroppedCounter        *metrics.Counter
	CommitErrorCounter    *metrics.Counter
	SuccessCounter        *metrics.Counter
}

func newMetrics(messageType string) Metrics {
	counter := func(result string) *metrics.Counter {
		return metrics.GetOrCreateCounter(`kafka_reader_total{result="` + result + `",type="` + messageType + `"}`)
	}
	return Metrics{
		ReadErrorCounter:      counter("read_error"),
		UnmarshalErrorCounter: counter("unmarshal_error"),
		ProcessErrorCounter:   counter("process_error"),
		DroppedCounter:        counter("dropped"),
		CommitErrorCounter:    counter("commit_error"),
		SuccessCounter:        counter("success"),
	}
}

var (
	providerEventMetrics = newMetrics("provider_event")
	notificationMetrics  = newMetrics("notification")
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
}

// Backoff is the wait between attempts at a message that failed with a
// retryable error. It doubles up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func NewBackoff(cfg config.KafkaReader) Backoff {
	b := Backoff{
		Initial: time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		Max:     time.Duration(cfg.MaxRetryBackoffMs) * time.Millisecond,
	}
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

func NewReader(cfg config.Kafka, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: cfg.Reader.GroupID,
		Topic:   topic,
	})
}

// ReadProviderEvents feeds relayed IPNs to processor until ctx is done.
func ReadProviderEvents(ctx context.Context, reader messageReader, backoff Backoff, processor *event.Processor, logger *slog.Logger) error {
	return readMessages(ctx, reader, backoff, logger, func(ctx context.Context, value []byte) error {
		var e message.ProviderEvent
		if err := json.Unmarshal(value, &e); err != nil {
			providerEventMetrics.UnmarshalErrorCounter.Inc()
			return apperr.New(apperr.CodeInvalidPayload, "unmarshal provider event: "+err.Error(), http.StatusBadRequest)
		}
		return processor.Process(ctx, e)
	}, providerEventMetrics)
}

// ReadNotifications hands published notifications to processor for
// delivery until ctx is done.
func ReadNotifications(ctx context.Context, reader messageReader, backoff Backoff, processor *callback.Processor, logger *slog.Logger) error {
	return readMessages(ctx, reader, backoff, logger, func(ctx context.Context, value []byte) error {
		var n message.Notification
		if err := json.Unmarshal(value, &n); err != nil {
			notificationMetrics.UnmarshalErrorCounter.Inc()
			return apperr.New(apperr.CodeInvalidPayload, "unmarshal notification: "+err.Error(), http.StatusBadRequest)
		}
		return processor.Process(ctx, n)
	}, notificationMetrics)
}

// readMessages commits a message only once it is processed or failed for
// good. A message interrupted by ctx stays uncommitted and is read again
// by the next consumer of the group.
func readMessages(ctx context.Context, reader messageReader, backoff Backoff, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) error {
	logger = logger.With("topic", reader.Config().Topic)
	for {
		m, err := reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "Context done, stopping reader")
			return nil
		}
		if err != nil {
			logger.ErrorContext(ctx, "Error reading message", "error", err)
			kafkaMetrics.ReadErrorCounter.Inc()
			continue
		}
		logger.DebugContext(ctx, "Received message", "partition", m.Partition, "offset", m.Offset, "key", string(m.Key))

		if !handleMessage(ctx, m, backoff, logger, process, kafkaMetrics) {
			logger.InfoContext(ctx, "Context done, leaving message uncommitted", "partition", m.Partition, "offset", m.Offset)
			return nil
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorContext(ctx, "Error committing message", "error", err, "offset", m.Offset)
			kafkaMetrics.CommitErrorCounter.Inc()
		}
	}
}

// handleMessage processes m until it succeeds or fails permanently. It
// returns false when ctx ends first.
func handleMessage(ctx context.Context, m kafka.Message, backoff Backoff, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) bool {
	delay := backoff.Initial
	for attempt := 1; ; attempt++ {
		err := process(ctx, m.Value)
		if err == nil {
			kafkaMetrics.SuccessCounter.Inc()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		kafkaMetrics.ProcessErrorCounter.Inc()

		if !apperr.Retryable(err) {
			logger.WarnContext(ctx, "Dropping message", "error", err, "code", apperr.Code(err), "offset", m.Offset)
			kafkaMetrics.DroppedCounter.Inc()
			return true
		}

		logger.ErrorContext(ctx, "Error processing message, retrying",
			"error", err, "attempt", attempt, "delay", delay, "offset", m.Offset)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		delay = min(delay*2, backoff.Max)
	}
}
