package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/config"
	"checkout-service/internal/event"
	"checkout-service/internal/izipay"
	"checkout-service/internal/message"
	"checkout-service/internal/model"
	"checkout-service/internal/payment"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []kafka.Message
}

func newStubReader(values ...[]byte) *stubReader {
	r := &stubReader{}
	for i, v := range values {
		r.messages = append(r.messages, kafka.Message{Offset: int64(i), Value: v})
	}
	return r
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		m := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *stubReader) Config() kafka.ReaderConfig {
	return kafka.ReaderConfig{Topic: "provider-answers"}
}

func (r *stubReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	offsets := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		offsets = append(offsets, m.Offset)
	}
	return offsets
}

var testBackoff = Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// run starts fn in the background and returns a func that stops it and
// returns its error.
func run(t *testing.T, fn func(ctx context.Context) error) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("reader did not stop")
			return nil
		}
	}
}

type scriptedProcess struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedProcess) process(_ context.Context, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func (p *scriptedProcess) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestReadMessages_RetriesTransientErrorsBeforeCommit(t *testing.T) {
	reader := newStubReader([]byte("a"))
	p := &scriptedProcess{results: []error{
		apperr.Conflict("busy"),
		errors.Wrap(errors.New("connection refused"), "persist payment status"),
	}}

	stop := run(t, func(ctx context.Context) error {
		return readMessages(ctx, reader, testBackoff, discardLogger(), p.process, newMetrics("test"))
	})
	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, 3, p.callCount())
	assert.Equal(t, []int64{0}, reader.committedOffsets())
}

func TestReadMessages_CommitsPermanentFailures(t *testing.T) {
	reader := newStubReader([]byte("a"), []byte("b"))
	p := &scriptedProcess{results: []error{
		apperr.New(apperr.CodeInvalidSignature, "signature does not match", http.StatusBadRequest),
	}}

	stop := run(t, func(ctx context.Context) error {
		return readMessages(ctx, reader, testBackoff, discardLogger(), p.process, newMetrics("test"))
	})
	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, 2, p.callCount())
	assert.Equal(t, []int64{0, 1}, reader.committedOffsets())
}

func TestReadMessages_LeavesMessageUncommittedOnShutdown(t *testing.T) {
	reader := newStubReader([]byte("a"))
	failing := func(context.Context, []byte) error {
		return errors.New("database unavailable")
	}

	stop := run(t, func(ctx context.Context) error {
		return readMessages(ctx, reader, testBackoff, discardLogger(), failing, newMetrics("test"))
	})
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stop())

	assert.Empty(t, reader.committedOffsets())
}

type flakyReconciler struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyReconciler) Refresh(_ context.Context, in payment.Input) (*payment.Fulfillment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return nil, errors.New("connection reset by peer")
	}
	return &payment.Fulfillment{
		OrderCode:     in.OrderCode,
		PaymentStatus: model.StatusPaid,
		Result:        &payment.Acknowledgement{Accepted: true, Outcome: payment.OutcomeUpdated},
	}, nil
}

func (r *flakyReconciler) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestReadProviderEvents_RedeliversAfterTransientFailure(t *testing.T) {
	signer := izipay.NewSigner(config.Provider{SHAKey: "sha-secret"})
	answer := `{"orderStatus":"PAID","orderDetails":{"orderId":"ORD-400001"}}`
	valid, err := json.Marshal(message.ProviderEvent{
		ID:        uuid.New(),
		KrAnswer:  answer,
		KrHash:    signer.Sign(answer, "sha256_hmac"),
		KrHashKey: "sha256_hmac",
	})
	require.NoError(t, err)

	reader := newStubReader([]byte("not json"), valid)
	reconciler := &flakyReconciler{failures: 2}
	processor := event.NewProcessor(reconciler, signer, discardLogger())

	stop := run(t, func(ctx context.Context) error {
		return ReadProviderEvents(ctx, reader, testBackoff, processor, discardLogger())
	})
	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, 3, reconciler.callCount())
	assert.Equal(t, []int64{0, 1}, reader.committedOffsets())
}

func TestNewBackoff(t *testing.T) {
	b := NewBackoff(config.KafkaReader{RetryBackoffMs: 100, MaxRetryBackoffMs: 50})
	assert.Equal(t, 100*time.Millisecond, b.Initial)
	assert.Equal(t, 100*time.Millisecond, b.Max)

	b = NewBackoff(config.KafkaReader{})
	assert.Equal(t, 500*time.Millisecond, b.Initial)
}
