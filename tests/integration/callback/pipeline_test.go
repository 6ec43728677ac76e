package callback

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/callback"
	"checkout-service/internal/config"
	"checkout-service/internal/db"
	"checkout-service/internal/message"
	"checkout-service/internal/model"
	"checkout-service/tests/testhelpers"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

type PipelineTestSuite struct {
	suite.Suite
	pgContainer   *testhelpers.PostgresContainer
	pool          *pgxpool.Pool
	orders        *db.OrderRepository
	notifications *db.NotificationRepository
	ctx           context.Context
}

func (s *PipelineTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.orders = db.NewOrderRepository(pool)
	s.notifications = db.NewNotificationRepository(pool)
}

func (s *PipelineTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *PipelineTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "TRUNCATE payment_notification, ticket_payment")
	if err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
}

func (s *PipelineTestSuite) enqueue(orderCode, url string) *db.NotificationEntity {
	_, err := s.orders.Create(s.ctx, &model.Order{OrderCode: orderCode})
	s.Require().NoError(err)

	past := time.Now().Add(-time.Second)
	entity := &db.NotificationEntity{
		OrderCode:     orderCode,
		PaymentStatus: "PAID",
		Url:           url,
		Payload:       `{"orderCode":"` + orderCode + `","paymentStatus":"PAID"}`,
		ScheduledAt:   &past,
	}
	_, err = s.notifications.Create(s.ctx, entity)
	s.Require().NoError(err)
	return entity
}

func producerConfig() config.CallbackProducer {
	return config.CallbackProducer{
		PollingIntervalMs:  10,
		FetchSize:          10,
		RescheduleDelayMs:  1000,
		MaxPublishAttempts: 2,
		DeliveryLeaseMs:    60_000,
	}
}

func (s *PipelineTestSuite) TestProducer_Publishes() {
	t := s.T()
	entity := s.enqueue("ORD-200001", "http://example.com/notifications")
	writer := &recordingWriter{}

	callback.NewProducer(s.notifications, writer, producerConfig(), discardLogger()).Publish(s.ctx)

	require.Len(t, writer.messages, 1)
	assert.Equal(t, "ORD-200001", string(writer.messages[0].Key))

	var published message.Notification
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &published))
	assert.Equal(t, entity.ID, published.ID)
	assert.Equal(t, "PAID", published.PaymentStatus)

	stored, err := s.notifications.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PublishAttempts)
	assert.NotNil(t, stored.PublishedAt)
	require.NotNil(t, stored.ScheduledAt)
	assert.True(t, stored.ScheduledAt.After(time.Now().Add(30*time.Second)))
}

func (s *PipelineTestSuite) TestProducer_RepublishesAfterLeaseExpires() {
	t := s.T()
	entity := s.enqueue("ORD-200006", "http://example.com/notifications")
	writer := &recordingWriter{}
	cfg := producerConfig()
	cfg.DeliveryLeaseMs = 1
	producer := callback.NewProducer(s.notifications, writer, cfg, discardLogger())

	producer.Publish(s.ctx)
	// no delivery outcome is recorded for the first publish
	time.Sleep(50 * time.Millisecond)
	producer.Publish(s.ctx)

	require.Len(t, writer.messages, 2)
	stored, err := s.notifications.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.PublishAttempts)
	assert.Nil(t, stored.DeliveredAt)
}

func (s *PipelineTestSuite) TestProducer_DeliveredRowIsNotRepublished() {
	t := s.T()
	defer gock.Off()
	gock.New("http://example.com").Post("/notifications").Reply(200)

	entity := s.enqueue("ORD-200007", "http://example.com/notifications")
	writer := &recordingWriter{}
	cfg := producerConfig()
	cfg.DeliveryLeaseMs = 1
	producer := callback.NewProducer(s.notifications, writer, cfg, discardLogger())

	producer.Publish(s.ctx)
	processor := s.newProcessor()
	require.NoError(t, processor.Process(s.ctx, s.toMessage(entity)))
	processor.Wait()
	time.Sleep(50 * time.Millisecond)
	producer.Publish(s.ctx)

	assert.Len(t, writer.messages, 1)
	stored, err := s.notifications.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Nil(t, stored.ScheduledAt)
}

func (s *PipelineTestSuite) TestProducer_ReschedulesOnPublishFailure() {
	t := s.T()
	entity := s.enqueue("ORD-200002", "http://example.com/notifications")
	writer := &recordingWriter{err: errors.New("broker unavailable")}
	producer := callback.NewProducer(s.notifications, writer, producerConfig(), discardLogger())

	producer.Publish(s.ctx)

	stored, err := s.notifications.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PublishAttempts)
	require.NotNil(t, stored.ScheduledAt)
	assert.True(t, stored.ScheduledAt.After(time.Now()))
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "broker unavailable")
}

func (s *PipelineTestSuite) TestProcessor_Delivers() {
	t := s.T()
	defer gock.Off()
	gock.New("http://example.com").Post("/notifications").Reply(200)

	entity := s.enqueue("ORD-200003", "http://example.com/notifications")
	processor := s.newProcessor()

	require.NoError(t, processor.Process(s.ctx, s.toMessage(entity)))
	processor.Wait()

	stored, err := s.notifications.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DeliveryAttempts)
	assert.NotNil(t, stored.DeliveredAt)
	assert.True(t, gock.IsDone())
}

func (s *PipelineTestSuite) TestProcessor_ReschedulesFailedDelivery() {
	t := s.T()
	defer gock.Off()
	gock.New("http://example.com").Post("/notifications").Reply(503)

	entity := s.enqueue("ORD-200004", "http://example.com/notifications")
	processor := s.newProcessor()

	require.NoError(t, processor.Process(s.ctx, s.toMessage(entity)))
	processor.Wait()

	stored, err := s.notifications.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DeliveryAttempts)
	assert.Nil(t, stored.DeliveredAt)
	require.NotNil(t, stored.ScheduledAt)
	assert.True(t, stored.ScheduledAt.After(time.Now()))
}

func (s *PipelineTestSuite) TestProcessor_InterruptedDeliveryIsRescheduled() {
	t := s.T()
	defer gock.Off()
	gock.New("http://example.com").Post("/notifications").Reply(200).Delay(5 * time.Second)

	entity := s.enqueue("ORD-200008", "http://example.com/notifications")
	processor := s.newProcessor()
	ctx, cancel := context.WithCancel(s.ctx)

	require.NoError(t, processor.Process(ctx, s.toMessage(entity)))
	time.Sleep(200 * time.Millisecond)
	cancel()
	processor.Wait()

	stored, err := s.notifications.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.DeliveredAt)
	assert.Equal(t, 0, stored.DeliveryAttempts)
	require.NotNil(t, stored.ScheduledAt)
	assert.False(t, stored.ScheduledAt.After(time.Now()))
	require.NotNil(t, stored.Error)
}

func (s *PipelineTestSuite) TestProcessor_EmptyURLMarksDelivered() {
	t := s.T()
	entity := s.enqueue("ORD-200005", "")
	processor := s.newProcessor()

	require.NoError(t, processor.Process(s.ctx, s.toMessage(entity)))
	processor.Wait()

	stored, err := s.notifications.SelectByID(s.ctx, entity.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, 0, stored.DeliveryAttempts)
}

func (s *PipelineTestSuite) newProcessor() *callback.Processor {
	sender := callback.NewSender(config.CallbackSender{TimeoutMs: 1000}, discardLogger())
	cfg := config.CallbackProcessor{Parallelism: 2, RescheduleDelayMs: 60_000, MaxDeliveryAttempts: 3}
	return callback.NewProcessor(s.notifications, sender, cfg, discardLogger())
}

func (s *PipelineTestSuite) toMessage(entity *db.NotificationEntity) message.Notification {
	return message.Notification{
		ID:            entity.ID,
		OrderCode:     entity.OrderCode,
		PaymentStatus: entity.PaymentStatus,
		Url:           entity.Url,
		Payload:       entity.Payload,
	}
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}
