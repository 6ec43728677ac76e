package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const notificationColumns = `id, order_code, payment_status, order_version, url, payload, created_at, updated_at,
	scheduled_at, published_at, delivered_at, publish_attempts, delivery_attempts, error`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// NotificationRepository is the outbox of payment status notifications.
type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Create inserts entity. It returns false when a notification for the same
// order version already exists.
func (r *NotificationRepository) Create(ctx context.Context, entity *NotificationEntity) (bool, error) {
	return insertNotification(ctx, r.pool, entity)
}

func insertNotification(ctx context.Context, db execer, entity *NotificationEntity) (bool, error) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	query := `INSERT INTO payment_notification (id, order_code, payment_status, order_version, url, payload,
	                                            scheduled_at, publish_attempts, delivery_attempts)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (order_code, order_version) DO NOTHING`
	tag, err := db.Exec(ctx, query, entity.ID, entity.OrderCode, entity.PaymentStatus, entity.OrderVersion, entity.Url,
		entity.Payload, entity.ScheduledAt, entity.PublishAttempts, entity.DeliveryAttempts)
	if err != nil {
		return false, errors.Wrapf(err, "insert notification for order %s", entity.OrderCode)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *NotificationRepository) SelectByID(ctx context.Context, id uuid.UUID) (*NotificationEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM payment_notification WHERE id = $1`
	return scanNotification(r.pool.QueryRow(ctx, query, id))
}

func (r *NotificationRepository) SelectByOrderCode(ctx context.Context, orderCode string) ([]*NotificationEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM payment_notification WHERE order_code = $1 ORDER BY order_version, created_at`
	rows, err := r.pool.Query(ctx, query, orderCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// GetUnpublishedNotifications locks up to limit due notifications. Rows
// locked by a concurrent producer are skipped.
func (r *NotificationRepository) GetUnpublishedNotifications(ctx context.Context, tx pgx.Tx, limit int) ([]*NotificationEntity, error) {
	query := `SELECT ` + notificationColumns + `
	          FROM payment_notification
	          WHERE scheduled_at <= now()
	          ORDER BY scheduled_at
	          LIMIT $1 FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (r *NotificationRepository) Update(ctx context.Context, tx pgx.Tx, entity *NotificationEntity) error {
	query := `UPDATE payment_notification
	          SET scheduled_at = $2, published_at = $3, publish_attempts = $4, error = $5, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.PublishAttempts, entity.Error)
	return err
}

func (r *NotificationRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*NotificationEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM payment_notification WHERE id = $1 FOR UPDATE`
	return scanNotification(tx.QueryRow(ctx, query, id))
}

func (r *NotificationRepository) UpdateScheduledAtAndAttemptsByID(ctx context.Context, tx pgx.Tx, id uuid.UUID, scheduledAt *time.Time, attempts int, errMsg string) error {
	query := `UPDATE payment_notification
	          SET scheduled_at = $2, delivery_attempts = $3, error = $4, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, scheduledAt, attempts, errMsg)
	return err
}

func (r *NotificationRepository) UpdateAttemptsAndDeliveredAtByID(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, deliveredAt time.Time) error {
	query := `UPDATE payment_notification
	          SET delivery_attempts = $2, delivered_at = $3, scheduled_at = NULL, error = NULL, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, attempts, deliveredAt)
	return err
}

func collectNotifications(rows pgx.Rows) ([]*NotificationEntity, error) {
	var entities []*NotificationEntity
	for rows.Next() {
		entity, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func scanNotification(row pgx.Row) (*NotificationEntity, error) {
	var entity NotificationEntity
	err := row.Scan(&entity.ID, &entity.OrderCode, &entity.PaymentStatus, &entity.OrderVersion, &entity.Url, &entity.Payload,
		&entity.CreatedAt, &entity.UpdatedAt, &entity.ScheduledAt, &entity.PublishedAt, &entity.DeliveredAt,
		&entity.PublishAttempts, &entity.DeliveryAttempts, &entity.Error)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}
