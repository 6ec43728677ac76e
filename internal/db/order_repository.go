package db

import (
	"context"
	"time"

	"checkout-service/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const orderColumns = `id, order_code, status, provider_status, provider_message, transaction_uuid,
	last_error, version, created_at, updated_at`

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create stores a new order. Orders are created at checkout initiation.
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) (*model.Order, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Status == "" {
		order.Status = model.StatusPending
	}

	query := `INSERT INTO ticket_payment (id, order_code, status, provider_status, provider_message, transaction_uuid)
	          VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))
	          RETURNING ` + orderColumns
	row := r.pool.QueryRow(ctx, query, order.ID, order.OrderCode, string(order.Status),
		order.ProviderStatus, order.Message, order.TransactionUUID)

	created, err := scanOrder(row)
	if err != nil {
		return nil, errors.Wrapf(err, "insert order %s", order.OrderCode)
	}
	return created, nil
}

func (r *OrderRepository) FindByOrderCode(ctx context.Context, orderCode string) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM ticket_payment WHERE order_code = $1`
	order, err := scanOrder(r.pool.QueryRow(ctx, query, orderCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select order %s", orderCode)
	}
	return order, nil
}

// UpdateStatus applies upd in one transaction. The row is only written when
// its version still equals upd.ExpectedVersion; otherwise nothing is
// written and model.ErrStaleOrder is returned. The notification, if any,
// is stored for the new order version.
func (r *OrderRepository) UpdateStatus(ctx context.Context, upd model.StatusUpdate) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin status update")
	}
	defer tx.Rollback(ctx)

	query := `UPDATE ticket_payment
	          SET status           = $3,
	              provider_status  = NULLIF($4, ''),
	              provider_message = NULLIF($5, ''),
	              transaction_uuid = NULLIF($6, ''),
	              raw_response     = COALESCE($7::jsonb, raw_response),
	              last_error       = NULLIF($8, ''),
	              version          = version + 1,
	              updated_at       = now()
	          WHERE order_code = $1 AND version = $2
	          RETURNING ` + orderColumns

	var raw []byte
	if len(upd.RawAnswer) > 0 {
		raw = upd.RawAnswer
	}

	updated, err := scanOrder(tx.QueryRow(ctx, query, upd.OrderCode, upd.ExpectedVersion, string(upd.Status),
		upd.ProviderStatus, upd.Message, upd.TransactionUUID, raw, upd.LastError))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrStaleOrder
	}
	if err != nil {
		return nil, errors.Wrapf(err, "update order %s", upd.OrderCode)
	}

	if n := upd.Notification; n != nil {
		now := time.Now()
		entity := &NotificationEntity{
			ID:            n.ID,
			OrderCode:     n.OrderCode,
			PaymentStatus: string(n.PaymentStatus),
			OrderVersion:  updated.Version,
			Url:           n.Url,
			Payload:       n.Payload,
			ScheduledAt:   &now,
		}
		inserted, err := insertNotification(ctx, tx, entity)
		if err != nil {
			return nil, err
		}
		if !inserted {
			return nil, errors.Errorf("notification for order %s version %d already exists", upd.OrderCode, updated.Version)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit status update")
	}
	return updated, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var order model.Order
	var status string
	var providerStatus, message, txUUID, lastError *string
	err := row.Scan(&order.ID, &order.OrderCode, &status, &providerStatus, &message, &txUUID,
		&lastError, &order.Version, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}

	order.Status = model.PaymentStatus(status)
	order.ProviderStatus = deref(providerStatus)
	order.Message = deref(message)
	order.TransactionUUID = deref(txUUID)
	order.LastError = deref(lastError)
	return &order, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
