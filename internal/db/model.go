package db

import (
	"time"

	"github.com/google/uuid"
)

type NotificationEntity struct {
	ID               uuid.UUID
	OrderCode        string
	PaymentStatus    string
	OrderVersion     int
	Url              string
	Payload          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ScheduledAt      *time.Time
	PublishedAt      *time.Time
	DeliveredAt      *time.Time
	PublishAttempts  int
	DeliveryAttempts int
	Error            *string
}
