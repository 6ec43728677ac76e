package message

import (
	"time"

	"github.com/google/uuid"
)

// ProviderEvent is a gateway IPN relayed to Kafka by the edge proxy. The
// kr-* fields are copied verbatim so the signature can be checked here.
type ProviderEvent struct {
	ID         uuid.UUID `json:"id"`
	KrAnswer   string    `json:"krAnswer"`
	KrHash     string    `json:"krHash"`
	KrHashKey  string    `json:"krHashKey"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Notification is an outbox row published for delivery downstream.
type Notification struct {
	ID            uuid.UUID `json:"id"`
	OrderCode     string    `json:"orderCode"`
	PaymentStatus string    `json:"paymentStatus"`
	Url           string    `json:"url"`
	Payload       string    `json:"payload"`
	Attempts      int       `json:"attempts"`
}
