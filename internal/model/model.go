package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusPaid      PaymentStatus = "PAID"
	StatusFailed    PaymentStatus = "FAILED"
	StatusCancelled PaymentStatus = "CANCELLED"
	StatusExpired   PaymentStatus = "EXPIRED"
)

// Terminal reports whether no automatic transition may leave s.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
	OriginAdmin  Origin = "admin"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrStaleOrder    = errors.New("order was modified concurrently")
)

type Order struct {
	ID              uuid.UUID
	OrderCode       string
	Status          PaymentStatus
	ProviderStatus  string
	Message         string
	TransactionUUID string
	LastError       string
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StatusUpdate is applied as a single write guarded by ExpectedVersion.
type StatusUpdate struct {
	OrderCode       string
	ExpectedVersion int
	Status          PaymentStatus
	ProviderStatus  string
	Message         string
	TransactionUUID string
	// LastError is the failure code of the signal, empty when none.
	LastError    string
	RawAnswer    []byte
	Notification *Notification
}

type Notification struct {
	ID            uuid.UUID
	OrderCode     string
	PaymentStatus PaymentStatus
	Url           string
	Payload       string
}
