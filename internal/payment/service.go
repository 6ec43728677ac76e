// Package payment reconciles payment signals from the browser and from the
// payment gateway with the stored state of ticket orders.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"checkout-service/internal/apperr"
	"checkout-service/internal/logcontext"
	"checkout-service/internal/model"
	"checkout-service/internal/payload"
	"checkout-service/internal/threeds"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	MinOrderCodeLength = 6
	defaultMaxAttempts = 3
)

var (
	unrecognizedStatusCounter = metrics.GetOrCreateCounter(`payment_reconcile_unrecognized_status_total`)
	threeDSFailureCounter     = metrics.GetOrCreateCounter(`payment_reconcile_3ds_failures_total`)
	staleWriteCounter         = metrics.GetOrCreateCounter(`payment_reconcile_stale_writes_total`)
	notificationCounter       = metrics.GetOrCreateCounter(`payment_reconcile_notifications_total`)

	reconcileDurationHistogram = metrics.GetOrCreateHistogram(`payment_reconcile_duration_milliseconds`)
)

type OrderStore interface {
	FindByOrderCode(ctx context.Context, orderCode string) (*model.Order, error)
	UpdateStatus(ctx context.Context, upd model.StatusUpdate) (*model.Order, error)
}

type Input struct {
	OrderCode       string
	ProviderStatus  string
	ProviderMessage string
	TransactionUUID string
	Answer          json.RawMessage
	Origin          model.Origin
	// Override lets an administrator move a terminal order to another
	// terminal status. It is ignored unless Origin is model.OriginAdmin.
	Override bool
}

type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

// Acknowledgement tells the caller what became of its signal.
type Acknowledgement struct {
	Accepted    bool    `json:"accepted"`
	Outcome     Outcome `json:"outcome"`
	FailureCode string  `json:"failureCode,omitempty"`
}

type Fulfillment struct {
	OrderCode       string              `json:"orderCode"`
	PaymentStatus   model.PaymentStatus `json:"paymentStatus"`
	ProviderStatus  string              `json:"providerStatus,omitempty"`
	Message         string              `json:"message,omitempty"`
	TransactionUUID string              `json:"transactionUuid,omitempty"`
	Result          *Acknowledgement    `json:"result,omitempty"`
}

type Service struct {
	store       OrderStore
	notifyURL   string
	maxAttempts int
	logger      *slog.Logger
}

func NewService(store OrderStore, notifyURL string, maxAttempts int, logger *slog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Service{
		store:       store,
		notifyURL:   notifyURL,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// signal is what a single call tells us, independent of stored state.
type signal struct {
	providerStatus  string
	message         string
	transactionUUID string
	target          model.PaymentStatus
	hasTarget       bool
	failure         *threeds.Failure
	rawAnswer       []byte
	origin          model.Origin
	override        bool
}

// Refresh merges a payment signal into the stored order and returns the
// resulting state. Writes are compare-and-swap on the order version; a lost
// race re-reads the order and decides again.
func (s *Service) Refresh(ctx context.Context, in Input) (*Fulfillment, error) {
	start := time.Now()
	defer func() {
		reconcileDurationHistogram.Update(float64(time.Since(start).Milliseconds()))
	}()

	orderCode, err := NormalizeOrderCode(in.OrderCode)
	if err != nil {
		return nil, err
	}

	ctx = logcontext.AppendCtx(ctx,
		slog.String("orderCode", orderCode),
		slog.String("origin", string(in.Origin)),
	)

	sig := s.interpret(ctx, in)

	for attempt := 1; ; attempt++ {
		order, err := s.store.FindByOrderCode(ctx, orderCode)
		if errors.Is(err, model.ErrOrderNotFound) {
			return nil, apperr.OrderNotFound(orderCode)
		}
		if err != nil {
			return nil, errors.Wrap(err, "load order")
		}

		d := decide(order, sig)
		if d.update == nil {
			s.logger.InfoContext(ctx, "Payment signal not applied",
				"outcome", d.outcome, "status", order.Status, "target", d.target)
			countOutcome(d.outcome, sig.origin)
			return toFulfillment(order, d.ack(sig)), nil
		}

		if d.notify {
			notification, err := s.newNotification(order, d, sig)
			if err != nil {
				return nil, err
			}
			d.update.Notification = notification
		}

		updated, err := s.store.UpdateStatus(ctx, *d.update)
		if errors.Is(err, model.ErrStaleOrder) {
			staleWriteCounter.Inc()
			if attempt >= s.maxAttempts {
				s.logger.WarnContext(ctx, "Giving up after concurrent updates", "attempts", attempt)
				return nil, apperr.Conflict(fmt.Sprintf("payment order %s is being updated concurrently", orderCode))
			}
			s.logger.InfoContext(ctx, "Order changed while reconciling, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "persist payment status")
		}

		if d.notify {
			notificationCounter.Inc()
		}
		s.logger.InfoContext(ctx, "Payment status reconciled",
			"from", order.Status, "to", updated.Status, "providerStatus", updated.ProviderStatus,
			"transactionUuid", updated.TransactionUUID, "version", updated.Version)
		countOutcome(OutcomeUpdated, sig.origin)
		return toFulfillment(updated, d.ack(sig)), nil
	}
}

// Load returns the stored state of an order without reconciling it.
func (s *Service) Load(ctx context.Context, orderCode string) (*Fulfillment, error) {
	code, err := NormalizeOrderCode(orderCode)
	if err != nil {
		return nil, err
	}

	order, err := s.store.FindByOrderCode(ctx, code)
	if errors.Is(err, model.ErrOrderNotFound) {
		return nil, apperr.OrderNotFound(code)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load order")
	}
	return toFulfillment(order, nil), nil
}

func NormalizeOrderCode(orderCode string) (string, error) {
	code := strings.TrimSpace(orderCode)
	if utf8.RuneCountInString(code) < MinOrderCodeLength {
		return "", apperr.Validation(fmt.Sprintf("orderCode must have at least %d characters", MinOrderCodeLength))
	}
	return code, nil
}

func (s *Service) interpret(ctx context.Context, in Input) signal {
	sig := signal{
		providerStatus:  strings.TrimSpace(in.ProviderStatus),
		message:         strings.TrimSpace(in.ProviderMessage),
		transactionUUID: strings.TrimSpace(in.TransactionUUID),
		origin:          in.Origin,
	}

	if in.Override {
		if in.Origin == model.OriginAdmin {
			sig.override = true
		} else {
			s.logger.WarnContext(ctx, "Ignoring override requested outside admin origin")
		}
	}

	var answer payload.Answer
	if raw := []byte(in.Answer); len(raw) > 0 && string(raw) != "null" {
		a, err := payload.ParseAnswer(raw)
		if err != nil {
			s.logger.WarnContext(ctx, "Ignoring undecodable provider answer", "error", err)
		} else {
			answer = a
			sig.rawAnswer = raw
		}
	}

	if answer != nil {
		if sig.providerStatus == "" {
			sig.providerStatus = answer.ProviderStatus()
		}
		if sig.transactionUUID == "" {
			sig.transactionUUID = answer.TransactionUUID()
		}
		if failure := threeds.Detect(answer); failure != nil {
			threeDSFailureCounter.Inc()
			s.logger.WarnContext(ctx, "3-D Secure authentication failed",
				"code", failure.Code, "message", failure.Message, "shape", failure.Info.Shape.String(),
				"providerStatus", sig.providerStatus)
			sig.failure = failure
			sig.target = model.StatusFailed
			sig.hasTarget = true
			sig.message = failure.Message
			return sig
		}
	}

	if sig.providerStatus == "" {
		return sig
	}
	if status, ok := MapProviderStatus(sig.providerStatus); ok {
		sig.target = status
		sig.hasTarget = true
		return sig
	}

	unrecognizedStatusCounter.Inc()
	s.logger.WarnContext(ctx, "Unrecognized provider status, keeping stored status",
		"code", apperr.CodeUnrecognizedStatus, "providerStatus", sig.providerStatus)
	return sig
}

func (s *Service) newNotification(order *model.Order, d decision, sig signal) (*model.Notification, error) {
	body := payload.StatusNotification{
		OrderCode:       order.OrderCode,
		PaymentStatus:   string(d.target),
		PreviousStatus:  string(order.Status),
		OrderVersion:    order.Version + 1,
		ProviderStatus:  d.update.ProviderStatus,
		Message:         d.update.Message,
		TransactionUUID: d.update.TransactionUUID,
		Origin:          string(sig.origin),
		OccurredAt:      time.Now().UTC(),
	}
	if sig.failure != nil {
		body.FailureCode = sig.failure.Code
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal status notification")
	}
	return &model.Notification{
		ID:            uuid.New(),
		OrderCode:     order.OrderCode,
		PaymentStatus: d.target,
		Url:           s.notifyURL,
		Payload:       string(b),
	}, nil
}

func toFulfillment(order *model.Order, ack *Acknowledgement) *Fulfillment {
	return &Fulfillment{
		OrderCode:       order.OrderCode,
		PaymentStatus:   order.Status,
		ProviderStatus:  order.ProviderStatus,
		Message:         order.Message,
		TransactionUUID: order.TransactionUUID,
		Result:          ack,
	}
}

func countOutcome(outcome Outcome, origin model.Origin) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`payment_reconcile_total{outcome=%q,origin=%q}`, outcome, origin)).Inc()
}
