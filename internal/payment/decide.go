package payment

import (
	"checkout-service/internal/apperr"
	"checkout-service/internal/model"
)

type decision struct {
	outcome Outcome
	target  model.PaymentStatus
	update  *model.StatusUpdate
	notify  bool
}

func (d decision) ack(sig signal) *Acknowledgement {
	ack := &Acknowledgement{
		Accepted: d.outcome == OutcomeUpdated || d.outcome == OutcomeUnchanged,
		Outcome:  d.outcome,
	}
	switch {
	case sig.failure != nil:
		ack.FailureCode = sig.failure.Code
	case !sig.hasTarget && sig.providerStatus != "":
		ack.FailureCode = apperr.CodeUnrecognizedStatus
	}
	return ack
}

// decide merges sig into order. A nil update means nothing is written.
func decide(order *model.Order, sig signal) decision {
	target := order.Status
	if sig.hasTarget {
		target = sig.target
	}

	if order.Status.Terminal() {
		switch {
		case !sig.hasTarget:
			return decision{outcome: OutcomeIgnored, target: order.Status}
		case target == order.Status:
		case sig.override && target.Terminal():
		default:
			return decision{outcome: OutcomeRejected, target: target}
		}
	}

	upd := model.StatusUpdate{
		OrderCode:       order.OrderCode,
		ExpectedVersion: order.Version,
		Status:          target,
		ProviderStatus:  firstNonEmpty(sig.providerStatus, order.ProviderStatus),
		Message:         firstNonEmpty(sig.message, order.Message),
		TransactionUUID: firstNonEmpty(sig.transactionUUID, order.TransactionUUID),
		RawAnswer:       sig.rawAnswer,
	}
	if sig.failure != nil {
		upd.LastError = sig.failure.Code
	}

	if upd.Status == order.Status &&
		upd.ProviderStatus == order.ProviderStatus &&
		upd.Message == order.Message &&
		upd.TransactionUUID == order.TransactionUUID {
		return decision{outcome: OutcomeUnchanged, target: target}
	}

	return decision{
		outcome: OutcomeUpdated,
		target:  target,
		update:  &upd,
		notify:  target != order.Status,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
