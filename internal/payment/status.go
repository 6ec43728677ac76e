package payment

import (
	"strings"

	"checkout-service/internal/model"
)

// providerStatuses maps the order and transaction statuses documented by
// the payment gateway to canonical payment statuses.
var providerStatuses = map[string]model.PaymentStatus{
	// order statuses
	"PAID":           model.StatusPaid,
	"UNPAID":         model.StatusFailed,
	"RUNNING":        model.StatusPending,
	"PARTIALLY_PAID": model.StatusPending,
	"ABANDONED":      model.StatusCancelled,

	// transaction statuses
	"AUTHORISED":                        model.StatusPaid,
	"AUTHORIZED":                        model.StatusPaid,
	"AUTHORISED_TO_VALIDATE":            model.StatusPaid,
	"CAPTURED":                          model.StatusPaid,
	"CAPTURE":                           model.StatusPaid,
	"INITIAL":                           model.StatusPending,
	"PENDING":                           model.StatusPending,
	"WAITING_AUTHORISATION":             model.StatusPending,
	"WAITING_AUTHORISATION_TO_VALIDATE": model.StatusPending,
	"UNDER_VERIFICATION":                model.StatusPending,
	"PRE_AUTHORISED":                    model.StatusPending,
	"REFUSED":                           model.StatusFailed,
	"DECLINED":                          model.StatusFailed,
	"FAILED":                            model.StatusFailed,
	"ERROR":                             model.StatusFailed,
	"CAPTURE_FAILED":                    model.StatusFailed,
	"CANCELLED":                         model.StatusCancelled,
	"CANCELED":                          model.StatusCancelled,
	"EXPIRED":                           model.StatusExpired,
}

// MapProviderStatus returns the canonical status for a provider status
// string. The second result is false for strings outside the vocabulary.
func MapProviderStatus(providerStatus string) (model.PaymentStatus, bool) {
	status, ok := providerStatuses[strings.ToUpper(strings.TrimSpace(providerStatus))]
	return status, ok
}
