package payload

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Shape tags where the 3-D Secure data of a provider answer was found.
type Shape int

const (
	ShapeNone Shape = iota
	ShapeFlat
	ShapeTransactions
	ShapeThreeDSFallback
)

func (s Shape) String() string {
	switch s {
	case ShapeFlat:
		return "flat"
	case ShapeTransactions:
		return "transactions"
	case ShapeThreeDSFallback:
		return "threeDS"
	default:
		return "none"
	}
}

// Answer is a decoded provider answer. Its layout is defined by the
// provider and differs between the browser redirect and the IPN.
type Answer map[string]any

func ParseAnswer(raw []byte) (Answer, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "decode provider answer")
	}
	a, ok := AsAnswer(v)
	if !ok {
		return nil, errors.New("provider answer is not a JSON object")
	}
	return a, nil
}

func AsAnswer(v any) (Answer, bool) {
	switch m := v.(type) {
	case Answer:
		return m, m != nil
	case map[string]any:
		return Answer(m), m != nil
	default:
		return nil, false
	}
}

func (a Answer) String(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a Answer) Object(key string) Answer {
	o, _ := AsAnswer(a[key])
	return o
}

func (a Answer) Payment() Answer {
	return a.Object("payment")
}

func (a Answer) Transactions() []Answer {
	list, _ := a["transactions"].([]any)
	out := make([]Answer, 0, len(list))
	for _, item := range list {
		if t, ok := AsAnswer(item); ok {
			out = append(out, t)
		}
	}
	return out
}

func (a Answer) latestTransaction() Answer {
	txs := a.Transactions()
	if len(txs) == 0 {
		return nil
	}
	return txs[len(txs)-1]
}

func (a Answer) OrderCode() string {
	if v := a.String("orderId"); v != "" {
		return v
	}
	if v := a.Object("orderDetails").String("orderId"); v != "" {
		return v
	}
	p := a.Payment()
	if v := p.String("orderId"); v != "" {
		return v
	}
	return p.Object("orderDetails").String("orderId")
}

func (a Answer) OrderStatus() string {
	if v := a.String("orderStatus"); v != "" {
		return v
	}
	if v := a.String("status"); v != "" {
		return v
	}
	return a.Payment().String("orderStatus")
}

// TransactionStatus returns the status of the most recent transaction.
func (a Answer) TransactionStatus() string {
	if v := a.String("transactionStatus"); v != "" {
		return v
	}
	if v := a.latestTransaction().String("status"); v != "" {
		return v
	}
	p := a.Payment()
	if v := p.String("transactionStatus"); v != "" {
		return v
	}
	return p.latestTransaction().String("status")
}

// ProviderStatus prefers the order level status over the transaction one.
func (a Answer) ProviderStatus() string {
	if v := a.OrderStatus(); v != "" {
		return v
	}
	return a.TransactionStatus()
}

func (a Answer) TransactionUUID() string {
	if v := a.String("transactionUuid"); v != "" {
		return v
	}
	for _, root := range []Answer{a, a.Payment()} {
		latest := root.latestTransaction()
		if v := latest.String("uuid"); v != "" {
			return v
		}
		if v := latest.String("uuidTransaction"); v != "" {
			return v
		}
	}
	return ""
}

// StatusNotification is the body delivered downstream when an order
// changes payment status.
type StatusNotification struct {
	OrderCode       string    `json:"orderCode"`
	PaymentStatus   string    `json:"paymentStatus"`
	PreviousStatus  string    `json:"previousStatus"`
	OrderVersion    int       `json:"orderVersion"`
	ProviderStatus  string    `json:"providerStatus,omitempty"`
	Message         string    `json:"message,omitempty"`
	TransactionUUID string    `json:"transactionUuid,omitempty"`
	FailureCode     string    `json:"failureCode,omitempty"`
	Origin          string    `json:"origin"`
	OccurredAt      time.Time `json:"occurredAt"`
}
