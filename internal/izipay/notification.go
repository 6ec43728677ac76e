package izipay

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"checkout-service/internal/apperr"
)

const (
	fieldAnswer     = "kr-answer"
	fieldHash       = "kr-hash"
	fieldHashKey    = "kr-hash-key"
	fieldAnswerType = "kr-answer-type"
)

// Notification is a signed provider answer as posted by the gateway.
type Notification struct {
	Answer     string
	Hash       string
	HashKey    string
	AnswerType string
}

// ParseNotification reads an IPN body. The gateway posts form-encoded data
// but relays and test tools send JSON, so both are accepted whatever the
// declared content type. The hash may also be sent as a header.
func ParseNotification(body []byte, header http.Header) (*Notification, error) {
	fields := decodeFields(body)

	n := &Notification{
		Answer:     fields[fieldAnswer],
		Hash:       fields[fieldHash],
		HashKey:    fields[fieldHashKey],
		AnswerType: fields[fieldAnswerType],
	}
	if strings.TrimSpace(n.Answer) == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, "kr-answer is missing", http.StatusBadRequest)
	}
	if n.Hash == "" {
		n.Hash = header.Get("X-Kr-Hash")
	}
	if n.Hash == "" {
		n.Hash = header.Get("Kr-Hash")
	}
	return n, nil
}

func decodeFields(body []byte) map[string]string {
	fields := map[string]string{}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		for k, v := range obj {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		return fields
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return fields
	}
	for k := range values {
		fields[k] = values.Get(k)
	}
	return fields
}
