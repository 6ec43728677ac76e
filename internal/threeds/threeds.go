// Package threeds locates 3-D Secure authentication data inside provider
// answers of varying layout and classifies failed authentications.
//
// Nothing in this package returns an error: a payload without 3-D Secure
// data yields a nil Info, and a nil Info never classifies as a failure.
package threeds

import (
	"maps"
	"slices"
	"strings"

	"checkout-service/internal/payload"
)

// maxDepth bounds the fallback search through unknown payloads.
const maxDepth = 8

type Info struct {
	Shape           payload.Shape
	TransStatus     string
	Status          string
	ChallengeResult string
	StatusReason    string
	ReasonCode      string
	ReasonMessage   string
	Flow            string
	Version         string
	Raw             map[string]any
}

// Extract returns the 3-D Secure data of v, or nil when v carries none.
//
// Each of v and its nested "payment" object is searched for, in order, a
// 3-D Secure authentication object, 3-D Secure data inside a
// "transactions" element (latest element first), a "threeDS" object, and
// 3-D Secure fields on the object itself. A bounded depth-first search over v is the last
// resort.
func Extract(v any) *Info {
	root, ok := payload.AsAnswer(v)
	if !ok {
		return nil
	}

	for _, candidate := range []payload.Answer{root, root.Payment()} {
		if candidate == nil {
			continue
		}
		if node, shape := findNode(candidate); node != nil {
			return newInfo(node, shape)
		}
	}

	if node, inTransactions := deepFind(root, 0, false); node != nil {
		shape := payload.ShapeFlat
		if inTransactions {
			shape = payload.ShapeTransactions
		}
		return newInfo(node, shape)
	}
	return nil
}

func findNode(a payload.Answer) (payload.Answer, payload.Shape) {
	if node := childObject(a, isAuthenticationKey); node != nil {
		return node, payload.ShapeFlat
	}
	// The latest transaction is the one whose status and uuid are used.
	txs := a.Transactions()
	for i := len(txs) - 1; i >= 0; i-- {
		if node, _ := deepFind(txs[i], 0, true); node != nil {
			return node, payload.ShapeTransactions
		}
	}
	if node := childObject(a, isFallbackKey); node != nil {
		return node, payload.ShapeThreeDSFallback
	}
	if looksLikeThreeDS(a) {
		return a, payload.ShapeFlat
	}
	return nil, payload.ShapeNone
}

func deepFind(v any, depth int, inTransactions bool) (payload.Answer, bool) {
	if depth > maxDepth {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if node, tx := deepFind(item, depth+1, inTransactions); node != nil {
				return node, tx
			}
		}
		return nil, false
	}

	record, ok := payload.AsAnswer(v)
	if !ok {
		return nil, false
	}
	if node := childObject(record, func(k string) bool { return isAuthenticationKey(k) || isFallbackKey(k) }); node != nil {
		return node, inTransactions
	}
	if looksLikeThreeDS(record) {
		return record, inTransactions
	}
	for _, key := range sortedKeys(record) {
		child := record[key]
		if node, tx := deepFind(child, depth+1, inTransactions || key == "transactions"); node != nil {
			return node, tx
		}
	}
	return nil, false
}

func newInfo(node payload.Answer, shape payload.Shape) *Info {
	return &Info{
		Shape:           shape,
		TransStatus:     readString(node, "transStatus", "trans_status"),
		Status:          readString(node, "status", "result", "threeDSStatus"),
		ChallengeResult: readString(node, "challengeResult", "challengeStatus"),
		StatusReason:    readString(node, "transStatusReason", "statusReason"),
		ReasonCode:      readString(node, "reasonCode", "errorCode", "detailedReasonCode"),
		ReasonMessage:   readString(node, "reasonMessage", "message", "detailedReasonMessage"),
		Flow:            readString(node, "flow", "threeDSFlow", "authenticationFlow"),
		Version:         readString(node, "version", "protocolVersion", "messageVersion"),
		Raw:             node,
	}
}

func childObject(a payload.Answer, match func(normalizedKey string) bool) payload.Answer {
	for _, key := range sortedKeys(a) {
		if !match(normalizeKey(key)) {
			continue
		}
		if child, ok := payload.AsAnswer(a[key]); ok {
			return child
		}
	}
	return nil
}

func isAuthenticationKey(k string) bool {
	return strings.Contains(k, "threedsauthentication")
}

func isFallbackKey(k string) bool {
	return k == "threeds"
}

func looksLikeThreeDS(a payload.Answer) bool {
	for key := range a {
		switch k := normalizeKey(key); {
		case strings.Contains(k, "threeds"),
			k == "transstatus",
			k == "challengeresult",
			k == "challengestatus":
			return true
		}
	}
	return false
}

// readString returns the first string value whose key matches one of the
// candidates, ignoring case and punctuation.
func readString(a payload.Answer, candidates ...string) string {
	keys := sortedKeys(a)
	for _, candidate := range candidates {
		want := normalizeKey(candidate)
		for _, key := range keys {
			if normalizeKey(key) != want {
				continue
			}
			if s, ok := a[key].(string); ok {
				return s
			}
		}
	}
	return ""
}

func normalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sortedKeys(a payload.Answer) []string {
	return slices.Sorted(maps.Keys(a))
}
