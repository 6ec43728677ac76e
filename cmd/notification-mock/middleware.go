package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

type notificationKey struct {
	OrderCode     string `json:"orderCode"`
	OrderVersion  int    `json:"orderVersion"`
	PaymentStatus string `json:"paymentStatus"`
}

// deliveryTracker counts acknowledged deliveries per order version. The
// service sends one notification per status change, so a second
// acknowledged delivery is a duplicate.
type deliveryTracker struct {
	mu     sync.Mutex
	counts map[notificationKey]int
}

func newDeliveryTracker() *deliveryTracker {
	return &deliveryTracker{counts: make(map[notificationKey]int)}
}

func (t *deliveryTracker) record(body []byte) (notificationKey, int, bool) {
	var key notificationKey
	if err := json.Unmarshal(body, &key); err != nil || key.OrderCode == "" {
		return key, 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[key]++
	return key, t.counts[key], true
}

func (t *deliveryTracker) summaryHandler(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		notificationKey
		Deliveries int `json:"deliveries"`
	}

	t.mu.Lock()
	entries := make([]entry, 0, len(t.counts))
	for k, n := range t.counts {
		entries = append(entries, entry{notificationKey: k, Deliveries: n})
	}
	t.mu.Unlock()

	writeJSON(w, http.StatusOK, entries)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger, tracker *deliveryTracker, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Error("Error reading request body", "error", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := logger.With("method", r.Method, "path", r.URL.Path, "status", rec.status)
		if rec.status < http.StatusBadRequest {
			if key, count, ok := tracker.record(body); ok {
				log = log.With("orderCode", key.OrderCode, "orderVersion", key.OrderVersion,
					"paymentStatus", key.PaymentStatus, "deliveries", count)
				if count > 1 {
					log.Warn("Duplicate notification")
				}
			}
		}
		log.Info("Handled request", "body", string(body))
	})
}
