// Command notification-mock receives payment status notifications during
// local runs and reports duplicate deliveries.
package main

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"
)

const (
	errorRate   = 0.5
	contentType = "application/json"
	addr        = ":8085"
)

type ackResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "notification-mock")
	tracker := newDeliveryTracker()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /notifications", alwaysSuccessHandler)
	mux.HandleFunc("POST /notifications/delayed", successDelayedHandler)
	mux.HandleFunc("POST /notifications/fail", alwaysFailHandler)
	mux.HandleFunc("POST /notifications/random-fail", randomFailHandler)
	mux.HandleFunc("GET /deliveries", tracker.summaryHandler)

	logger.Info("Listening", "addr", addr)
	if err := http.ListenAndServe(addr, loggingMiddleware(logger, tracker, mux)); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func alwaysSuccessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ackResponse{Success: true})
}

func successDelayedHandler(w http.ResponseWriter, _ *http.Request) {
	time.Sleep(time.Duration(3+rand.IntN(6)) * time.Second)
	writeJSON(w, http.StatusOK, ackResponse{Success: true})
}

func alwaysFailHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
}

func randomFailHandler(w http.ResponseWriter, _ *http.Request) {
	if rand.Float64() < errorRate {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Success: true})
}
