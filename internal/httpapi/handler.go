// Package httpapi exposes the checkout payment routes and the gateway
// webhook.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/izipay"
	"checkout-service/internal/logcontext"
	"checkout-service/internal/metrics"
	"checkout-service/internal/model"
	"checkout-service/internal/payload"
	"checkout-service/internal/payment"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

type reconciler interface {
	Refresh(ctx context.Context, in payment.Input) (*payment.Fulfillment, error)
	Load(ctx context.Context, orderCode string) (*payment.Fulfillment, error)
}

type Handler struct {
	reconciler     reconciler
	signer         *izipay.Signer
	validate       *validator.Validate
	requestTimeout time.Duration
	logger         *slog.Logger
}

func NewHandler(r reconciler, signer *izipay.Signer, requestTimeout time.Duration, logger *slog.Logger) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		reconciler:     r,
		signer:         signer,
		validate:       validate,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Routes returns the service mux wrapped in the request logging middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /events/{slug}/checkout/finalize", h.Finalize)
	mux.HandleFunc("GET /events/{slug}/checkout/status", h.Status)
	mux.HandleFunc("POST /webhook-izipay", h.Webhook)
	return Logging(h.logger, mux)
}

type finalizeRequest struct {
	OrderCode       string          `json:"orderCode" validate:"required,min=6"`
	ProviderStatus  string          `json:"providerStatus"`
	ProviderMessage string          `json:"providerMessage"`
	TransactionUUID string          `json:"transactionUuid"`
	Answer          json.RawMessage `json:"answer"`
}

func (r *finalizeRequest) trim() {
	r.OrderCode = strings.TrimSpace(r.OrderCode)
	r.ProviderStatus = strings.TrimSpace(r.ProviderStatus)
	r.ProviderMessage = strings.TrimSpace(r.ProviderMessage)
	r.TransactionUUID = strings.TrimSpace(r.TransactionUUID)
}

type statusQuery struct {
	OrderCode string `json:"orderCode" validate:"required,min=6"`
}

type webhookResponse struct {
	OK            bool                `json:"ok"`
	PaymentStatus model.PaymentStatus `json:"paymentStatus"`
	OrderCode     string              `json:"orderCode"`
}

// Finalize reconciles the payment outcome reported by the browser once the
// payment form closes.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	ctx := logcontext.AppendCtx(r.Context(), slog.String("slug", r.PathValue("slug")))

	var req finalizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   apperr.CodeInvalidBody,
			Details: &validationDetails{FormErrors: []string{"request body must be a JSON object"}},
		})
		return
	}
	req.trim()
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, apperr.CodeInvalidBody, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()

	result, err := h.reconciler.Refresh(ctx, payment.Input{
		OrderCode:       req.OrderCode,
		ProviderStatus:  req.ProviderStatus,
		ProviderMessage: req.ProviderMessage,
		TransactionUUID: req.TransactionUUID,
		Answer:          req.Answer,
		Origin:          model.OriginClient,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status returns the stored payment state of an order.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := logcontext.AppendCtx(r.Context(), slog.String("slug", r.PathValue("slug")))

	q := statusQuery{OrderCode: strings.TrimSpace(r.URL.Query().Get("orderCode"))}
	if err := h.validate.Struct(q); err != nil {
		writeValidationError(w, apperr.CodeInvalidQuery, err)
		return
	}

	result, err := h.reconciler.Load(ctx, q.OrderCode)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Webhook handles the gateway IPN. The signature is checked before the
// answer is trusted.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(ctx, w, apperr.New(apperr.CodeInvalidPayload, "request body could not be read", http.StatusBadRequest))
		return
	}

	n, err := izipay.ParseNotification(body, r.Header)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	if !h.signer.Verify(n.Answer, n.Hash, n.HashKey) {
		h.logger.WarnContext(ctx, "Rejected webhook with invalid signature",
			"hasSignature", n.Hash != "", "hashKey", n.HashKey, "answerType", n.AnswerType)
		h.writeError(ctx, w, apperr.New(apperr.CodeInvalidSignature, "signature does not match", http.StatusBadRequest))
		return
	}

	answer, err := payload.ParseAnswer([]byte(n.Answer))
	if err != nil {
		h.logger.ErrorContext(ctx, "Could not parse webhook answer", "error", err)
		h.writeError(ctx, w, apperr.New(apperr.CodeInvalidAnswer, "kr-answer is not a JSON object", http.StatusBadRequest))
		return
	}

	orderCode := answer.OrderCode()
	if orderCode == "" {
		h.logger.ErrorContext(ctx, "Webhook answer carries no order id")
		h.writeError(ctx, w, apperr.New(apperr.CodeOrderNotFound, "answer carries no order id", http.StatusBadRequest))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()

	result, err := h.reconciler.Refresh(ctx, payment.Input{
		OrderCode:       orderCode,
		ProviderStatus:  answer.ProviderStatus(),
		TransactionUUID: answer.TransactionUUID(),
		Answer:          json.RawMessage(n.Answer),
		Origin:          model.OriginServer,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{OK: true, PaymentStatus: result.PaymentStatus, OrderCode: result.OrderCode})
}
