package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"checkout-service/internal/apperr"
	"checkout-service/internal/izipay"
	"checkout-service/internal/logcontext"
	"checkout-service/internal/message"
	"checkout-service/internal/model"
	"checkout-service/internal/payload"
	"checkout-service/internal/payment"
	"github.com/pkg/errors"
)

type reconciler interface {
	Refresh(ctx context.Context, in payment.Input) (*payment.Fulfillment, error)
}

// Processor applies gateway IPNs relayed through Kafka. They are handled
// exactly like the webhook: verified first, then reconciled as server
// signals.
type Processor struct {
	reconciler reconciler
	signer     *izipay.Signer
	logger     *slog.Logger
}

func NewProcessor(r reconciler, signer *izipay.Signer, logger *slog.Logger) *Processor {
	return &Processor{reconciler: r, signer: signer, logger: logger}
}

func (p *Processor) Process(ctx context.Context, e message.ProviderEvent) error {
	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", e.ID.String()))

	if !p.signer.Verify(e.KrAnswer, e.KrHash, e.KrHashKey) {
		p.logger.WarnContext(ctx, "Dropping provider event with invalid signature", "hashKey", e.KrHashKey)
		return apperr.New(apperr.CodeInvalidSignature, "signature does not match", http.StatusBadRequest)
	}

	answer, err := payload.ParseAnswer([]byte(e.KrAnswer))
	if err != nil {
		return apperr.New(apperr.CodeInvalidAnswer, err.Error(), http.StatusBadRequest)
	}
	orderCode := answer.OrderCode()
	if orderCode == "" {
		return apperr.New(apperr.CodeOrderNotFound, "answer carries no order id", http.StatusBadRequest)
	}

	result, err := p.reconciler.Refresh(ctx, payment.Input{
		OrderCode:       orderCode,
		ProviderStatus:  answer.ProviderStatus(),
		TransactionUUID: answer.TransactionUUID(),
		Answer:          json.RawMessage(e.KrAnswer),
		Origin:          model.OriginServer,
	})
	if err != nil {
		return errors.Wrapf(err, "reconcile order %s", orderCode)
	}

	p.logger.InfoContext(ctx, "Processed provider event",
		"orderCode", result.OrderCode, "paymentStatus", result.PaymentStatus, "outcome", result.Result.Outcome)
	return nil
}
