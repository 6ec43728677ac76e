package callback

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"checkout-service/internal/config"
	"github.com/pkg/errors"
)

// Sender delivers status notifications to the downstream receiver.
type Sender struct {
	client *http.Client
	logger *slog.Logger
}

func NewSender(cfg config.CallbackSender, logger *slog.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		logger: logger,
	}
}

func (s *Sender) Send(ctx context.Context, url, payload string) error {
	s.logger.DebugContext(ctx, "Sending notification", "url", url, "payload", payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		return errors.Wrap(err, "create notification request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send notification")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read notification response")
	}

	if resp.StatusCode >= 400 {
		s.logger.WarnContext(ctx, "Receiver rejected notification", "status", resp.StatusCode, "body", string(respBody))
		return errors.Errorf("error response: %s", resp.Status)
	}

	s.logger.InfoContext(ctx, "Notification delivered", "url", url, "status", resp.StatusCode)
	return nil
}
