package callback

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"checkout-service/internal/callback"
	"checkout-service/internal/config"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSender_Send(t *testing.T) {
	tests := []struct {
		name           string
		mockResponse   func()
		expectedError  bool
		expectedErrMsg string
	}{
		{
			name: "Success",
			mockResponse: func() {
				gock.New("http://example.com").
					Post("/notifications").
					MatchType("json").
					JSON(map[string]string{"orderCode": "ORD-123456", "paymentStatus": "PAID"}).
					Reply(200).
					JSON(map[string]string{"status": "ok"})
			},
			expectedError: false,
		},
		{
			name: "Error",
			mockResponse: func() {
				gock.New("http://example.com").
					Post("/notifications").
					Reply(500).
					JSON(map[string]string{"error": "internal server error"})
			},
			expectedError: true,
		},
		{
			name: "Timeout",
			mockResponse: func() {
				gock.New("http://example.com").
					Post("/notifications").
					Reply(200).
					Delay(2 * time.Second)
			},
			expectedError:  true,
			expectedErrMsg: "Client.Timeout exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			tt.mockResponse()

			sender := callback.NewSender(config.CallbackSender{TimeoutMs: 500}, discardLogger())
			payload := `{"orderCode":"ORD-123456","paymentStatus":"PAID"}`

			err := sender.Send(context.Background(), "http://example.com/notifications", payload)
			if tt.expectedError {
				assert.Error(t, err)
				if tt.expectedErrMsg != "" {
					assert.Contains(t, err.Error(), tt.expectedErrMsg)
				}
			} else {
				assert.NoError(t, err)
			}
			assert.True(t, gock.IsDone())
		})
	}
}
