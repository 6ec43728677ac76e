package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/internal/callback"
	"checkout-service/internal/config"
	"checkout-service/internal/db"
	"checkout-service/internal/event"
	"checkout-service/internal/httpapi"
	"checkout-service/internal/izipay"
	"checkout-service/internal/kafka"
	"checkout-service/internal/logging"
	"checkout-service/internal/metrics"
	"checkout-service/internal/payment"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the Kafka consumers and the notification outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	if err := db.RunMigrations(cfg.Database.ConnString(), cfg.Database.MigrationsDir); err != nil {
		return err
	}

	pool, err := db.GetPool(ctx, cfg.Database.ConnString())
	if err != nil {
		return err
	}
	defer pool.Close()

	orders := db.NewOrderRepository(pool)
	notifications := db.NewNotificationRepository(pool)

	svc := payment.NewService(orders, cfg.Callback.Sender.URL, cfg.Reconcile.MaxAttempts, logger)
	signer := izipay.NewSigner(cfg.Provider)

	handler := httpapi.NewHandler(svc, signer, time.Duration(cfg.Server.WriteTimeoutMs)*time.Millisecond, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
	}

	answersReader := kafka.NewReader(cfg.Kafka, cfg.Kafka.Topic.ProviderAnswers)
	defer answersReader.Close()

	notificationWriter := kafka.NewWriter(cfg.Kafka, cfg.Kafka.Topic.Notifications)
	defer notificationWriter.Close()

	notificationReader := kafka.NewReader(cfg.Kafka, cfg.Kafka.Topic.Notifications)
	defer notificationReader.Close()

	backoff := kafka.NewBackoff(cfg.Kafka.Reader)
	eventProcessor := event.NewProcessor(svc, signer, logger)
	producer := callback.NewProducer(notifications, notificationWriter, cfg.Callback.Producer, logger)
	deliveries := callback.NewProcessor(notifications, callback.NewSender(cfg.Callback.Sender, logger), cfg.Callback.Processor, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return kafka.ReadProviderEvents(ctx, answersReader, backoff, eventProcessor, logger)
	})
	g.Go(func() error {
		return producer.Run(ctx)
	})
	g.Go(func() error {
		defer deliveries.Wait()
		return kafka.ReadNotifications(ctx, notificationReader, backoff, deliveries, logger)
	})

	return g.Wait()
}
