package main

import (
	"context"
	"encoding/json"
	"os"

	"checkout-service/internal/config"
	"checkout-service/internal/db"
	"checkout-service/internal/logging"
	"checkout-service/internal/model"
	"checkout-service/internal/payment"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <orderCode>",
		Short: "Print the stored payment state of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(svc *payment.Service) error {
				result, err := svc.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var (
		status   string
		message  string
		override bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile <orderCode>",
		Short: "Apply a provider status to an order as an administrator",
		Long: `Apply a provider status to an order as an administrator.

Without --override a terminal order only accepts its own status. With
--override it may be moved to another terminal status, never back to PENDING.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(svc *payment.Service) error {
				result, err := svc.Refresh(cmd.Context(), payment.Input{
					OrderCode:       args[0],
					ProviderStatus:  status,
					ProviderMessage: message,
					Origin:          model.OriginAdmin,
					Override:        override,
				})
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "provider status to apply, e.g. PAID or REFUSED")
	cmd.Flags().StringVar(&message, "message", "", "message stored with the order")
	cmd.Flags().BoolVar(&override, "override", false, "allow moving a terminal order to another terminal status")
	_ = cmd.MarkFlagRequired("status")

	return cmd
}

func withService(ctx context.Context, fn func(*payment.Service) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.GetLogger(cfg.Logs)

	pool, err := db.GetPool(ctx, cfg.Database.ConnString())
	if err != nil {
		return err
	}
	defer pool.Close()

	svc := payment.NewService(db.NewOrderRepository(pool), cfg.Callback.Sender.URL, cfg.Reconcile.MaxAttempts, logger)
	return fn(svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "print result")
	}
	return nil
}
