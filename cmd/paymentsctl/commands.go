package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"telehealth/internal/app"
	"telehealth/internal/auth"
	"telehealth/internal/config"
	"telehealth/internal/db"
	"telehealth/internal/logger"
	"telehealth/internal/service"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the payment tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			gormDB, err := db.Open(cfg.DBDriver, cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			if err := db.Migrate(gormDB); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database migrations completed")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-verify stale pending payments with the gateway",
		Long: `Looks up every payment still pending after --older-than and asks the
gateway for its status. Payments the gateway reports as paid are completed
exactly as if the client had polled for them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Reconcile.SweepPending(cmd.Context(), olderThan, limit)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "Only payments created before now minus this duration")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum payments to check")

	return cmd
}

func verifyCmd() *cobra.Command {
	var gatewayReference bool
	cmd := &cobra.Command{
		Use:   "verify [reference]",
		Short: "Reconcile one payment now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var result *service.Result
			if gatewayReference {
				result, err = a.Reconcile.VerifyByGatewayReference(cmd.Context(), args[0])
			} else {
				result, err = a.Reconcile.VerifyByReference(cmd.Context(), service.ReferenceRequest{Reference: args[0]})
			}
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"outcome":        result.Outcome,
				"gateway_status": result.GatewayStatus(),
			}
			if result.Payment != nil {
				out["reference"] = result.Payment.Reference
				out["status"] = result.Payment.Status
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().BoolVarP(&gatewayReference, "gateway", "g", false, "Treat the argument as a Paystack reference and match by amount")

	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			token, err := auth.NewJWTService(cfg.JWTSecret).GenerateToken(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Operator identity recorded in the token")
	cmd.Flags().StringVarP(&role, "role", "r", auth.RoleAdmin, "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.OperatorTokenExpiry, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func newApp() (*app.App, error) {
	cfg := config.Load()
	return app.New(cfg, logger.New(cfg.LogLevel, cfg.LogFormat))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
