/*
main.go - Application entry point

PURPOSE:
  Command-line front end for the engagement engine.

COMMANDS:
  serve              HTTP API, metrics and (optionally) the cron scheduler
  reset-credits      Run the weekly credit reset once and exit
  sweep-offers       Time out stale offers once and exit
  audit <provider>   Replay a provider's ledger and compare with its profile

  The one-shot commands exist so an external scheduler can own the batch
  jobs instead of the in-process cron (scheduler.enabled=false).

CONFIGURATION:
  --config path/to/engagement.yaml, then ENGAGEMENT_* environment variables.
  See config/config.go for keys and defaults.

EXAMPLES:
  engagement serve --config ./engagement.yaml
  ENGAGEMENT_STORE_DRIVER=memory engagement serve --port 3000
  engagement audit lawyer-42

SEE ALSO:
  - app.go: Component wiring
*/
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/engagement-engine/assignment"
	"github.com/warp/engagement-engine/config"
	"github.com/warp/engagement-engine/core"
	"github.com/warp/engagement-engine/credits"
	"github.com/warp/engagement-engine/reputation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const oneShotTimeout = 5 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	root := &cobra.Command{
		Use:           "engagement",
		Short:         "Provider reputation, case assignment and client credits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	load := func() (config.Config, error) {
		return config.Load(v, configPath)
	}
	root.AddCommand(
		newServeCmd(v, load),
		newResetCreditsCmd(load),
		newSweepOffersCmd(load),
		newAuditCmd(load),
	)
	return root
}

type loader func() (config.Config, error)

func newServeCmd(v *viper.Viper, load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app := fx.New(
				fx.NopLogger,
				coreModule(cfg),
				serveModule(),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP server port")
	cmd.Flags().Bool("no-scheduler", false, "do not run the in-process cron")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if err := v.BindPFlag("http.port", cmd.Flags().Lookup("port")); err != nil {
			return fmt.Errorf("failed to bind --port: %w", err)
		}
		off, err := cmd.Flags().GetBool("no-scheduler")
		if err != nil {
			return err
		}
		if off {
			v.Set("scheduler.enabled", false)
		}
		return nil
	}
	return cmd
}

func newResetCreditsCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-credits",
		Short: "Run the weekly credit reset once",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				throttle credits.Throttle
				log      *zap.Logger
			)
			return runOnce(load, func(ctx context.Context) error {
				report, err := throttle.ResetWeekly(ctx)
				if err != nil {
					return err
				}
				log.Info("weekly credit reset complete",
					zap.Time("week_start", report.WeekStart),
					zap.Int("reset", report.Reset),
					zap.Int("skipped", report.Skipped))
				return nil
			}, &throttle, &log)
		},
	}
}

func newSweepOffersCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-offers",
		Short: "Time out offers older than offers.ttl once",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				engine *assignment.Engine
				cfg    config.Config
			)
			return runOnce(load, func(ctx context.Context) error {
				n, err := engine.SweepTimedOut(ctx, cfg.Offers.TTL)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d offer(s) timed out\n", n)
				return nil
			}, &engine, &cfg)
		},
	}
}

func newAuditCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <provider-id>",
		Short: "Replay a provider's point history against the stored profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ledger *reputation.Ledger
			return runOnce(load, func(ctx context.Context) error {
				report, err := ledger.Audit(ctx, core.ProviderID(args[0]))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "provider:     %s\n", report.ProviderID)
				fmt.Fprintf(out, "transactions: %d\n", report.Transactions)
				fmt.Fprintf(out, "points:       stored %d, replayed %d\n", report.StoredPoints, report.ReplayedPoints)
				fmt.Fprintf(out, "level:        stored %d, replayed %d\n", report.StoredLevel, report.ReplayedLevel)
				if !report.Consistent() {
					return fmt.Errorf("provider %s: stored standing does not match its ledger", report.ProviderID)
				}
				fmt.Fprintln(out, "consistent")
				return nil
			}, &ledger)
		},
	}
}

// runOnce starts the core graph, runs fn, and stops the graph. targets are
// pointers filled from the graph before fn runs.
func runOnce(load loader, fn func(ctx context.Context) error, targets ...any) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	app := fx.New(
		fx.NopLogger,
		coreModule(cfg),
		fx.Populate(targets...),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx)
	if err := app.Stop(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
