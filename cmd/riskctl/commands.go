package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pensionrisk/riskcore/internal/repository/postgres"
	"github.com/pensionrisk/riskcore/internal/riskscore"
	"github.com/pensionrisk/riskcore/pkg/database"
)

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.memory {
				return errors.New("migrate needs a database; drop --memory")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := database.New(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			if err := postgres.New(db.SQL()).Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newRecalcCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recalc <risk-id>",
		Short: "Recalculate and store the residual score of one risk",
		Example: `  riskctl recalc risk-concentration
  riskctl --memory recalc risk-liquidity --format=json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.RiskScore.RecalculateRisk(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, res)
		},
	}
}

func newRecalcAllCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recalc-all",
		Short: "Recalculate every risk with mapped controls",
		Long: `Recalculate every risk with at least one mapped control.

Per-risk failures are reported and make the command exit non-zero once
every risk has been attempted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.RiskScore.RecalculateAllRisks(cmd.Context())
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), opts.format, items); err != nil {
				return err
			}
			if failed := riskscore.Failed(items); len(failed) > 0 {
				return fmt.Errorf("%d of %d risks failed", len(failed), len(items))
			}
			return nil
		},
	}
}

func newContributionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "contribution <risk-id> <control-id>",
		Short: "Show how much one control adds to a risk's aggregate effectiveness",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := s.RiskScore.ComputeControlContribution(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, c)
		},
	}
}

func newEvaluateKRICmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate-kri <kri-id> <value>",
		Short: "Record a KRI measurement and apply the breach transition",
		Example: `  riskctl evaluate-kri kri-funding-ratio 96.4
  riskctl --memory evaluate-kri kri-top10-share 31`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}

			s, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			eval, err := s.Tracker.EvaluateKRI(cmd.Context(), args[0], value)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, eval)
		},
	}
}

func newMonitorTickCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor-tick",
		Short: "Run one KRI monitor pass over every active KRI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.Monitor.Tick(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, res)
		},
	}
}

func newSummaryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show portfolio KRI health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sum, err := s.Monitor.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, sum)
		},
	}
}
