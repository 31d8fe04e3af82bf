package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pensionrisk/riskcore/internal/alert"
	"github.com/pensionrisk/riskcore/internal/app"
	"github.com/pensionrisk/riskcore/internal/repository/memory"
	"github.com/pensionrisk/riskcore/internal/repository/postgres"
	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/database"
	"github.com/pensionrisk/riskcore/pkg/kafka"
	"github.com/pensionrisk/riskcore/pkg/logger"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	memory     bool
	format     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "riskctl",
		Short: "riskctl - operate the risk scoring core",
		Long: `riskctl runs residual risk recalculation and KRI evaluation once.

Configuration is read from RC_* environment variables and an optional
config file. With --memory the commands run against a seeded demo
portfolio instead of PostgreSQL.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("riskctl version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVar(&opts.memory, "memory", false, "Use the seeded in-memory demo portfolio")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "human", "Output format (json, human)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newRecalcCmd(opts),
		newRecalcAllCmd(opts),
		newContributionCmd(opts),
		newEvaluateKRICmd(opts),
		newMonitorTickCmd(opts),
		newSummaryCmd(opts),
	)
	return cmd
}

// loadConfig reads configuration, layering the optional file under RC_*
// environment variables.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	v := viper.New()
	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", o.configFile, err)
		}
	}
	if o.memory {
		v.Set("env", "development")
	}
	return config.LoadWith(v)
}

func (o *globalOptions) logger(cmd *cobra.Command) *logger.Logger {
	return logger.NewWithWriter(cmd.ErrOrStderr(), o.logLevel, "text").WithService("riskctl")
}

// session is an assembled core plus the resources to release afterwards.
type session struct {
	*app.App
	cfg     *config.Config
	closers []func()
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// open assembles the core against PostgreSQL, or the demo store with --memory.
func (o *globalOptions) open(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log := o.logger(cmd)
	s := &session{cfg: cfg}

	var store app.Store
	if o.memory {
		mem := memory.New()
		app.SeedDemo(mem)
		store = mem
	} else {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		store = postgres.New(db.SQL())
	}

	var pub alert.Publisher
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka, log)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create Kafka producer: %w", err)
		}
		s.closers = append(s.closers, func() { _ = producer.Close() })
		pub = producer
	}

	core, err := app.New(cfg, app.Options{Store: store, Publisher: pub, Logger: log})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.App = core
	// alerts triggered by a command are delivered before the process exits
	s.closers = append(s.closers, core.Tracker.Wait)
	return s, nil
}
