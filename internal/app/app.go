// Package app assembles the scoring core from configuration. Both the worker
// and the operator CLI build their components through it.
package app

import (
	"fmt"

	"github.com/pensionrisk/riskcore/internal/alert"
	"github.com/pensionrisk/riskcore/internal/clock"
	"github.com/pensionrisk/riskcore/internal/kri"
	"github.com/pensionrisk/riskcore/internal/riskscore"
	"github.com/pensionrisk/riskcore/internal/scoring"
	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/metrics"
	"github.com/pensionrisk/riskcore/pkg/resilience"
)

// Store is everything the core reads and writes. The postgres and memory
// repositories both satisfy it.
type Store interface {
	riskscore.RiskRepository
	riskscore.ControlRepository
	riskscore.AssessmentRepository
	kri.KRIRepository
	kri.BreachRepository
	alert.Directory
}

// Options carries the collaborators that are created outside the package.
type Options struct {
	Store Store
	// Publisher is required when the kafka or multi dispatcher is selected.
	Publisher alert.Publisher
	Clock     clock.Clock
	Logger    *logger.Logger
}

// App holds the assembled components.
type App struct {
	Store      Store
	Policy     scoring.Policy
	Breakers   *resilience.Registry
	Dispatcher kri.AlertDispatcher
	State      *kri.MonitorState
	Tracker    *kri.Tracker
	Monitor    *kri.Monitor
	RiskScore  *riskscore.Service
}

// New builds the components described by cfg.
func New(cfg *config.Config, opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	log := opts.Logger

	policy, err := scoring.PolicyFromConfig(cfg.Scoring)
	if err != nil {
		return nil, fmt.Errorf("scoring policy: %w", err)
	}

	breakers := NewBreakers(log)

	dispatcher, err := NewDispatcher(cfg, breakers, opts.Publisher, opts.Clock, log)
	if err != nil {
		return nil, err
	}

	state := kri.NewMonitorState()
	tracker := kri.NewTracker(kri.Deps{
		KRIs:       opts.Store,
		Breaches:   opts.Store,
		Dispatcher: dispatcher,
		Recipients: alert.NewRecipients(opts.Store, cfg.Alerts.RiskManagerRoles),
		Clock:      opts.Clock,
		State:      state,
		Log:        log,
	}, kri.TrackerConfig{
		DispatchTimeout:     cfg.Monitor.DispatchTimeout,
		ResolveOnEscalation: cfg.Monitor.ResolveOnEscalation,
		AlertRatePerSecond:  cfg.Monitor.AlertRatePerSecond,
	})

	monitor := kri.NewMonitor(opts.Store, tracker, opts.Clock, log, kri.MonitorConfig{
		Interval:          cfg.Monitor.Interval,
		EvaluationTimeout: cfg.Monitor.EvaluationTimeout,
	})

	svc := riskscore.NewService(opts.Store, opts.Store, opts.Store, scoring.NewAggregator(policy), log, riskscore.Config{
		Workers:           cfg.RiskScore.Workers,
		RepositoryTimeout: cfg.RiskScore.RepositoryTimeout,
	})

	return &App{
		Store:      opts.Store,
		Policy:     policy,
		Breakers:   breakers,
		Dispatcher: dispatcher,
		State:      state,
		Tracker:    tracker,
		Monitor:    monitor,
		RiskScore:  svc,
	}, nil
}

// NewBreakers creates the per-channel breaker registry and mirrors state
// changes into the breaker gauge.
func NewBreakers(log *logger.Logger) *resilience.Registry {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("breaker")
	tmpl := resilience.DefaultBreakerConfig("")
	tmpl.OnStateChange = func(channel string, from, to resilience.State) {
		metrics.BreakerState.WithLabelValues(channel).Set(float64(to))
		log.Warn("alert channel breaker changed state",
			"channel", channel,
			"from", from.String(),
			"to", to.String(),
		)
	}
	return resilience.NewRegistry(tmpl)
}

// NewDispatcher selects the alert dispatcher named by cfg.Alerts.Dispatcher.
func NewDispatcher(cfg *config.Config, breakers *resilience.Registry, pub alert.Publisher, clk clock.Clock, log *logger.Logger) (kri.AlertDispatcher, error) {
	kafkaDispatcher := func() (kri.AlertDispatcher, error) {
		if pub == nil {
			return nil, fmt.Errorf("alerts.dispatcher %q requires a kafka producer", cfg.Alerts.Dispatcher)
		}
		return alert.NewKafkaDispatcher(pub, cfg.Kafka.Topics.KRIBreached, clk, breakers), nil
	}

	switch cfg.Alerts.Dispatcher {
	case "", "noop":
		return alert.NewNoop(log), nil
	case "notifier":
		return alert.NewNotifier(cfg.Notifications, breakers, log), nil
	case "kafka":
		return kafkaDispatcher()
	case "multi":
		k, err := kafkaDispatcher()
		if err != nil {
			return nil, err
		}
		return alert.Multi{alert.NewNotifier(cfg.Notifications, breakers, log), k}, nil
	default:
		return nil, fmt.Errorf("unknown alerts.dispatcher %q", cfg.Alerts.Dispatcher)
	}
}
