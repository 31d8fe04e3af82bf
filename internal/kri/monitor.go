package kri

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pensionrisk/riskcore/internal/clock"
	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/metrics"
	"github.com/pensionrisk/riskcore/pkg/models"
)

// MonitorConfig holds monitor loop settings.
type MonitorConfig struct {
	Interval          time.Duration
	EvaluationTimeout time.Duration
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:          5 * time.Minute,
		EvaluationTimeout: 30 * time.Second,
	}
}

// TickResult summarizes one pass over the active KRIs.
type TickResult struct {
	RunID       string
	Evaluated   int
	Failed      int
	Opened      int
	Resolved    int
	Breached    int
	Evaluations []Evaluation
}

// Monitor periodically re-evaluates every active KRI.
type Monitor struct {
	kris    KRIRepository
	tracker *Tracker
	clock   clock.Clock
	cfg     MonitorConfig
	log     *logger.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor driving tracker across the KRIs in kris.
func NewMonitor(kris KRIRepository, tracker *Tracker, clk clock.Clock, log *logger.Logger, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = DefaultMonitorConfig().EvaluationTimeout
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		kris:    kris,
		tracker: tracker,
		clock:   clk,
		cfg:     cfg,
		log:     log.WithComponent("kri-monitor"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the monitor loop. The first pass runs immediately.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.log.Info("starting kri monitor", "interval", m.cfg.Interval.String())
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop signals the loop to exit, waits for the in-flight pass and for
// pending alert dispatches. No new pass starts after Stop returns.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.log.Info("stopping kri monitor")
		m.cancel()
		m.wg.Wait()
		m.tracker.Wait()
		m.log.Info("kri monitor stopped")
	})
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.runTick()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			// Stop may race with the ticker; prefer stopping
			if m.ctx.Err() != nil {
				return
			}
			m.runTick()
		}
	}
}

func (m *Monitor) runTick() {
	// the KRI being evaluated when Stop is called still completes
	ctx := context.WithoutCancel(m.ctx)
	if _, err := m.Tick(ctx); err != nil {
		m.log.Error("kri monitor pass failed", "error", err)
	}
}

// Tick evaluates every active KRI once. A failure on one KRI is logged and
// counted; only failing to list KRIs fails the tick.
func (m *Monitor) Tick(ctx context.Context) (*TickResult, error) {
	start := time.Now()
	defer metrics.ObserveSince(metrics.MonitorTickDuration, start)

	runID := uuid.NewString()
	ctx = logger.SetContextValue(ctx, logger.RunIDKey, runID)
	log := m.log.WithContext(ctx)

	listCtx, cancel := context.WithTimeout(ctx, m.cfg.EvaluationTimeout)
	kris, err := m.kris.GetActiveKRIs(listCtx)
	cancel()
	if err != nil {
		err = fmt.Errorf("list active kris: %w", err)
		m.tracker.State().recordTick(m.clock.Now(), err)
		return nil, err
	}

	res := &TickResult{RunID: runID, Evaluations: make([]Evaluation, 0, len(kris))}
	for i, k := range kris {
		if m.ctx.Err() != nil {
			log.Info("kri monitor stopping, pass cut short", "remaining", len(kris)-i)
			break
		}
		eval, err := m.evaluateOne(ctx, k)
		if err != nil {
			res.Failed++
			log.Warn("kri evaluation failed", "kri_id", k.ID, "error", err)
			continue
		}
		res.Evaluated++
		res.Evaluations = append(res.Evaluations, *eval)
		if eval.Status.IsBreach() {
			res.Breached++
		}
		switch eval.Transition.Kind {
		case TransitionOpened, TransitionLevelChanged:
			res.Opened++
		case TransitionResolved:
			res.Resolved++
		}
	}

	metrics.OpenBreaches.Set(float64(res.Breached))
	m.tracker.State().recordTick(m.clock.Now(), nil)
	log.Info("kri monitor pass complete",
		"kris", len(kris),
		"evaluated", res.Evaluated,
		"failed", res.Failed,
		"opened", res.Opened,
		"resolved", res.Resolved,
	)
	return res, nil
}

func (m *Monitor) evaluateOne(ctx context.Context, k models.KRI) (*Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EvaluationTimeout)
	defer cancel()
	ctx = logger.SetContextValue(ctx, logger.KRIIDKey, k.ID)
	return m.tracker.EvaluateCurrent(ctx, k.ID)
}

// Summary reports portfolio KRI health from the stored statuses.
func (m *Monitor) Summary(ctx context.Context) (*models.KRISummary, error) {
	kris, err := m.kris.GetActiveKRIs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active kris: %w", err)
	}
	return Summarize(kris, m.clock.Now()), nil
}

// Summarize computes KRI health counts. With no KRIs the compliance rate is 100.
func Summarize(kris []models.KRI, at time.Time) *models.KRISummary {
	s := &models.KRISummary{TotalKRIs: len(kris), CalculatedAt: at}
	for _, k := range kris {
		switch {
		case k.CurrentValue == nil:
			s.UnmeasuredKRIs++
		case k.Status.IsBreach():
			s.BreachedKRIs++
			if k.Status == models.KRIStatusCritical {
				s.CriticalKRIs++
			}
		}
	}
	s.ComplianceRate = 100
	if s.TotalKRIs > 0 {
		rate := float64(s.TotalKRIs-s.BreachedKRIs) / float64(s.TotalKRIs) * 100
		s.ComplianceRate = math.Round(rate*100) / 100
	}
	return s
}
