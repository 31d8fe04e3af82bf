// Package riskscore recalculates residual risk scores from mapped controls.
package riskscore

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pensionrisk/riskcore/internal/keylock"
	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/internal/scoring"
	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/metrics"
	"github.com/pensionrisk/riskcore/pkg/models"
	"github.com/pensionrisk/riskcore/pkg/telemetry"
)

// RiskRepository reads risks and stores the scores this package owns.
type RiskRepository interface {
	GetRisk(ctx context.Context, id string) (*models.Risk, error)
	SaveResidualScore(ctx context.Context, id string, score float64) error
	SaveInherentScore(ctx context.Context, id string, score float64) error
	ListRisksWithControls(ctx context.Context) ([]string, error)
}

// ControlRepository reads the controls mapped to a risk.
type ControlRepository interface {
	GetMappingsForRisk(ctx context.Context, riskID string) ([]models.MappedControl, error)
}

// AssessmentRepository reads the latest assessed inherent risk, or nil when
// the risk was never assessed.
type AssessmentRepository interface {
	GetLatestInherentRisk(ctx context.Context, riskID string) (*float64, error)
}

// RiskLocker runs fn while holding an exclusive lock on riskID that other
// processes respect. Repositories backed by a shared database implement it.
type RiskLocker interface {
	WithRiskLock(ctx context.Context, riskID string, fn func(ctx context.Context) error) error
}

// Config tunes the service.
type Config struct {
	Workers           int
	RepositoryTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		RepositoryTimeout: 10 * time.Second,
	}
}

// Result is the outcome of recalculating one risk.
type Result struct {
	RiskID                 string                `json:"riskId"`
	RiskTitle              string                `json:"riskTitle"`
	InherentRisk           float64               `json:"inherentRisk"`
	InherentDerived        bool                  `json:"inherentDerived"`
	OldResidual            *float64              `json:"oldResidual"`
	NewResidual            float64               `json:"newResidual"`
	AggregateEffectiveness float64               `json:"aggregateEffectiveness"`
	ControlDetails         scoring.Effectiveness `json:"controlDetails"`
	RiskReductionPct       float64               `json:"riskReductionPct"`
}

// BatchItem is one risk's outcome within a batch run. Exactly one of Result
// and Error is set.
type BatchItem struct {
	RiskID string  `json:"riskId"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
	Err    error   `json:"-"`
}

// Contribution is the marginal effect of one control on a risk's aggregate
// effectiveness. Delta is with minus without and may be negative.
type Contribution struct {
	RiskID         string                `json:"riskId"`
	ControlID      string                `json:"controlId"`
	With           float64               `json:"withControl"`
	Without        float64               `json:"withoutControl"`
	Delta          float64               `json:"delta"`
	WithDetails    scoring.Effectiveness `json:"withDetails"`
	WithoutDetails scoring.Effectiveness `json:"withoutDetails"`
}

// Service recalculates residual risk.
type Service struct {
	risks       RiskRepository
	controls    ControlRepository
	assessments AssessmentRepository
	agg         *scoring.Aggregator
	locker      RiskLocker
	locks       *keylock.Locker
	log         *logger.Logger
	cfg         Config
}

// NewService creates a service. If risks also implements RiskLocker its lock
// wraps every recalculation.
func NewService(risks RiskRepository, controls ControlRepository, assessments AssessmentRepository, agg *scoring.Aggregator, log *logger.Logger, cfg Config) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.RepositoryTimeout <= 0 {
		cfg.RepositoryTimeout = DefaultConfig().RepositoryTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		risks:       risks,
		controls:    controls,
		assessments: assessments,
		agg:         agg,
		locks:       keylock.New(),
		log:         log.WithComponent("riskscore"),
		cfg:         cfg,
	}
	if l, ok := risks.(RiskLocker); ok {
		s.locker = l
	}
	return s
}

// RecalculateRisk recomputes and stores the residual score of one risk.
// Repeating the call without data changes yields the same score.
func (s *Service) RecalculateRisk(ctx context.Context, riskID string) (*Result, error) {
	res, err := s.recalculate(ctx, riskID, "single")
	if err != nil {
		s.log.WithContext(ctx).WithRisk(riskID).WithError(err).Warn("risk recalculation failed")
	}
	return res, err
}

func (s *Service) recalculate(ctx context.Context, riskID, mode string) (*Result, error) {
	ctx, span := telemetry.RiskSpan(ctx, riskID, "recalculate")
	defer span.End()
	ctx = logger.SetContextValue(ctx, logger.RiskIDKey, riskID)

	unlock := s.locks.Lock(riskID)
	defer unlock()

	var res *Result
	run := func(ctx context.Context) error {
		r, err := s.compute(ctx, riskID)
		res = r
		return err
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithRiskLock(ctx, riskID, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		span.SetError(err)
		metrics.RecalculationsTotal.WithLabelValues(mode, "error").Inc()
		return nil, err
	}

	span.SetAttribute("risk.residual", res.NewResidual)
	span.SetAttribute("risk.aggregate_effectiveness", res.AggregateEffectiveness)
	span.SetOK()
	metrics.RecalculationsTotal.WithLabelValues(mode, "success").Inc()
	return res, nil
}

func (s *Service) compute(ctx context.Context, riskID string) (*Result, error) {
	risk, err := s.getRisk(ctx, riskID)
	if err != nil {
		return nil, err
	}

	inherent, derived, err := s.inherent(ctx, risk)
	if err != nil {
		return nil, err
	}
	if derived {
		if err := s.call(ctx, func(ctx context.Context) error {
			return s.risks.SaveInherentScore(ctx, riskID, inherent)
		}); err != nil {
			return nil, riskerr.Persistence("save inherent score", err)
		}
	}

	mappings, err := s.mappings(ctx, riskID)
	if err != nil {
		return nil, err
	}

	eff := s.agg.Aggregate(mappings)
	residual := s.agg.Residual(inherent, eff.AggregateEffectiveness)

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.risks.SaveResidualScore(ctx, riskID, residual)
	}); err != nil {
		return nil, riskerr.Persistence("save residual score", err)
	}

	s.log.WithContext(ctx).Debug("residual risk recalculated",
		"inherent", inherent,
		"residual", residual,
		"aggregate_effectiveness", eff.AggregateEffectiveness,
		"controls", eff.ControlCount,
	)

	return &Result{
		RiskID:                 risk.ID,
		RiskTitle:              risk.Title,
		InherentRisk:           inherent,
		InherentDerived:        derived,
		OldResidual:            risk.ResidualRiskScore,
		NewResidual:            residual,
		AggregateEffectiveness: eff.AggregateEffectiveness,
		ControlDetails:         eff,
		RiskReductionPct:       scoring.RiskReductionPct(inherent, residual),
	}, nil
}

// inherent returns the stored inherent score, or derives one from
// likelihood × impact, then from the latest assessment. The zero fallback is
// not reported as derived so it is never persisted.
func (s *Service) inherent(ctx context.Context, risk *models.Risk) (float64, bool, error) {
	if risk.InherentRiskScore != nil {
		return *risk.InherentRiskScore, false, nil
	}
	if risk.HasLikelihoodAndImpact() {
		return scoring.DeriveInherent(*risk.Likelihood, *risk.Impact), true, nil
	}
	if s.assessments == nil {
		return 0, false, nil
	}

	var latest *float64
	if err := s.call(ctx, func(ctx context.Context) error {
		var err error
		latest, err = s.assessments.GetLatestInherentRisk(ctx, risk.ID)
		return err
	}); err != nil {
		return 0, false, riskerr.Persistence("get latest assessment", err)
	}
	if latest == nil {
		return 0, false, nil
	}
	return *latest, true, nil
}

// RecalculateAllRisks recalculates every risk with at least one mapped
// control using a bounded worker pool. Per-risk failures are reported in the
// returned items; only failing to list risks returns an error. Items are in
// listing order. After ctx is cancelled no new risk starts and the remaining
// items carry the context error.
func (s *Service) RecalculateAllRisks(ctx context.Context) ([]BatchItem, error) {
	start := time.Now()
	defer metrics.ObserveSince(metrics.BatchDuration, start)

	ctx, span := telemetry.StartSpan(ctx, "riskscore.recalculate_all")
	defer span.End()

	var ids []string
	if err := s.call(ctx, func(ctx context.Context) error {
		var err error
		ids, err = s.risks.ListRisksWithControls(ctx)
		return err
	}); err != nil {
		span.SetError(err)
		return nil, riskerr.Persistence("list risks with controls", err)
	}

	items := make([]BatchItem, len(ids))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for i, id := range ids {
		i, id := i, id
		items[i].RiskID = id
		if err := ctx.Err(); err != nil {
			items[i].setErr(err)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].setErr(err)
				return nil
			}
			res, err := s.recalculate(ctx, id, "batch")
			if err != nil {
				items[i].setErr(err)
				return nil
			}
			items[i].Result = res
			return nil
		})
	}
	_ = g.Wait()

	failed := len(Failed(items))
	span.SetAttribute("batch.total", len(items))
	span.SetAttribute("batch.failed", failed)
	s.log.WithContext(ctx).Info("batch recalculation complete",
		"risks", len(items),
		"failed", failed,
		"duration", time.Since(start).String(),
	)
	return items, nil
}

func (b *BatchItem) setErr(err error) {
	b.Err = err
	b.Error = err.Error()
}

// Failed returns the items that did not complete.
func Failed(items []BatchItem) []BatchItem {
	var out []BatchItem
	for _, it := range items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

// ComputeControlContribution reports how much controlID changes the
// aggregate effectiveness of riskID. It only reads.
func (s *Service) ComputeControlContribution(ctx context.Context, riskID, controlID string) (*Contribution, error) {
	ctx, span := telemetry.RiskSpan(ctx, riskID, "contribution")
	defer span.End()
	span.SetAttribute("control.id", controlID)

	if _, err := s.getRisk(ctx, riskID); err != nil {
		span.SetError(err)
		return nil, err
	}

	mappings, err := s.mappings(ctx, riskID)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	mapped := false
	for _, m := range mappings {
		if m.ControlID == controlID {
			mapped = true
			break
		}
	}
	if !mapped {
		return nil, riskerr.NotFound("control mapping", riskID+"/"+controlID)
	}

	with := s.agg.Aggregate(mappings)
	without := s.agg.AggregateExcluding(mappings, controlID)

	return &Contribution{
		RiskID:         riskID,
		ControlID:      controlID,
		With:           with.AggregateEffectiveness,
		Without:        without.AggregateEffectiveness,
		Delta:          scoring.Round2(with.AggregateEffectiveness - without.AggregateEffectiveness),
		WithDetails:    with,
		WithoutDetails: without,
	}, nil
}

func (s *Service) getRisk(ctx context.Context, riskID string) (*models.Risk, error) {
	var risk *models.Risk
	if err := s.call(ctx, func(ctx context.Context) error {
		var err error
		risk, err = s.risks.GetRisk(ctx, riskID)
		return err
	}); err != nil {
		return nil, riskerr.Persistence("get risk", err)
	}
	if risk == nil {
		return nil, riskerr.NotFound("risk", riskID)
	}
	return risk, nil
}

func (s *Service) mappings(ctx context.Context, riskID string) ([]models.MappedControl, error) {
	var rows []models.MappedControl
	if err := s.call(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.controls.GetMappingsForRisk(ctx, riskID)
		return err
	}); err != nil {
		return nil, riskerr.Persistence("get control mappings", err)
	}
	return rows, nil
}

// call bounds one repository call by the configured timeout.
func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RepositoryTimeout)
	defer cancel()
	return fn(ctx)
}
