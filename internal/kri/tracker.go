// Package kri classifies key risk indicator measurements and tracks the
// breach lifecycle of each KRI.
package kri

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pensionrisk/riskcore/internal/clock"
	"github.com/pensionrisk/riskcore/internal/keylock"
	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/metrics"
	"github.com/pensionrisk/riskcore/pkg/models"
	"github.com/pensionrisk/riskcore/pkg/resilience"
	"github.com/pensionrisk/riskcore/pkg/telemetry"
)

// KRIRepository reads KRIs and stores their measurements.
type KRIRepository interface {
	GetKRI(ctx context.Context, id string) (*models.KRI, error)
	GetActiveKRIs(ctx context.Context) ([]models.KRI, error)
	UpdateCurrentValueAndStatus(ctx context.Context, id string, value float64, status models.KRIStatus) error
	RecordMeasurement(ctx context.Context, m models.Measurement) error
}

// BreachRepository persists breach records. GetOpenBreach returns nil, nil
// when the KRI has no unresolved breach.
type BreachRepository interface {
	GetOpenBreach(ctx context.Context, kriID string) (*models.Breach, error)
	CreateBreach(ctx context.Context, b models.Breach) error
	ResolveBreach(ctx context.Context, id uuid.UUID, value float64, at time.Time) error
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AlertDispatcher delivers breach alerts. Implementations must be safe for
// concurrent use.
type AlertDispatcher interface {
	SendBreachAlert(ctx context.Context, alert models.BreachAlert) error
}

// RecipientResolver supplies who should hear about a breach and the title of
// the risk the KRI monitors.
type RecipientResolver interface {
	GetAlertRecipients(ctx context.Context, k models.KRI) ([]string, error)
	GetRiskTitle(ctx context.Context, riskID string) (string, error)
}

// TransitionKind names the breach state change caused by an evaluation.
type TransitionKind string

const (
	TransitionNone         TransitionKind = "none"
	TransitionOpened       TransitionKind = "opened"
	TransitionLevelChanged TransitionKind = "level_changed"
	TransitionResolved     TransitionKind = "resolved"
)

// Transition describes what happened to a KRI's breach state.
type Transition struct {
	Kind TransitionKind `json:"kind"`
	// Breach is the breach opened or resolved, or the still-open breach when Kind is none.
	Breach *models.Breach `json:"breach,omitempty"`
	// Previous is the breach superseded by a level change.
	Previous *models.Breach `json:"previous,omitempty"`
}

// Evaluation is the outcome of evaluating one KRI.
type Evaluation struct {
	KRIID      string           `json:"kriId"`
	Value      *float64         `json:"value,omitempty"`
	Status     models.KRIStatus `json:"status"`
	Transition Transition       `json:"breachTransition"`
}

// TrackerConfig tunes breach tracking.
type TrackerConfig struct {
	DispatchTimeout time.Duration
	// ResolveOnEscalation resolves the open breach before opening one at a new
	// level, keeping at most one open breach per KRI. When false a level change
	// leaves the previous breach open.
	ResolveOnEscalation bool
	// AlertRatePerSecond caps alert sends; zero disables the limit.
	AlertRatePerSecond float64
}

// DefaultTrackerConfig returns production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		DispatchTimeout:     15 * time.Second,
		ResolveOnEscalation: true,
		AlertRatePerSecond:  5,
	}
}

// KRILocker runs fn while holding an exclusive lock on kriID that other
// processes respect. Repository calls made with the ctx passed to fn see the
// lock's transaction.
type KRILocker interface {
	WithKRILock(ctx context.Context, kriID string, fn func(ctx context.Context) error) error
}

// Deps are the collaborators of a Tracker. Dispatcher and Recipients may be
// nil, in which case alerts are skipped. If KRIs implements KRILocker its
// lock wraps every evaluation.
type Deps struct {
	KRIs       KRIRepository
	Breaches   BreachRepository
	Dispatcher AlertDispatcher
	Recipients RecipientResolver
	Clock      clock.Clock
	State      *MonitorState
	Log        *logger.Logger
}

const (
	alertSent     = "sent"
	alertFailed   = "failed"
	alertSkipped  = "skipped"
	alertRejected = "rejected"
)

// Tracker runs the per-KRI breach state machine.
type Tracker struct {
	kris       KRIRepository
	breaches   BreachRepository
	dispatcher AlertDispatcher
	recipients RecipientResolver
	clock      clock.Clock
	state      *MonitorState
	locker     KRILocker
	limiter    *rate.Limiter
	locks      *keylock.Locker
	log        *logger.Logger
	cfg        TrackerConfig

	dispatches sync.WaitGroup
}

// NewTracker creates a breach tracker.
func NewTracker(deps Deps, cfg TrackerConfig) *Tracker {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultTrackerConfig().DispatchTimeout
	}
	t := &Tracker{
		kris:       deps.KRIs,
		breaches:   deps.Breaches,
		dispatcher: deps.Dispatcher,
		recipients: deps.Recipients,
		clock:      deps.Clock,
		state:      deps.State,
		locks:      keylock.New(),
		log:        deps.Log,
		cfg:        cfg,
	}
	if l, ok := deps.KRIs.(KRILocker); ok {
		t.locker = l
	}
	if t.clock == nil {
		t.clock = clock.System{}
	}
	if t.state == nil {
		t.state = NewMonitorState()
	}
	if t.log == nil {
		t.log = logger.Nop()
	}
	t.log = t.log.WithComponent("breach-tracker")
	if cfg.AlertRatePerSecond > 0 {
		burst := int(cfg.AlertRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.AlertRatePerSecond), burst)
	}
	return t
}

// State returns the counters shared with the monitor.
func (t *Tracker) State() *MonitorState {
	return t.state
}

// EvaluateKRI records a new measurement for kriID and applies the resulting
// breach transition. Non-finite values are rejected.
func (t *Tracker) EvaluateKRI(ctx context.Context, kriID string, value float64) (*Evaluation, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, riskerr.Validation("value", "must be a finite number, got %v", value)
	}

	ctx, span := telemetry.KRISpan(ctx, kriID, "evaluate")
	defer span.End()

	var (
		k      *models.KRI
		status models.KRIStatus
		tr     Transition
	)
	err := t.locked(ctx, kriID, func(ctx context.Context) error {
		var err error
		k, err = t.kris.GetKRI(ctx, kriID)
		if err != nil {
			return riskerr.Persistence("get kri", err)
		}
		if k == nil {
			return riskerr.NotFound("kri", kriID)
		}
		if err := ValidateThresholds(k.Thresholds); err != nil {
			return err
		}

		status = Evaluate(value, k.Thresholds)
		now := t.clock.Now()

		if err := t.kris.UpdateCurrentValueAndStatus(ctx, kriID, value, status); err != nil {
			return riskerr.Persistence("update kri value", err)
		}
		if err := t.kris.RecordMeasurement(ctx, models.Measurement{
			KRIID:      kriID,
			Value:      value,
			Status:     status,
			RecordedAt: now,
		}); err != nil {
			return riskerr.Persistence("record measurement", err)
		}

		k.CurrentValue = &value
		k.Status = status

		tr, err = t.transition(ctx, *k, value, status, now)
		return err
	})
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	eval := t.apply(ctx, *k, value, status, tr)
	span.SetAttribute("kri.status", string(status))
	span.SetAttribute("kri.transition", string(eval.Transition.Kind))
	span.SetOK()
	return eval, nil
}

// EvaluateCurrent re-evaluates the stored value of kriID without recording
// a new measurement. The KRI is read under its lock, so a measurement that
// landed since the caller listed it is the one evaluated. KRIs that were
// never measured report status unknown.
func (t *Tracker) EvaluateCurrent(ctx context.Context, kriID string) (*Evaluation, error) {
	ctx, span := telemetry.KRISpan(ctx, kriID, "reevaluate")
	defer span.End()

	var (
		k        models.KRI
		status   models.KRIStatus
		tr       Transition
		measured bool
	)
	err := t.locked(ctx, kriID, func(ctx context.Context) error {
		fresh, err := t.kris.GetKRI(ctx, kriID)
		if err != nil {
			return riskerr.Persistence("get kri", err)
		}
		if fresh == nil {
			return riskerr.NotFound("kri", kriID)
		}
		k = *fresh
		if k.CurrentValue == nil {
			return nil
		}
		measured = true
		if err := ValidateThresholds(k.Thresholds); err != nil {
			return err
		}

		status = Evaluate(*k.CurrentValue, k.Thresholds)
		if status != k.Status {
			// thresholds were edited since the last measurement
			if err := t.kris.UpdateCurrentValueAndStatus(ctx, kriID, *k.CurrentValue, status); err != nil {
				return riskerr.Persistence("update kri status", err)
			}
			k.Status = status
		}

		tr, err = t.transition(ctx, k, *k.CurrentValue, status, t.clock.Now())
		return err
	})
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if !measured {
		return &Evaluation{
			KRIID:      kriID,
			Status:     models.KRIStatusUnknown,
			Transition: Transition{Kind: TransitionNone},
		}, nil
	}

	eval := t.apply(ctx, k, *k.CurrentValue, status, tr)
	span.SetOK()
	return eval, nil
}

// locked runs fn holding the in-process lock on kriID and, when the
// repository provides one, the shared lock other processes take too.
func (t *Tracker) locked(ctx context.Context, kriID string, fn func(ctx context.Context) error) error {
	unlock := t.locks.Lock(kriID)
	defer unlock()

	if t.locker == nil {
		return fn(ctx)
	}
	return riskerr.Persistence("lock kri", t.locker.WithKRILock(ctx, kriID, fn))
}

// apply records a committed transition and dispatches the alert for a newly
// opened breach. ctx must not carry the lock transaction.
func (t *Tracker) apply(ctx context.Context, k models.KRI, value float64, status models.KRIStatus, tr Transition) *Evaluation {
	t.state.recordEvaluation(tr)
	metrics.KRIEvaluationsTotal.WithLabelValues(string(status)).Inc()
	if tr.Kind != TransitionNone {
		metrics.BreachTransitionsTotal.WithLabelValues(string(tr.Kind), string(tr.Breach.Level)).Inc()
		t.log.WithContext(ctx).Info("kri breach transition",
			"kri_id", k.ID,
			"kind", tr.Kind,
			"level", tr.Breach.Level,
			"value", value,
		)
	}
	if tr.Kind == TransitionOpened || tr.Kind == TransitionLevelChanged {
		t.dispatch(ctx, k, *tr.Breach)
	}

	return &Evaluation{
		KRIID:      k.ID,
		Value:      &value,
		Status:     status,
		Transition: tr,
	}
}

// transition moves the KRI between clear and open(level). The open breach is
// always read back from storage so a restarted process resumes correctly.
func (t *Tracker) transition(ctx context.Context, k models.KRI, value float64, status models.KRIStatus, now time.Time) (Transition, error) {
	open, err := t.breaches.GetOpenBreach(ctx, k.ID)
	if err != nil {
		return Transition{}, riskerr.Persistence("get open breach", err)
	}

	if !status.IsBreach() {
		if open == nil {
			return Transition{Kind: TransitionNone}, nil
		}
		if err := t.breaches.ResolveBreach(ctx, open.ID, value, now); err != nil {
			return Transition{}, riskerr.Persistence("resolve breach", err)
		}
		resolved := resolvedCopy(*open, value, now)
		return Transition{Kind: TransitionResolved, Breach: &resolved}, nil
	}

	if open != nil && open.Level == status {
		return Transition{Kind: TransitionNone, Breach: open}, nil
	}

	tr := Transition{Kind: TransitionOpened}
	if open != nil {
		tr.Kind = TransitionLevelChanged
		prev := *open
		if t.cfg.ResolveOnEscalation {
			if err := t.breaches.ResolveBreach(ctx, open.ID, value, now); err != nil {
				return Transition{}, riskerr.Persistence("resolve superseded breach", err)
			}
			prev = resolvedCopy(prev, value, now)
		}
		tr.Previous = &prev
	}

	b := models.Breach{
		ID:             uuid.New(),
		KRIID:          k.ID,
		Level:          status,
		BreachValue:    value,
		ThresholdValue: ThresholdFor(status, k.Thresholds),
		BreachedAt:     now,
	}
	if err := t.breaches.CreateBreach(ctx, b); err != nil {
		return Transition{}, riskerr.Persistence("create breach", err)
	}
	tr.Breach = &b
	return tr, nil
}

func resolvedCopy(b models.Breach, value float64, at time.Time) models.Breach {
	b.ResolvedAt = &at
	b.ResolutionValue = &value
	return b
}

// dispatch sends the alert in the background. The breach is already
// persisted; the outcome only decides whether it gets marked notified.
func (t *Tracker) dispatch(ctx context.Context, k models.KRI, b models.Breach) {
	t.dispatches.Add(1)
	go func() {
		defer t.dispatches.Done()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.DispatchTimeout)
		defer cancel()

		outcome := t.sendAlert(dctx, k, b)
		t.state.recordAlert(outcome)
		metrics.AlertDispatchTotal.WithLabelValues(outcome).Inc()
	}()
}

func (t *Tracker) sendAlert(ctx context.Context, k models.KRI, b models.Breach) string {
	log := t.log.WithContext(ctx).WithKRI(k.ID).With(
		"breach_id", b.ID.String(),
		"trace_id", telemetry.GetTraceID(ctx),
	)

	if t.dispatcher == nil || t.recipients == nil {
		log.Debug("no alert dispatcher configured")
		return alertSkipped
	}

	recipients, err := t.recipients.GetAlertRecipients(ctx, k)
	if err != nil {
		log.Warn("failed to resolve alert recipients", "error", err)
		return alertFailed
	}
	if len(recipients) == 0 {
		log.Warn("breach has no alert recipients, notification skipped")
		return alertSkipped
	}

	var riskTitle string
	if k.RiskID != nil {
		if riskTitle, err = t.recipients.GetRiskTitle(ctx, *k.RiskID); err != nil {
			log.Debug("risk title unavailable for alert", "risk_id", *k.RiskID, "error", err)
		}
	}

	alert := models.BreachAlert{
		BreachID:   b.ID,
		KRIID:      k.ID,
		KRIName:    k.Name,
		Value:      b.BreachValue,
		Threshold:  b.ThresholdValue,
		Level:      b.Level,
		RiskTitle:  riskTitle,
		Recipients: recipients,
		BreachedAt: b.BreachedAt,
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			log.Warn("alert rate limit wait aborted", "error", err)
			return alertFailed
		}
	}

	if err := t.dispatcher.SendBreachAlert(ctx, alert); err != nil {
		derr := &riskerr.DispatchError{Err: err}
		if resilience.IsOpen(err) {
			log.Warn("alert channel circuit open, notification not sent", "error", derr)
			return alertRejected
		}
		log.Error("breach alert not delivered", "error", derr)
		return alertFailed
	}

	if err := t.breaches.MarkNotified(ctx, b.ID, t.clock.Now()); err != nil {
		log.Error("alert sent but breach not marked notified", "error", err)
		return alertSent
	}
	log.Info("breach alert sent", "level", b.Level, "recipients", len(recipients))
	return alertSent
}

// Wait blocks until background alert dispatches finish.
func (t *Tracker) Wait() {
	t.dispatches.Wait()
}
