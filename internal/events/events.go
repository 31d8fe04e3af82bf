// Package events bridges Kafka topics to KRI evaluation and risk
// recalculation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"

	"github.com/pensionrisk/riskcore/internal/kri"
	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/internal/riskscore"
	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/kafka"
	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/metrics"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("finite", validateFinite)
}

// validateFinite rejects NaN and infinite measurements.
func validateFinite(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// KRIMeasured is the payload of a new KRI measurement.
type KRIMeasured struct {
	KRIID string   `json:"kri_id" validate:"required,max=128"`
	Value *float64 `json:"value" validate:"required,finite"`
}

// RiskChanged is the payload of the control-mapping and assessment topics.
type RiskChanged struct {
	RiskID string `json:"risk_id" validate:"required,max=128"`
}

// Outcomes recorded per consumed event.
const (
	outcomeProcessed = "processed"
	outcomeMalformed = "malformed"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
	outcomeIgnored   = "ignored"
)

// KRIEvaluator records a KRI measurement.
type KRIEvaluator interface {
	EvaluateKRI(ctx context.Context, kriID string, value float64) (*kri.Evaluation, error)
}

// RiskRecalculator recalculates one risk.
type RiskRecalculator interface {
	RecalculateRisk(ctx context.Context, riskID string) (*riskscore.Result, error)
}

// Handler routes Kafka messages to the scoring core.
type Handler struct {
	kris   KRIEvaluator
	risks  RiskRecalculator
	topics config.KafkaConfig
	log    *logger.Logger
}

// NewHandler creates a handler for the topics named in cfg.
func NewHandler(kris KRIEvaluator, risks RiskRecalculator, cfg config.KafkaConfig, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		kris:   kris,
		risks:  risks,
		topics: cfg,
		log:    log.WithComponent("events"),
	}
}

// Topics lists the topics the handler consumes.
func (h *Handler) Topics() []string {
	return []string{
		h.topics.Topics.KRIMeasured,
		h.topics.Topics.RiskControlsChanged,
		h.topics.Topics.RiskAssessed,
	}
}

// Handle processes one message. Malformed payloads and domain rejections are
// logged and acknowledged; only persistence failures are returned so the
// message is redelivered.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	log := h.log.WithContext(ctx).With("topic", msg.Topic, "offset", msg.Offset)

	var err error
	switch msg.Topic {
	case h.topics.Topics.KRIMeasured:
		err = h.handleMeasurement(ctx, msg.Value)
	case h.topics.Topics.RiskControlsChanged, h.topics.Topics.RiskAssessed:
		err = h.handleRiskChange(ctx, msg.Value)
	default:
		log.Warn("message on unexpected topic ignored")
		metrics.EventsConsumedTotal.WithLabelValues(msg.Topic, outcomeIgnored).Inc()
		return nil
	}

	switch {
	case err == nil:
		metrics.EventsConsumedTotal.WithLabelValues(msg.Topic, outcomeProcessed).Inc()
		return nil
	case isMalformed(err):
		log.Warn("malformed event skipped", "error", err)
		metrics.EventsConsumedTotal.WithLabelValues(msg.Topic, outcomeMalformed).Inc()
		return nil
	case riskerr.IsValidation(err) || riskerr.IsNotFound(err):
		log.Warn("event rejected", "error", err)
		metrics.EventsConsumedTotal.WithLabelValues(msg.Topic, outcomeRejected).Inc()
		return nil
	default:
		metrics.EventsConsumedTotal.WithLabelValues(msg.Topic, outcomeFailed).Inc()
		return err
	}
}

func (h *Handler) handleMeasurement(ctx context.Context, data []byte) error {
	var p KRIMeasured
	if err := decode(data, &p); err != nil {
		return err
	}
	ctx = logger.SetContextValue(ctx, logger.KRIIDKey, p.KRIID)
	_, err := h.kris.EvaluateKRI(ctx, p.KRIID, *p.Value)
	return err
}

func (h *Handler) handleRiskChange(ctx context.Context, data []byte) error {
	var p RiskChanged
	if err := decode(data, &p); err != nil {
		return err
	}
	ctx = logger.SetContextValue(ctx, logger.RiskIDKey, p.RiskID)
	_, err := h.risks.RecalculateRisk(ctx, p.RiskID)
	return err
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return "malformed payload: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

func isMalformed(err error) bool {
	_, ok := err.(*malformedError)
	return ok
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &malformedError{err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &malformedError{err: fmt.Errorf("validate: %w", err)}
	}
	return nil
}
