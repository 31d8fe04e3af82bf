// Package models provides domain models for the risk-scoring core.
package models

import "math"

// ControlType classifies how a control mitigates a risk.
type ControlType string

const (
	ControlTypePreventive   ControlType = "preventive"
	ControlTypeDetective    ControlType = "detective"
	ControlTypeCorrective   ControlType = "corrective"
	ControlTypeCompensating ControlType = "compensating"
)

// DefaultCoverage is applied to mappings with no coverage percentage.
const DefaultCoverage = 100.0

// MappedControl is one control mapped to a risk, as seen by the aggregator.
type MappedControl struct {
	ControlID string      `json:"controlId" db:"control_id"`
	Name      string      `json:"name,omitempty" db:"name"`
	Type      ControlType `json:"type" db:"type"`
	Rating    *float64    `json:"effectivenessRating,omitempty" db:"effectiveness_rating"` // 0-100, nil = unrated
	Coverage  *float64    `json:"coveragePercentage,omitempty" db:"coverage_percentage"`   // (0,100], nil = 100
}

// IsRated reports whether the control carries an effectiveness rating.
func (m MappedControl) IsRated() bool {
	return m.Rating != nil
}

// EffectiveCoverage returns the coverage percentage, defaulting unset or
// non-positive values to 100 and capping larger values at 100.
func (m MappedControl) EffectiveCoverage() float64 {
	if m.Coverage == nil || *m.Coverage <= 0 {
		return DefaultCoverage
	}
	return math.Min(*m.Coverage, 100)
}

// EffectiveRating returns the rating clamped to [0,100]. Unrated controls yield 0.
func (m MappedControl) EffectiveRating() float64 {
	if m.Rating == nil {
		return 0
	}
	return math.Max(0, math.Min(*m.Rating, 100))
}

// WeightedEffectiveness returns rating scaled by coverage. Unrated controls yield 0.
func (m MappedControl) WeightedEffectiveness() float64 {
	return m.EffectiveRating() * m.EffectiveCoverage() / 100
}

// Risk holds the quantitative fields of a risk register entry.
type Risk struct {
	ID                string   `json:"id" db:"id"`
	Title             string   `json:"title" db:"title"`
	Likelihood        *int     `json:"likelihood,omitempty" db:"likelihood"` // 1-5
	Impact            *int     `json:"impact,omitempty" db:"impact"`         // 1-5
	InherentRiskScore *float64 `json:"inherentRiskScore,omitempty" db:"inherent_risk_score"`
	ResidualRiskScore *float64 `json:"residualRiskScore,omitempty" db:"residual_risk_score"`
	OwnerID           *string  `json:"ownerId,omitempty" db:"risk_owner_id"`
}

// HasLikelihoodAndImpact reports whether both scoring inputs are present and non-zero.
func (r Risk) HasLikelihoodAndImpact() bool {
	return r.Likelihood != nil && r.Impact != nil && *r.Likelihood != 0 && *r.Impact != 0
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}

// String returns a pointer to v.
func String(v string) *string {
	return &v
}
