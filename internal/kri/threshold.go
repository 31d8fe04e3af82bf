package kri

import (
	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/pkg/models"
)

const (
	// criticalAscending escalates red to critical at red × 1.5 for ascending KRIs.
	criticalAscending = 1.5
	// criticalDescending escalates red to critical at red × 0.5 for descending KRIs.
	criticalDescending = 0.5
)

// Evaluate classifies value against the KRI thresholds. It is pure and does
// not validate t; callers reject malformed thresholds with ValidateThresholds.
func Evaluate(value float64, t models.Thresholds) models.KRIStatus {
	if t.Direction == models.DirectionDescending {
		switch {
		case value <= t.Red:
			if value <= t.Red*criticalDescending {
				return models.KRIStatusCritical
			}
			return models.KRIStatusRed
		case value <= t.Amber:
			return models.KRIStatusAmber
		case value >= t.Green:
			return models.KRIStatusGreen
		default:
			return models.KRIStatusNormal
		}
	}

	switch {
	case value >= t.Red:
		if value >= t.Red*criticalAscending {
			return models.KRIStatusCritical
		}
		return models.KRIStatusRed
	case value >= t.Amber:
		return models.KRIStatusAmber
	case value <= t.Green:
		return models.KRIStatusGreen
	default:
		return models.KRIStatusNormal
	}
}

// ValidateThresholds rejects unknown directions and thresholds that are not
// ordered in the direction of deterioration.
func ValidateThresholds(t models.Thresholds) error {
	switch t.Direction {
	case models.DirectionAscending:
		if t.Green > t.Amber || t.Amber > t.Red {
			return riskerr.Validation("thresholds",
				"ascending thresholds must satisfy green <= amber <= red, got %v/%v/%v", t.Green, t.Amber, t.Red)
		}
	case models.DirectionDescending:
		if t.Green < t.Amber || t.Amber < t.Red {
			return riskerr.Validation("thresholds",
				"descending thresholds must satisfy green >= amber >= red, got %v/%v/%v", t.Green, t.Amber, t.Red)
		}
	default:
		return riskerr.Validation("direction", "unknown threshold direction %q", t.Direction)
	}
	return nil
}

// ThresholdFor returns the threshold that the given level breached.
func ThresholdFor(level models.KRIStatus, t models.Thresholds) float64 {
	switch level {
	case models.KRIStatusAmber:
		return t.Amber
	case models.KRIStatusRed, models.KRIStatusCritical:
		return t.Red
	default:
		return t.Green
	}
}
