// Package scoring aggregates control effectiveness and derives residual risk.
//
// Everything here is pure: no I/O, no clocks, and inputs are never mutated.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/pensionrisk/riskcore/pkg/models"
)

const (
	DetailNoControls = "no controls mapped"
	DetailUnrated    = "controls exist but unrated"
)

// Effectiveness is the aggregate view of all controls mapped to one risk.
type Effectiveness struct {
	AggregateEffectiveness float64                        `json:"aggregateEffectiveness"`
	ControlCount           int                            `json:"controlCount"`
	RatedCount             int                            `json:"ratedCount"`
	ByType                 map[models.ControlType]float64 `json:"byType,omitempty"`
	CoverageWeighted       float64                        `json:"coverageWeighted"`
	TypeWeighted           float64                        `json:"typeWeighted"`
	OverlapBonusPct        float64                        `json:"overlapBonusPct"`
	OverlapTypes           []models.ControlType           `json:"overlapTypes,omitempty"`
	Detail                 string                         `json:"detail"`
}

// Aggregator combines mapped control ratings into a single effectiveness figure.
type Aggregator struct {
	Policy Policy
}

// NewAggregator creates an aggregator over the given policy.
func NewAggregator(p Policy) *Aggregator {
	return &Aggregator{Policy: p}
}

// Aggregate computes aggregate effectiveness for the mapped controls of one risk.
func (a *Aggregator) Aggregate(rows []models.MappedControl) Effectiveness {
	if len(rows) == 0 {
		return Effectiveness{Detail: DetailNoControls}
	}

	var (
		sum       float64
		rated     int
		typeSums  = make(map[models.ControlType]float64)
		typeCount = make(map[models.ControlType]int)
	)
	for _, r := range rows {
		if !r.IsRated() {
			continue
		}
		w := r.WeightedEffectiveness()
		sum += w
		rated++
		typeSums[r.Type] += w
		typeCount[r.Type]++
	}

	if rated == 0 {
		return Effectiveness{ControlCount: len(rows), Detail: DetailUnrated}
	}

	base := sum / float64(rated)

	byType := make(map[models.ControlType]float64, len(typeSums))
	present := make(map[models.ControlType]bool, len(typeSums))
	var typeWeighted float64
	for t, s := range typeSums {
		avg := s / float64(typeCount[t])
		byType[t] = Round2(avg)
		present[t] = true
		typeWeighted += avg * a.Policy.typeWeight(t)
	}

	bonus, matched := a.Policy.overlapBonus(present)
	aggregate := math.Max(0, math.Min(base*(1+bonus), a.Policy.EffectivenessCap))

	return Effectiveness{
		AggregateEffectiveness: Round2(aggregate),
		ControlCount:           len(rows),
		RatedCount:             rated,
		ByType:                 byType,
		CoverageWeighted:       Round2(base),
		TypeWeighted:           Round2(typeWeighted),
		OverlapBonusPct:        Round2(bonus * 100),
		OverlapTypes:           matched,
		Detail:                 describe(rated, len(rows), byType, bonus),
	}
}

// AggregateExcluding aggregates with every mapping except controlID.
// The input slice is left untouched.
func (a *Aggregator) AggregateExcluding(rows []models.MappedControl, controlID string) Effectiveness {
	filtered := make([]models.MappedControl, 0, len(rows))
	for _, r := range rows {
		if r.ControlID == controlID {
			continue
		}
		filtered = append(filtered, r)
	}
	return a.Aggregate(filtered)
}

// Residual returns the risk remaining after controls at the given aggregate
// effectiveness are applied to inherent.
func (a *Aggregator) Residual(inherent, aggregate float64) float64 {
	if inherent <= 0 {
		return 0
	}
	if aggregate >= 100 {
		return Round2(inherent * a.Policy.ResidualFloor)
	}
	if aggregate < 0 {
		aggregate = 0
	}
	return Round2(inherent * (1 - aggregate/100))
}

// RiskReductionPct is the percentage of inherent risk removed by controls.
func RiskReductionPct(inherent, residual float64) float64 {
	if inherent == 0 {
		return 0
	}
	return Round2((inherent - residual) / inherent * 100)
}

// DeriveInherent returns likelihood × impact.
func DeriveInherent(likelihood, impact int) float64 {
	return float64(likelihood * impact)
}

// Round2 rounds to two decimal places, the precision scores are stored at.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func describe(rated, total int, byType map[models.ControlType]float64, bonus float64) string {
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, string(t))
	}
	sort.Strings(types)

	s := fmt.Sprintf("%d of %d controls rated across %v", rated, total, types)
	if bonus > 0 {
		s += fmt.Sprintf(", overlap bonus %.0f%%", bonus*100)
	}
	return s
}
