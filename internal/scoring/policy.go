package scoring

import (
	"fmt"
	"sort"

	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/models"
)

// OverlapBonus rewards a set of complementary control types being present together.
type OverlapBonus struct {
	Types []models.ControlType
	Bonus float64
}

// Policy holds the static tables used by the aggregator and the residual calculator.
type Policy struct {
	TypeWeights       map[models.ControlType]float64
	DefaultTypeWeight float64
	OverlapBonuses    []OverlapBonus
	EffectivenessCap  float64
	// ResidualFloor is the fraction of inherent risk that remains when
	// aggregate effectiveness reaches 100.
	ResidualFloor float64
}

// DefaultPolicy returns the reference weighting tables.
func DefaultPolicy() Policy {
	return Policy{
		TypeWeights: map[models.ControlType]float64{
			models.ControlTypePreventive:   0.40,
			models.ControlTypeDetective:    0.25,
			models.ControlTypeCorrective:   0.20,
			models.ControlTypeCompensating: 0.15,
		},
		DefaultTypeWeight: 0.25,
		OverlapBonuses: []OverlapBonus{
			{Types: []models.ControlType{models.ControlTypePreventive, models.ControlTypeDetective}, Bonus: 0.10},
			{Types: []models.ControlType{models.ControlTypePreventive, models.ControlTypeCorrective}, Bonus: 0.05},
			{Types: []models.ControlType{models.ControlTypeDetective, models.ControlTypeCorrective}, Bonus: 0.08},
			{Types: []models.ControlType{models.ControlTypePreventive, models.ControlTypeDetective, models.ControlTypeCorrective}, Bonus: 0.15},
		},
		EffectivenessCap: 95.0,
		ResidualFloor:    0.05,
	}
}

// PolicyFromConfig applies configured overrides on top of DefaultPolicy.
// Zero values keep the defaults.
func PolicyFromConfig(cfg config.ScoringConfig) (Policy, error) {
	p := DefaultPolicy()

	if len(cfg.TypeWeights) > 0 {
		// merge so unlisted types keep their weight
		for name, w := range cfg.TypeWeights {
			p.TypeWeights[models.ControlType(name)] = w
		}
	}
	if cfg.DefaultTypeWeight != 0 {
		p.DefaultTypeWeight = cfg.DefaultTypeWeight
	}
	if cfg.EffectivenessCap != 0 {
		p.EffectivenessCap = cfg.EffectivenessCap
	}
	if cfg.ResidualFloor != 0 {
		p.ResidualFloor = cfg.ResidualFloor
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects tables that would push results outside their documented ranges.
func (p Policy) Validate() error {
	types := make([]string, 0, len(p.TypeWeights))
	for t := range p.TypeWeights {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		if w := p.TypeWeights[models.ControlType(t)]; w < 0 {
			return riskerr.Validation("type_weights", "weight for %s is negative (%v)", t, w)
		}
	}
	if p.DefaultTypeWeight < 0 {
		return riskerr.Validation("default_type_weight", "must not be negative, got %v", p.DefaultTypeWeight)
	}
	for i, ob := range p.OverlapBonuses {
		if ob.Bonus < 0 || ob.Bonus > 1 {
			return riskerr.Validation("overlap_bonuses", "entry %d bonus %v outside [0,1]", i, ob.Bonus)
		}
		if len(ob.Types) == 0 {
			return riskerr.Validation("overlap_bonuses", "entry %d has no types", i)
		}
	}
	if p.EffectivenessCap <= 0 || p.EffectivenessCap > 100 {
		return riskerr.Validation("effectiveness_cap", "must be in (0,100], got %v", p.EffectivenessCap)
	}
	if p.ResidualFloor < 0 || p.ResidualFloor > 1 {
		return riskerr.Validation("residual_floor", "must be in [0,1], got %v", p.ResidualFloor)
	}
	return nil
}

func (p Policy) typeWeight(t models.ControlType) float64 {
	if w, ok := p.TypeWeights[t]; ok {
		return w
	}
	return p.DefaultTypeWeight
}

// overlapBonus returns the largest bonus whose type set is fully present.
func (p Policy) overlapBonus(present map[models.ControlType]bool) (float64, []models.ControlType) {
	best := 0.0
	var matched []models.ControlType
	for _, ob := range p.OverlapBonuses {
		if ob.Bonus <= best {
			continue
		}
		if containsAll(present, ob.Types) {
			best = ob.Bonus
			matched = ob.Types
		}
	}
	return best, matched
}

func containsAll(present map[models.ControlType]bool, types []models.ControlType) bool {
	for _, t := range types {
		if !present[t] {
			return false
		}
	}
	return true
}

// String describes the policy for startup logs.
func (p Policy) String() string {
	return fmt.Sprintf("cap=%.1f floor=%.2f default_weight=%.2f bonuses=%d",
		p.EffectivenessCap, p.ResidualFloor, p.DefaultTypeWeight, len(p.OverlapBonuses))
}
