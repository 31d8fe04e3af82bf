package scoring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/models"
)

func control(id string, typ models.ControlType, rating, coverage float64) models.MappedControl {
	return models.MappedControl{
		ControlID: id,
		Type:      typ,
		Rating:    models.Float64(rating),
		Coverage:  models.Float64(coverage),
	}
}

func pensionScenario() []models.MappedControl {
	return []models.MappedControl{
		control("c-prev", models.ControlTypePreventive, 80, 100),
		control("c-det", models.ControlTypeDetective, 70, 50),
	}
}

func TestAggregate_ConcreteScenario(t *testing.T) {
	agg := NewAggregator(DefaultPolicy())

	eff := agg.Aggregate(pensionScenario())

	assert.Equal(t, 57.5, eff.CoverageWeighted)
	assert.Equal(t, 40.75, eff.TypeWeighted)
	assert.Equal(t, 10.0, eff.OverlapBonusPct)
	assert.Equal(t, 63.25, eff.AggregateEffectiveness)
	assert.Equal(t, 2, eff.ControlCount)
	assert.Equal(t, 2, eff.RatedCount)
	assert.Equal(t, 80.0, eff.ByType[models.ControlTypePreventive])
	assert.Equal(t, 35.0, eff.ByType[models.ControlTypeDetective])

	assert.Equal(t, 7.35, agg.Residual(20, eff.AggregateEffectiveness))
	assert.Equal(t, 63.25, RiskReductionPct(20, 7.35))
}

func TestAggregateExcluding_MarginalContribution(t *testing.T) {
	agg := NewAggregator(DefaultPolicy())
	rows := pensionScenario()
	before := append([]models.MappedControl(nil), rows...)

	with := agg.Aggregate(rows)
	without := agg.AggregateExcluding(rows, "c-det")

	assert.Equal(t, 80.0, without.AggregateEffectiveness)
	assert.Equal(t, 0.0, without.OverlapBonusPct)
	assert.Equal(t, -16.75, Round2(with.AggregateEffectiveness-without.AggregateEffectiveness))
	assert.Equal(t, before, rows, "input must not be mutated")
}

func TestAggregate_NoControls(t *testing.T) {
	eff := NewAggregator(DefaultPolicy()).Aggregate(nil)
	assert.Equal(t, 0.0, eff.AggregateEffectiveness)
	assert.Equal(t, 0, eff.ControlCount)
	assert.Equal(t, DetailNoControls, eff.Detail)
}

func TestAggregate_AllUnrated(t *testing.T) {
	rows := []models.MappedControl{
		{ControlID: "a", Type: models.ControlTypePreventive},
		{ControlID: "b", Type: models.ControlTypeDetective, Coverage: models.Float64(40)},
	}
	eff := NewAggregator(DefaultPolicy()).Aggregate(rows)
	assert.Equal(t, 0.0, eff.AggregateEffectiveness)
	assert.Equal(t, 2, eff.ControlCount)
	assert.Equal(t, 0, eff.RatedCount)
	assert.Equal(t, DetailUnrated, eff.Detail)
}

func TestAggregate_UnratedExcludedButCounted(t *testing.T) {
	rows := []models.MappedControl{
		control("a", models.ControlTypeCorrective, 60, 100),
		{ControlID: "b", Type: models.ControlTypePreventive},
	}
	eff := NewAggregator(DefaultPolicy()).Aggregate(rows)
	assert.Equal(t, 60.0, eff.AggregateEffectiveness)
	assert.Equal(t, 2, eff.ControlCount)
	assert.Equal(t, 1, eff.RatedCount)
	// the unrated preventive control does not unlock a bonus
	assert.Equal(t, 0.0, eff.OverlapBonusPct)
}

func TestAggregate_MissingCoverageDefaultsTo100(t *testing.T) {
	rows := []models.MappedControl{{ControlID: "a", Type: models.ControlTypeDetective, Rating: models.Float64(50)}}
	eff := NewAggregator(DefaultPolicy()).Aggregate(rows)
	assert.Equal(t, 50.0, eff.AggregateEffectiveness)
}

func TestAggregate_OverlapBonusSelection(t *testing.T) {
	tests := []struct {
		name  string
		types []models.ControlType
		bonus float64
	}{
		{"single type", []models.ControlType{models.ControlTypePreventive}, 0},
		{"preventive+detective", []models.ControlType{models.ControlTypePreventive, models.ControlTypeDetective}, 10},
		{"preventive+corrective", []models.ControlType{models.ControlTypePreventive, models.ControlTypeCorrective}, 5},
		{"detective+corrective", []models.ControlType{models.ControlTypeDetective, models.ControlTypeCorrective}, 8},
		{"all three", []models.ControlType{models.ControlTypePreventive, models.ControlTypeDetective, models.ControlTypeCorrective}, 15},
		{"compensating only pairs", []models.ControlType{models.ControlTypeCompensating, models.ControlTypeDetective}, 0},
		{"unknown type", []models.ControlType{"manual", models.ControlTypeCorrective}, 0},
	}

	agg := NewAggregator(DefaultPolicy())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := make([]models.MappedControl, 0, len(tt.types))
			for i, typ := range tt.types {
				rows = append(rows, control(string(rune('a'+i)), typ, 40, 100))
			}
			eff := agg.Aggregate(rows)
			assert.Equal(t, tt.bonus, eff.OverlapBonusPct)
			assert.Equal(t, Round2(40*(1+tt.bonus/100)), eff.AggregateEffectiveness)
		})
	}
}

func TestAggregate_UnknownTypeUsesDefaultWeight(t *testing.T) {
	rows := []models.MappedControl{control("a", "manual", 80, 100)}
	eff := NewAggregator(DefaultPolicy()).Aggregate(rows)
	assert.Equal(t, 20.0, eff.TypeWeighted)
}

func TestAggregate_Capped(t *testing.T) {
	rows := []models.MappedControl{
		control("a", models.ControlTypePreventive, 100, 100),
		control("b", models.ControlTypeDetective, 100, 100),
		control("c", models.ControlTypeCorrective, 100, 100),
	}
	eff := NewAggregator(DefaultPolicy()).Aggregate(rows)
	assert.Equal(t, 95.0, eff.AggregateEffectiveness)
}

func TestAggregate_OutOfRangeRatingsClamped(t *testing.T) {
	agg := NewAggregator(DefaultPolicy())

	eff := agg.Aggregate([]models.MappedControl{control("a", models.ControlTypePreventive, -40, 100)})
	assert.Equal(t, 0.0, eff.AggregateEffectiveness)
	assert.Equal(t, 0.0, eff.ByType[models.ControlTypePreventive])

	eff = agg.Aggregate([]models.MappedControl{
		control("a", models.ControlTypePreventive, 250, 100),
		control("b", models.ControlTypePreventive, 60, 100),
	})
	assert.Equal(t, 80.0, eff.AggregateEffectiveness)
}

func TestAggregate_BoundedForRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []models.ControlType{
		models.ControlTypePreventive,
		models.ControlTypeDetective,
		models.ControlTypeCorrective,
		models.ControlTypeCompensating,
		"other",
	}
	allowedBonuses := map[float64]bool{0: true, 5: true, 8: true, 10: true, 15: true}
	agg := NewAggregator(DefaultPolicy())

	for i := 0; i < 2000; i++ {
		n := rng.Intn(8)
		rows := make([]models.MappedControl, 0, n)
		for j := 0; j < n; j++ {
			r := models.MappedControl{ControlID: string(rune('a' + j)), Type: types[rng.Intn(len(types))]}
			if rng.Intn(5) > 0 {
				// bad CRUD writes can store ratings outside [0,100]
				r.Rating = models.Float64(rng.Float64()*200 - 50)
			}
			if rng.Intn(4) > 0 {
				r.Coverage = models.Float64(rng.Float64()*220 - 20)
			}
			rows = append(rows, r)
		}

		eff := agg.Aggregate(rows)
		require.GreaterOrEqual(t, eff.AggregateEffectiveness, 0.0)
		require.LessOrEqual(t, eff.AggregateEffectiveness, 95.0)
		require.True(t, allowedBonuses[eff.OverlapBonusPct], "unexpected bonus %v", eff.OverlapBonusPct)
		require.Equal(t, n, eff.ControlCount)
	}
}

func TestResidual(t *testing.T) {
	agg := NewAggregator(DefaultPolicy())

	for _, inherent := range []float64{0, 1, 7, 12.5, 20, 25} {
		assert.Equal(t, Round2(inherent*0.05), agg.Residual(inherent, 100), "inherent=%v at 100", inherent)
		assert.Equal(t, inherent, agg.Residual(inherent, 0), "inherent=%v at 0", inherent)
	}
	assert.Equal(t, 0.0, agg.Residual(0, 63.25))
	assert.Equal(t, 1.0, agg.Residual(20, 120))
	assert.Equal(t, 10.0, agg.Residual(20, 50))
}

func TestRiskReductionPct(t *testing.T) {
	assert.Equal(t, 0.0, RiskReductionPct(0, 0))
	assert.Equal(t, 50.0, RiskReductionPct(20, 10))
	assert.Equal(t, 95.0, RiskReductionPct(20, 1))
}

func TestDeriveInherent(t *testing.T) {
	assert.Equal(t, 12.0, DeriveInherent(3, 4))
	assert.Equal(t, 25.0, DeriveInherent(5, 5))
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"negative weight", func(p *Policy) { p.TypeWeights[models.ControlTypeDetective] = -0.1 }},
		{"negative default weight", func(p *Policy) { p.DefaultTypeWeight = -1 }},
		{"bonus above one", func(p *Policy) { p.OverlapBonuses[0].Bonus = 1.5 }},
		{"empty bonus set", func(p *Policy) { p.OverlapBonuses[0].Types = nil }},
		{"cap above 100", func(p *Policy) { p.EffectivenessCap = 101 }},
		{"zero cap", func(p *Policy) { p.EffectivenessCap = 0 }},
		{"floor above one", func(p *Policy) { p.ResidualFloor = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(config.ScoringConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	p, err = PolicyFromConfig(config.ScoringConfig{
		TypeWeights:      map[string]float64{"preventive": 0.5},
		EffectivenessCap: 90,
		ResidualFloor:    0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.TypeWeights[models.ControlTypePreventive])
	assert.Equal(t, 0.25, p.TypeWeights[models.ControlTypeDetective])
	assert.Equal(t, 90.0, p.EffectivenessCap)
	assert.Equal(t, 2.0, NewAggregator(p).Residual(20, 100))

	_, err = PolicyFromConfig(config.ScoringConfig{EffectivenessCap: 150})
	assert.Error(t, err)
}
