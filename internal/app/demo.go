package app

import (
	"github.com/pensionrisk/riskcore/internal/repository/memory"
	"github.com/pensionrisk/riskcore/pkg/models"
)

// SeedDemo loads a small pension-fund portfolio into store. Used by
// `riskctl --memory` and by the worker when no database is configured in
// development.
func SeedDemo(store *memory.Store) {
	store.PutUser(models.AlertRecipient{UserID: "u-cro", Email: "cro@example.org", Role: "admin"})
	store.PutUser(models.AlertRecipient{UserID: "u-rm", Email: "risk.manager@example.org", Role: "risk_manager"})
	store.PutUser(models.AlertRecipient{UserID: "u-inv", Email: "investments@example.org", Role: "user"})
	store.PutUser(models.AlertRecipient{UserID: "u-treasury", Email: "treasury@example.org", Role: "user"})

	store.PutRisk(models.Risk{
		ID:                "risk-concentration",
		Title:             "Investment concentration",
		InherentRiskScore: models.Float64(20),
		OwnerID:           models.String("u-inv"),
	})
	store.MapControl("risk-concentration", models.MappedControl{
		ControlID: "ctl-limits", Name: "Issuer exposure limits", Type: models.ControlTypePreventive,
		Rating: models.Float64(80), Coverage: models.Float64(100),
	})
	store.MapControl("risk-concentration", models.MappedControl{
		ControlID: "ctl-review", Name: "Quarterly holdings review", Type: models.ControlTypeDetective,
		Rating: models.Float64(70), Coverage: models.Float64(50),
	})

	// no stored inherent score; derived from likelihood and impact
	store.PutRisk(models.Risk{
		ID:         "risk-liquidity",
		Title:      "Benefit payment liquidity",
		Likelihood: models.Int(3),
		Impact:     models.Int(5),
		OwnerID:    models.String("u-treasury"),
	})
	store.MapControl("risk-liquidity", models.MappedControl{
		ControlID: "ctl-cashflow", Name: "Cash flow forecasting", Type: models.ControlTypePreventive,
		Rating: models.Float64(65),
	})
	store.MapControl("risk-liquidity", models.MappedControl{
		ControlID: "ctl-credit-line", Name: "Standby credit line", Type: models.ControlTypeCorrective,
		Rating: models.Float64(90), Coverage: models.Float64(40),
	})
	store.MapControl("risk-liquidity", models.MappedControl{
		ControlID: "ctl-new", Name: "Collateral monitoring", Type: models.ControlTypeDetective,
	})

	store.PutRisk(models.Risk{ID: "risk-vendor", Title: "Administrator outage", Likelihood: models.Int(2), Impact: models.Int(4)})
	store.AddAssessment("risk-vendor", 9)
	store.MapControl("risk-vendor", models.MappedControl{
		ControlID: "ctl-bcp", Name: "Business continuity plan", Type: models.ControlTypeCompensating,
		Rating: models.Float64(60),
	})

	store.PutKRI(models.KRI{
		ID:     "kri-funding-ratio",
		Name:   "Funding ratio",
		RiskID: models.String("risk-liquidity"),
		Thresholds: models.Thresholds{
			Green: 110, Amber: 100, Red: 90, Direction: models.DirectionDescending,
		},
		Status: models.KRIStatusUnknown,
		Active: true,
	})
	store.PutKRI(models.KRI{
		ID:           "kri-top10-share",
		Name:         "Top 10 issuer share of assets",
		RiskID:       models.String("risk-concentration"),
		OwnerID:      models.String("u-inv"),
		CurrentValue: models.Float64(18),
		Thresholds: models.Thresholds{
			Green: 20, Amber: 25, Red: 30, Direction: models.DirectionAscending,
		},
		Status: models.KRIStatusGreen,
		Active: true,
	})
	store.PutKRI(models.KRI{
		ID:     "kri-admin-sla",
		Name:   "Administrator SLA misses per month",
		RiskID: models.String("risk-vendor"),
		Thresholds: models.Thresholds{
			Green: 1, Amber: 3, Red: 5, Direction: models.DirectionAscending,
		},
		Status: models.KRIStatusUnknown,
		Active: true,
	})
}
