package alert

import (
	"context"
	"fmt"

	"github.com/pensionrisk/riskcore/pkg/models"
)

// DefaultRiskManagerRoles are the roles that receive every KRI alert.
var DefaultRiskManagerRoles = []string{"admin", "risk_manager"}

// Directory looks up users and risks for recipient resolution.
type Directory interface {
	GetUserEmail(ctx context.Context, userID string) (string, error)
	ListEmailsByRoles(ctx context.Context, roles []string) ([]string, error)
	GetRisk(ctx context.Context, id string) (*models.Risk, error)
}

// Recipients resolves alert recipients: the KRI owner, then the owner of the
// linked risk, then every risk manager. Emails are deduplicated in that order.
type Recipients struct {
	dir   Directory
	roles []string
}

// NewRecipients creates a resolver. Empty roles fall back to DefaultRiskManagerRoles.
func NewRecipients(dir Directory, roles []string) *Recipients {
	if len(roles) == 0 {
		roles = DefaultRiskManagerRoles
	}
	return &Recipients{dir: dir, roles: roles}
}

// GetAlertRecipients returns the emails to notify about a breach of k.
func (r *Recipients) GetAlertRecipients(ctx context.Context, k models.KRI) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(email string) {
		if email == "" || seen[email] {
			return
		}
		seen[email] = true
		out = append(out, email)
	}

	if k.OwnerID != nil {
		email, err := r.dir.GetUserEmail(ctx, *k.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("kri owner: %w", err)
		}
		add(email)
	}

	if k.RiskID != nil {
		risk, err := r.dir.GetRisk(ctx, *k.RiskID)
		if err != nil {
			return nil, fmt.Errorf("risk %s: %w", *k.RiskID, err)
		}
		if risk != nil && risk.OwnerID != nil {
			email, err := r.dir.GetUserEmail(ctx, *risk.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("risk owner: %w", err)
			}
			add(email)
		}
	}

	managers, err := r.dir.ListEmailsByRoles(ctx, r.roles)
	if err != nil {
		return nil, fmt.Errorf("risk managers: %w", err)
	}
	for _, email := range managers {
		add(email)
	}
	return out, nil
}

// GetRiskTitle returns the title of the risk, used in alert bodies.
func (r *Recipients) GetRiskTitle(ctx context.Context, riskID string) (string, error) {
	risk, err := r.dir.GetRisk(ctx, riskID)
	if err != nil {
		return "", err
	}
	if risk == nil {
		return "", nil
	}
	return risk.Title, nil
}
