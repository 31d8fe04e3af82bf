// Package memory provides a thread-safe in-memory store implementing every
// repository the scoring core consumes. It backs development mode, the CLI
// demo and tests; the exported Func fields override individual methods.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/pkg/models"
)

// Store is an in-memory repository.
type Store struct {
	mu           sync.RWMutex
	risks        map[string]models.Risk
	mappings     map[string][]models.MappedControl
	assessments  map[string][]float64
	kris         map[string]models.KRI
	measurements map[string][]models.Measurement
	breaches     []models.Breach
	users        []models.AlertRecipient

	// Control behavior for testing
	GetRiskFunc                     func(ctx context.Context, id string) (*models.Risk, error)
	SaveResidualScoreFunc           func(ctx context.Context, id string, score float64) error
	ListRisksWithControlsFunc       func(ctx context.Context) ([]string, error)
	GetMappingsForRiskFunc          func(ctx context.Context, riskID string) ([]models.MappedControl, error)
	GetActiveKRIsFunc               func(ctx context.Context) ([]models.KRI, error)
	UpdateCurrentValueAndStatusFunc func(ctx context.Context, id string, value float64, status models.KRIStatus) error
	GetOpenBreachFunc               func(ctx context.Context, kriID string) (*models.Breach, error)
	CreateBreachFunc                func(ctx context.Context, b models.Breach) error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		risks:        make(map[string]models.Risk),
		mappings:     make(map[string][]models.MappedControl),
		assessments:  make(map[string][]float64),
		kris:         make(map[string]models.KRI),
		measurements: make(map[string][]models.Measurement),
	}
}

// =============================================================================
// Seeding
// =============================================================================

// PutRisk inserts or replaces a risk.
func (s *Store) PutRisk(r models.Risk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risks[r.ID] = cloneRisk(r)
}

// MapControl maps a control to a risk, replacing any mapping with the same control id.
func (s *Store) MapControl(riskID string, c models.MappedControl) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.mappings[riskID]
	for i := range rows {
		if rows[i].ControlID == c.ControlID {
			rows[i] = c
			return
		}
	}
	s.mappings[riskID] = append(rows, c)
}

// UnmapControl removes a control mapping.
func (s *Store) UnmapControl(riskID, controlID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.mappings[riskID]
	out := rows[:0:0]
	for _, r := range rows {
		if r.ControlID != controlID {
			out = append(out, r)
		}
	}
	s.mappings[riskID] = out
}

// AddAssessment appends an assessed inherent risk; the last one added is the latest.
func (s *Store) AddAssessment(riskID string, inherent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[riskID] = append(s.assessments[riskID], inherent)
}

// PutKRI inserts or replaces a KRI.
func (s *Store) PutKRI(k models.KRI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kris[k.ID] = cloneKRI(k)
}

// PutUser registers a user that may receive alerts.
func (s *Store) PutUser(u models.AlertRecipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, u)
}

// =============================================================================
// Risks, controls, assessments
// =============================================================================

// GetRisk returns a risk by ID.
func (s *Store) GetRisk(ctx context.Context, id string) (*models.Risk, error) {
	if s.GetRiskFunc != nil {
		return s.GetRiskFunc(ctx, id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.risks[id]
	if !ok {
		return nil, riskerr.NotFound("risk", id)
	}
	r = cloneRisk(r)
	return &r, nil
}

// SaveResidualScore stores a risk's residual score.
func (s *Store) SaveResidualScore(ctx context.Context, id string, score float64) error {
	if s.SaveResidualScoreFunc != nil {
		return s.SaveResidualScoreFunc(ctx, id, score)
	}
	return s.updateRisk(id, func(r *models.Risk) { r.ResidualRiskScore = &score })
}

// SaveInherentScore stores a derived inherent score.
func (s *Store) SaveInherentScore(ctx context.Context, id string, score float64) error {
	return s.updateRisk(id, func(r *models.Risk) { r.InherentRiskScore = &score })
}

func (s *Store) updateRisk(id string, fn func(r *models.Risk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.risks[id]
	if !ok {
		return riskerr.NotFound("risk", id)
	}
	fn(&r)
	s.risks[id] = r
	return nil
}

// ListRisksWithControls returns the ids of risks with at least one mapping, sorted.
func (s *Store) ListRisksWithControls(ctx context.Context) ([]string, error) {
	if s.ListRisksWithControlsFunc != nil {
		return s.ListRisksWithControlsFunc(ctx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.mappings))
	for id, rows := range s.mappings {
		if len(rows) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// GetMappingsForRisk returns a copy of the risk's control mappings.
func (s *Store) GetMappingsForRisk(ctx context.Context, riskID string) ([]models.MappedControl, error) {
	if s.GetMappingsForRiskFunc != nil {
		return s.GetMappingsForRiskFunc(ctx, riskID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MappedControl(nil), s.mappings[riskID]...), nil
}

// GetLatestInherentRisk returns the most recent assessed inherent risk, or nil.
func (s *Store) GetLatestInherentRisk(ctx context.Context, riskID string) (*float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.assessments[riskID]
	if len(a) == 0 {
		return nil, nil
	}
	v := a[len(a)-1]
	return &v, nil
}

// =============================================================================
// KRIs
// =============================================================================

// GetKRI returns a KRI by ID.
func (s *Store) GetKRI(ctx context.Context, id string) (*models.KRI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kris[id]
	if !ok {
		return nil, riskerr.NotFound("kri", id)
	}
	k = cloneKRI(k)
	return &k, nil
}

// GetActiveKRIs returns active KRIs sorted by id.
func (s *Store) GetActiveKRIs(ctx context.Context) ([]models.KRI, error) {
	if s.GetActiveKRIsFunc != nil {
		return s.GetActiveKRIsFunc(ctx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.KRI, 0, len(s.kris))
	for _, k := range s.kris {
		if k.Active {
			out = append(out, cloneKRI(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateCurrentValueAndStatus stores a KRI's latest value and status.
func (s *Store) UpdateCurrentValueAndStatus(ctx context.Context, id string, value float64, status models.KRIStatus) error {
	if s.UpdateCurrentValueAndStatusFunc != nil {
		return s.UpdateCurrentValueAndStatusFunc(ctx, id, value, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kris[id]
	if !ok {
		return riskerr.NotFound("kri", id)
	}
	k.CurrentValue = &value
	k.Status = status
	s.kris[id] = k
	return nil
}

// RecordMeasurement appends to a KRI's value history.
func (s *Store) RecordMeasurement(ctx context.Context, m models.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measurements[m.KRIID] = append(s.measurements[m.KRIID], m)
	return nil
}

// Measurements returns a KRI's value history, oldest first.
func (s *Store) Measurements(kriID string) []models.Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Measurement(nil), s.measurements[kriID]...)
}

// =============================================================================
// Breaches
// =============================================================================

// GetOpenBreach returns the most recent unresolved breach for a KRI, or nil.
func (s *Store) GetOpenBreach(ctx context.Context, kriID string) (*models.Breach, error) {
	if s.GetOpenBreachFunc != nil {
		return s.GetOpenBreachFunc(ctx, kriID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.breaches) - 1; i >= 0; i-- {
		b := s.breaches[i]
		if b.KRIID == kriID && b.IsOpen() {
			return &b, nil
		}
	}
	return nil, nil
}

// CreateBreach stores a new breach.
func (s *Store) CreateBreach(ctx context.Context, b models.Breach) error {
	if s.CreateBreachFunc != nil {
		return s.CreateBreachFunc(ctx, b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaches = append(s.breaches, b)
	return nil
}

// ResolveBreach closes a breach.
func (s *Store) ResolveBreach(ctx context.Context, id uuid.UUID, value float64, at time.Time) error {
	return s.updateBreach(id, func(b *models.Breach) {
		b.ResolvedAt = &at
		b.ResolutionValue = &value
	})
}

// MarkNotified records a successful alert dispatch.
func (s *Store) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.updateBreach(id, func(b *models.Breach) {
		b.NotificationSent = true
		b.NotificationSentAt = &at
	})
}

func (s *Store) updateBreach(id uuid.UUID, fn func(b *models.Breach)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.breaches {
		if s.breaches[i].ID == id {
			fn(&s.breaches[i])
			return nil
		}
	}
	return riskerr.NotFound("breach", id.String())
}

// Breaches returns every breach recorded for a KRI, oldest first.
func (s *Store) Breaches(kriID string) []models.Breach {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Breach
	for _, b := range s.breaches {
		if b.KRIID == kriID {
			out = append(out, b)
		}
	}
	return out
}

// =============================================================================
// Users
// =============================================================================

// GetUserEmail returns the email of a user, or "" when unknown.
func (s *Store) GetUserEmail(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.UserID == userID {
			return u.Email, nil
		}
	}
	return "", nil
}

// ListEmailsByRoles returns the emails of users holding any of roles.
func (s *Store) ListEmailsByRoles(ctx context.Context, roles []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}
	var out []string
	for _, u := range s.users {
		if want[u.Role] {
			out = append(out, u.Email)
		}
	}
	return out, nil
}

func cloneRisk(r models.Risk) models.Risk {
	r.Likelihood = cloneInt(r.Likelihood)
	r.Impact = cloneInt(r.Impact)
	r.InherentRiskScore = cloneFloat(r.InherentRiskScore)
	r.ResidualRiskScore = cloneFloat(r.ResidualRiskScore)
	return r
}

func cloneKRI(k models.KRI) models.KRI {
	k.CurrentValue = cloneFloat(k.CurrentValue)
	return k
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
