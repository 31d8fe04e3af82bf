// Package postgres implements the riskcore repositories on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/pkg/database"
	"github.com/pensionrisk/riskcore/pkg/models"
	"github.com/pensionrisk/riskcore/pkg/telemetry"
)

//go:embed schema.sql
var schema string

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Store implements every repository interface riskcore consumes.
type Store struct {
	db *sql.DB
}

// New creates a store over db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithRiskLock runs fn in a transaction holding an advisory lock on riskID.
// Repository calls made with the ctx passed to fn join the transaction.
func (s *Store) WithRiskLock(ctx context.Context, riskID string, fn func(ctx context.Context) error) error {
	return s.withLock(ctx, "risk:"+riskID, fn)
}

// WithKRILock runs fn in a transaction holding an advisory lock on kriID,
// serializing breach evaluation across processes.
func (s *Store) WithKRILock(ctx context.Context, kriID string, fn func(ctx context.Context) error) error {
	return s.withLock(ctx, "kri:"+kriID, fn)
}

func (s *Store) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := database.AdvisoryXactLock(ctx, tx, key); err != nil {
			return err
		}
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	ctx, span := telemetry.DatabaseSpan(ctx, op, query)
	defer span.End()

	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	return res, nil
}

func (s *Store) get(ctx context.Context, op, query string, args []any, dest ...any) error {
	ctx, span := telemetry.DatabaseSpan(ctx, op, query)
	defer span.End()

	err := s.q(ctx).QueryRowContext(ctx, query, args...).Scan(dest...)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		span.SetError(err)
	}
	return err
}

func (s *Store) query(ctx context.Context, op, query string, args []any, each func(rows *sql.Rows) error) error {
	ctx, span := telemetry.DatabaseSpan(ctx, op, query)
	defer span.End()

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		span.SetError(err)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := each(rows); err != nil {
			span.SetError(err)
			return err
		}
	}
	if err := rows.Err(); err != nil {
		span.SetError(err)
		return err
	}
	return nil
}

func mustAffect(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return riskerr.NotFound(entity, id)
	}
	return nil
}

// =============================================================================
// Risks
// =============================================================================

// GetRisk returns a risk by ID.
func (s *Store) GetRisk(ctx context.Context, id string) (*models.Risk, error) {
	var (
		r                  models.Risk
		likelihood, impact sql.NullInt32
		inherent, residual sql.NullFloat64
		owner              sql.NullString
	)
	err := s.get(ctx, "select", `
		SELECT id, title, likelihood, impact, inherent_risk_score, residual_risk_score, risk_owner_id
		FROM risks WHERE id = $1`,
		[]any{id},
		&r.ID, &r.Title, &likelihood, &impact, &inherent, &residual, &owner,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, riskerr.NotFound("risk", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get risk: %w", err)
	}

	r.Likelihood = nullInt(likelihood)
	r.Impact = nullInt(impact)
	r.InherentRiskScore = nullFloat(inherent)
	r.ResidualRiskScore = nullFloat(residual)
	r.OwnerID = nullString(owner)
	return &r, nil
}

// SaveResidualScore stores a recalculated residual risk score.
func (s *Store) SaveResidualScore(ctx context.Context, id string, score float64) error {
	res, err := s.exec(ctx, "update",
		`UPDATE risks SET residual_risk_score = $2, updated_at = now() WHERE id = $1`, id, score)
	if err != nil {
		return fmt.Errorf("save residual score: %w", err)
	}
	return mustAffect(res, "risk", id)
}

// SaveInherentScore stores a derived inherent risk score.
func (s *Store) SaveInherentScore(ctx context.Context, id string, score float64) error {
	res, err := s.exec(ctx, "update",
		`UPDATE risks SET inherent_risk_score = $2, updated_at = now() WHERE id = $1`, id, score)
	if err != nil {
		return fmt.Errorf("save inherent score: %w", err)
	}
	return mustAffect(res, "risk", id)
}

// ListRisksWithControls returns the IDs of risks with at least one mapped control.
func (s *Store) ListRisksWithControls(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.query(ctx, "select",
		`SELECT DISTINCT risk_id FROM risk_controls ORDER BY risk_id`, nil,
		func(rows *sql.Rows) error {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list risks with controls: %w", err)
	}
	return ids, nil
}

// GetMappingsForRisk returns the controls mapped to a risk with their rating and coverage.
func (s *Store) GetMappingsForRisk(ctx context.Context, riskID string) ([]models.MappedControl, error) {
	var out []models.MappedControl
	err := s.query(ctx, "select", `
		SELECT c.id, c.name, c.control_type, c.effectiveness_rating, rc.coverage_percentage
		FROM risk_controls rc
		JOIN controls c ON c.id = rc.control_id
		WHERE rc.risk_id = $1
		ORDER BY c.id`,
		[]any{riskID},
		func(rows *sql.Rows) error {
			var (
				m                models.MappedControl
				ctype            string
				rating, coverage sql.NullFloat64
			)
			if err := rows.Scan(&m.ControlID, &m.Name, &ctype, &rating, &coverage); err != nil {
				return err
			}
			m.Type = models.ControlType(ctype)
			m.Rating = nullFloat(rating)
			m.Coverage = nullFloat(coverage)
			out = append(out, m)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("get mappings for risk: %w", err)
	}
	return out, nil
}

// GetLatestInherentRisk returns the inherent risk of the most recent
// assessment, or nil when there is none.
func (s *Store) GetLatestInherentRisk(ctx context.Context, riskID string) (*float64, error) {
	var v sql.NullFloat64
	err := s.get(ctx, "select", `
		SELECT inherent_risk FROM risk_assessments
		WHERE risk_id = $1
		ORDER BY assessment_date DESC, id DESC
		LIMIT 1`,
		[]any{riskID}, &v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest assessment: %w", err)
	}
	return nullFloat(v), nil
}

// =============================================================================
// KRIs
// =============================================================================

const kriColumns = `id, name, risk_id, owner_id, current_value,
	green_threshold, amber_threshold, red_threshold, direction, status, is_active`

func scanKRI(scan func(dest ...any) error) (models.KRI, error) {
	var (
		k             models.KRI
		riskID, owner sql.NullString
		current       sql.NullFloat64
		direction     string
		status        string
	)
	err := scan(&k.ID, &k.Name, &riskID, &owner, &current,
		&k.Thresholds.Green, &k.Thresholds.Amber, &k.Thresholds.Red, &direction, &status, &k.Active)
	if err != nil {
		return models.KRI{}, err
	}
	k.RiskID = nullString(riskID)
	k.OwnerID = nullString(owner)
	k.CurrentValue = nullFloat(current)
	k.Thresholds.Direction = models.Direction(direction)
	k.Status = models.KRIStatus(status)
	return k, nil
}

// GetKRI returns a KRI by ID.
func (s *Store) GetKRI(ctx context.Context, id string) (*models.KRI, error) {
	ctx, span := telemetry.DatabaseSpan(ctx, "select", "key_risk_indicators by id")
	defer span.End()

	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+kriColumns+` FROM key_risk_indicators WHERE id = $1`, id)
	k, err := scanKRI(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, riskerr.NotFound("kri", id)
	}
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("get kri: %w", err)
	}
	return &k, nil
}

// GetActiveKRIs returns every active KRI.
func (s *Store) GetActiveKRIs(ctx context.Context) ([]models.KRI, error) {
	var out []models.KRI
	err := s.query(ctx, "select",
		`SELECT `+kriColumns+` FROM key_risk_indicators WHERE is_active ORDER BY id`, nil,
		func(rows *sql.Rows) error {
			k, err := scanKRI(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, k)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("get active kris: %w", err)
	}
	return out, nil
}

// UpdateCurrentValueAndStatus stores a KRI's latest value and status.
func (s *Store) UpdateCurrentValueAndStatus(ctx context.Context, id string, value float64, status models.KRIStatus) error {
	res, err := s.exec(ctx, "update", `
		UPDATE key_risk_indicators
		SET current_value = $2, status = $3, last_updated = now()
		WHERE id = $1`, id, value, string(status))
	if err != nil {
		return fmt.Errorf("update kri value: %w", err)
	}
	return mustAffect(res, "kri", id)
}

// RecordMeasurement appends to a KRI's measurement history.
func (s *Store) RecordMeasurement(ctx context.Context, m models.Measurement) error {
	_, err := s.exec(ctx, "insert", `
		INSERT INTO kri_measurements (kri_id, value, status, measurement_date)
		VALUES ($1, $2, $3, $4)`, m.KRIID, m.Value, string(m.Status), m.RecordedAt)
	if err != nil {
		return fmt.Errorf("record measurement: %w", err)
	}
	return nil
}

// =============================================================================
// Breaches
// =============================================================================

// GetOpenBreach returns the most recent unresolved breach of a KRI, or nil.
func (s *Store) GetOpenBreach(ctx context.Context, kriID string) (*models.Breach, error) {
	var (
		b     models.Breach
		level string
		sent  sql.NullTime
	)
	err := s.get(ctx, "select", `
		SELECT id, kri_id, breach_level, breach_value, threshold_value, breached_at,
		       notification_sent, notification_sent_at
		FROM kri_breaches
		WHERE kri_id = $1 AND resolved_at IS NULL
		ORDER BY breached_at DESC
		LIMIT 1`,
		[]any{kriID},
		&b.ID, &b.KRIID, &level, &b.BreachValue, &b.ThresholdValue, &b.BreachedAt,
		&b.NotificationSent, &sent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open breach: %w", err)
	}
	b.Level = models.KRIStatus(level)
	if sent.Valid {
		t := sent.Time
		b.NotificationSentAt = &t
	}
	return &b, nil
}

// CreateBreach inserts a new open breach.
func (s *Store) CreateBreach(ctx context.Context, b models.Breach) error {
	_, err := s.exec(ctx, "insert", `
		INSERT INTO kri_breaches (id, kri_id, breach_level, breach_value, threshold_value, breached_at, notification_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.KRIID, string(b.Level), b.BreachValue, b.ThresholdValue, b.BreachedAt, b.NotificationSent)
	if err != nil {
		return fmt.Errorf("create breach: %w", err)
	}
	return nil
}

// ResolveBreach closes an open breach.
func (s *Store) ResolveBreach(ctx context.Context, id uuid.UUID, value float64, at time.Time) error {
	res, err := s.exec(ctx, "update", `
		UPDATE kri_breaches SET resolved_at = $2, resolution_value = $3
		WHERE id = $1 AND resolved_at IS NULL`, id, at, value)
	if err != nil {
		return fmt.Errorf("resolve breach: %w", err)
	}
	return mustAffect(res, "open breach", id.String())
}

// MarkNotified records that the breach alert was delivered.
func (s *Store) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.exec(ctx, "update", `
		UPDATE kri_breaches SET notification_sent = true, notification_sent_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark breach notified: %w", err)
	}
	return mustAffect(res, "breach", id.String())
}

// =============================================================================
// Users
// =============================================================================

// GetUserEmail returns the email of a user, or "" when the user is unknown.
func (s *Store) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.get(ctx, "select", `SELECT email FROM users WHERE id = $1`, []any{userID}, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get user email: %w", err)
	}
	return email, nil
}

// ListEmailsByRoles returns the emails of users holding any of roles.
func (s *Store) ListEmailsByRoles(ctx context.Context, roles []string) ([]string, error) {
	var out []string
	err := s.query(ctx, "select",
		`SELECT email FROM users WHERE role = ANY($1) AND email <> '' ORDER BY id`,
		[]any{pq.Array(roles)},
		func(rows *sql.Rows) error {
			var email string
			if err := rows.Scan(&email); err != nil {
				return err
			}
			out = append(out, email)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list emails by roles: %w", err)
	}
	return out, nil
}

// =============================================================================
// Null helpers
// =============================================================================

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt32) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int32)
	return &i
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
