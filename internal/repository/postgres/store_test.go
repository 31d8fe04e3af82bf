package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionrisk/riskcore/internal/kri"
	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/pkg/models"
)

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

func TestGetRisk(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	mock.ExpectQuery("FROM risks WHERE id = \\$1").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "likelihood", "impact", "inherent_risk_score", "residual_risk_score", "risk_owner_id"}).
			AddRow("r-1", "Scheme underfunding", 4, 5, nil, 7.35, "u-1"))

	r, err := s.GetRisk(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "Scheme underfunding", r.Title)
	assert.Equal(t, 4, *r.Likelihood)
	assert.Equal(t, 5, *r.Impact)
	assert.Nil(t, r.InherentRiskScore)
	assert.Equal(t, 7.35, *r.ResidualRiskScore)
	assert.Equal(t, "u-1", *r.OwnerID)

	mock.ExpectQuery("FROM risks WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetRisk(ctx, "missing")
	assert.True(t, riskerr.IsNotFound(err))
}

func TestSaveScores(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	mock.ExpectExec("UPDATE risks SET residual_risk_score").
		WithArgs("r-1", 7.35).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SaveResidualScore(ctx, "r-1", 7.35))

	mock.ExpectExec("UPDATE risks SET inherent_risk_score").
		WithArgs("r-gone", 20.0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, riskerr.IsNotFound(s.SaveInherentScore(ctx, "r-gone", 20)))

	mock.ExpectExec("UPDATE risks SET residual_risk_score").
		WillReturnError(errors.New("deadlock detected"))
	err := s.SaveResidualScore(ctx, "r-1", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
}

func TestListRisksWithControls(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("SELECT DISTINCT risk_id FROM risk_controls").
		WillReturnRows(sqlmock.NewRows([]string{"risk_id"}).AddRow("r-1").AddRow("r-2"))

	ids, err := s.ListRisksWithControls(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1", "r-2"}, ids)
}

func TestGetMappingsForRisk(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("FROM risk_controls rc").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "control_type", "effectiveness_rating", "coverage_percentage"}).
			AddRow("c-1", "Investment committee review", "preventive", 80.0, 90.0).
			AddRow("c-2", "Funding monitor", "detective", nil, nil))

	rows, err := s.GetMappingsForRisk(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.ControlTypePreventive, rows[0].Type)
	assert.Equal(t, 80.0, *rows[0].Rating)
	assert.Equal(t, 90.0, *rows[0].Coverage)
	assert.False(t, rows[1].IsRated())
	assert.Nil(t, rows[1].Coverage)
}

func TestGetLatestInherentRisk(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	mock.ExpectQuery("FROM risk_assessments").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"inherent_risk"}).AddRow(16.0))
	v, err := s.GetLatestInherentRisk(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 16.0, *v)

	mock.ExpectQuery("FROM risk_assessments").
		WithArgs("r-2").
		WillReturnRows(sqlmock.NewRows([]string{"inherent_risk"}))
	v, err = s.GetLatestInherentRisk(ctx, "r-2")
	require.NoError(t, err)
	assert.Nil(t, v)
}

var kriCols = []string{"id", "name", "risk_id", "owner_id", "current_value",
	"green_threshold", "amber_threshold", "red_threshold", "direction", "status", "is_active"}

func TestGetKRI(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	mock.ExpectQuery("FROM key_risk_indicators WHERE id = \\$1").
		WithArgs("k-1").
		WillReturnRows(sqlmock.NewRows(kriCols).
			AddRow("k-1", "Funding level", "r-1", nil, 85.0, 110.0, 100.0, 90.0, "descending", "red", true))

	k, err := s.GetKRI(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionDescending, k.Thresholds.Direction)
	assert.Equal(t, models.KRIStatusRed, k.Status)
	assert.Equal(t, "r-1", *k.RiskID)
	assert.Nil(t, k.OwnerID)
	assert.Equal(t, 85.0, *k.CurrentValue)

	mock.ExpectQuery("FROM key_risk_indicators WHERE id = \\$1").
		WithArgs("k-x").
		WillReturnRows(sqlmock.NewRows(kriCols))
	_, err = s.GetKRI(ctx, "k-x")
	assert.True(t, riskerr.IsNotFound(err))
}

func TestGetActiveKRIs(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("FROM key_risk_indicators WHERE is_active").
		WillReturnRows(sqlmock.NewRows(kriCols).
			AddRow("k-1", "Funding level", nil, nil, nil, 10.0, 20.0, 30.0, "ascending", "unknown", true))

	kris, err := s.GetActiveKRIs(context.Background())
	require.NoError(t, err)
	require.Len(t, kris, 1)
	assert.Nil(t, kris[0].CurrentValue)
	assert.Equal(t, 30.0, kris[0].Thresholds.Red)
}

func TestKRIWrites(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)
	at := time.Date(2024, 3, 31, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE key_risk_indicators").
		WithArgs("k-1", 25.0, "amber").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateCurrentValueAndStatus(ctx, "k-1", 25, models.KRIStatusAmber))

	mock.ExpectExec("INSERT INTO kri_measurements").
		WithArgs("k-1", 25.0, "amber", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.RecordMeasurement(ctx, models.Measurement{KRIID: "k-1", Value: 25, Status: models.KRIStatusAmber, RecordedAt: at}))
}

func TestBreachLifecycle(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)
	at := time.Date(2024, 3, 31, 8, 0, 0, 0, time.UTC)
	id := uuid.New()

	mock.ExpectExec("INSERT INTO kri_breaches").
		WithArgs(id, "k-1", "red", 31.0, 30.0, at, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CreateBreach(ctx, models.Breach{
		ID: id, KRIID: "k-1", Level: models.KRIStatusRed, BreachValue: 31, ThresholdValue: 30, BreachedAt: at,
	}))

	mock.ExpectQuery("FROM kri_breaches").
		WithArgs("k-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kri_id", "breach_level", "breach_value", "threshold_value",
			"breached_at", "notification_sent", "notification_sent_at"}).
			AddRow(id.String(), "k-1", "red", 31.0, 30.0, at, false, nil))
	open, err := s.GetOpenBreach(ctx, "k-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, id, open.ID)
	assert.Equal(t, models.KRIStatusRed, open.Level)
	assert.Nil(t, open.NotificationSentAt)

	mock.ExpectExec("UPDATE kri_breaches SET notification_sent = true").
		WithArgs(id, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.MarkNotified(ctx, id, at))

	mock.ExpectExec("UPDATE kri_breaches SET resolved_at").
		WithArgs(id, at, 5.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.ResolveBreach(ctx, id, 5, at))

	mock.ExpectQuery("FROM kri_breaches").
		WithArgs("k-2").
		WillReturnError(sql.ErrNoRows)
	open, err = s.GetOpenBreach(ctx, "k-2")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	mock.ExpectQuery("SELECT email FROM users WHERE id").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("cro@fund.example"))
	email, err := s.GetUserEmail(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "cro@fund.example", email)

	mock.ExpectQuery("SELECT email FROM users WHERE id").
		WithArgs("u-x").
		WillReturnRows(sqlmock.NewRows([]string{"email"}))
	email, err = s.GetUserEmail(ctx, "u-x")
	require.NoError(t, err)
	assert.Empty(t, email)

	roles := []string{"admin", "risk_manager"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE role = ANY($1)")).
		WithArgs(pq.Array(roles)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("a@fund.example").AddRow("b@fund.example"))
	emails, err := s.ListEmailsByRoles(ctx, roles)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@fund.example", "b@fund.example"}, emails)
}

func TestWithRiskLock(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("risk:r-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE risks SET residual_risk_score").
		WithArgs("r-1", 7.35).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithRiskLock(ctx, "r-1", func(ctx context.Context) error {
		return s.SaveResidualScore(ctx, "r-1", 7.35)
	})
	require.NoError(t, err)
}

func TestWithRiskLock_RollsBack(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE risks SET residual_risk_score").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithRiskLock(ctx, "r-1", func(ctx context.Context) error {
		return s.SaveResidualScore(ctx, "r-1", 7.35)
	})
	assert.True(t, riskerr.IsNotFound(err))
}

var _ kri.KRILocker = (*Store)(nil)

func TestWithKRILock(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)
	at := time.Date(2024, 3, 31, 8, 0, 0, 0, time.UTC)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("kri:k-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM kri_breaches").
		WithArgs("k-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO kri_breaches").
		WithArgs(id, "k-1", "red", 31.0, 30.0, at, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithKRILock(ctx, "k-1", func(ctx context.Context) error {
		open, err := s.GetOpenBreach(ctx, "k-1")
		if err != nil || open != nil {
			return errors.New("expected no open breach")
		}
		return s.CreateBreach(ctx, models.Breach{
			ID: id, KRIID: "k-1", Level: models.KRIStatusRed, BreachValue: 31, ThresholdValue: 30, BreachedAt: at,
		})
	})
	require.NoError(t, err)
}

func TestWithKRILock_RollsBack(t *testing.T) {
	ctx := context.Background()
	s, mock := newStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("kri:k-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO kri_breaches").WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	err := s.WithKRILock(ctx, "k-1", func(ctx context.Context) error {
		return s.CreateBreach(ctx, models.Breach{ID: uuid.New(), KRIID: "k-1", Level: models.KRIStatusRed})
	})
	assert.ErrorContains(t, err, "duplicate key")
}

func TestMigrate(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(context.Background()))
}
