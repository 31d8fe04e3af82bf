package kri

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionrisk/riskcore/internal/repository/memory"
	"github.com/pensionrisk/riskcore/pkg/models"
)

func seedPortfolio(s *memory.Store) {
	s.PutKRI(models.KRI{ID: "k-funding", Name: "Funding level", Thresholds: descending(110, 100, 90),
		CurrentValue: models.Float64(85), Status: models.KRIStatusRed, Active: true})
	s.PutKRI(models.KRI{ID: "k-liquidity", Name: "Liquidity shortfall", Thresholds: ascending(10, 20, 30),
		CurrentValue: models.Float64(5), Status: models.KRIStatusGreen, Active: true})
	s.PutKRI(models.KRI{ID: "k-new", Name: "Counterparty exposure", Thresholds: ascending(1, 2, 3), Active: true})
	s.PutKRI(models.KRI{ID: "k-retired", Thresholds: ascending(1, 2, 3),
		CurrentValue: models.Float64(99), Status: models.KRIStatusCritical, Active: false})
}

func TestMonitor_Tick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultTrackerConfig())
	seedPortfolio(f.store)

	m := NewMonitor(f.store, f.tracker, f.clock, nil, MonitorConfig{Interval: time.Hour})
	res, err := m.Tick(ctx)
	require.NoError(t, err)
	f.tracker.Wait()

	assert.NotEmpty(t, res.RunID)
	// kri-funding from the fixture is unmeasured as well
	assert.Equal(t, 4, res.Evaluated)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Opened)
	assert.Equal(t, 1, res.Breached)

	open, _ := f.store.GetOpenBreach(ctx, "k-funding")
	require.NotNil(t, open)
	assert.Equal(t, models.KRIStatusRed, open.Level)
	assert.Equal(t, 90.0, open.ThresholdValue)
	assert.Empty(t, f.store.Breaches("k-retired"), "inactive KRIs are not evaluated")

	// a second pass with unchanged values is a no-op
	res, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Opened)
	assert.Len(t, f.store.Breaches("k-funding"), 1)

	snap := f.tracker.State().Snapshot()
	assert.Equal(t, int64(2), snap.Ticks)
	assert.Equal(t, f.clock.Now(), snap.LastTick)
}

func TestMonitor_TickContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultTrackerConfig())
	seedPortfolio(f.store)
	f.store.PutKRI(models.KRI{ID: "k-broken", Thresholds: ascending(9, 5, 1),
		CurrentValue: models.Float64(3), Active: true})

	m := NewMonitor(f.store, f.tracker, f.clock, nil, MonitorConfig{Interval: time.Hour})
	res, err := m.Tick(ctx)
	require.NoError(t, err)
	f.tracker.Wait()

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 4, res.Evaluated)
	assert.Equal(t, int64(0), f.tracker.State().Snapshot().FailedTicks)
}

func TestMonitor_TickEvaluatesStoredValueNotListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultTrackerConfig())

	_, err := f.tracker.EvaluateKRI(ctx, "kri-funding", 35)
	require.NoError(t, err)
	listed, err := f.store.GetActiveKRIs(ctx)
	require.NoError(t, err)
	_, err = f.tracker.EvaluateKRI(ctx, "kri-funding", 5)
	require.NoError(t, err)

	f.store.GetActiveKRIsFunc = func(ctx context.Context) ([]models.KRI, error) {
		return listed, nil
	}
	m := NewMonitor(f.store, f.tracker, f.clock, nil, MonitorConfig{Interval: time.Hour})
	res, err := m.Tick(ctx)
	require.NoError(t, err)
	f.tracker.Wait()

	assert.Equal(t, 1, res.Evaluated)
	assert.Zero(t, res.Opened)
	assert.Zero(t, res.Breached)
	open, _ := f.store.GetOpenBreach(ctx, "kri-funding")
	assert.Nil(t, open)
}

func TestMonitor_TickListFailure(t *testing.T) {
	f := newFixture(t, DefaultTrackerConfig())
	f.store.GetActiveKRIsFunc = func(ctx context.Context) ([]models.KRI, error) {
		return nil, errors.New("connection refused")
	}

	m := NewMonitor(f.store, f.tracker, f.clock, nil, MonitorConfig{Interval: time.Hour})
	_, err := m.Tick(context.Background())
	require.Error(t, err)

	snap := f.tracker.State().Snapshot()
	assert.Equal(t, int64(1), snap.FailedTicks)
	assert.Contains(t, snap.LastTickError, "connection refused")
}

func TestMonitor_StartStop(t *testing.T) {
	f := newFixture(t, DefaultTrackerConfig())
	seedPortfolio(f.store)

	var lists atomic.Int32
	f.store.GetActiveKRIsFunc = func(ctx context.Context) ([]models.KRI, error) {
		lists.Add(1)
		return []models.KRI{{ID: "k-funding", Thresholds: descending(110, 100, 90),
			CurrentValue: models.Float64(85), Status: models.KRIStatusRed, Active: true}}, nil
	}

	m := NewMonitor(f.store, f.tracker, f.clock, nil, MonitorConfig{Interval: time.Hour})
	m.Start()
	m.Start()

	require.Eventually(t, func() bool {
		return f.tracker.State().Snapshot().Ticks >= 1
	}, time.Second, 5*time.Millisecond, "first pass did not run on start")

	m.Stop()
	m.Stop()

	// Stop waited for the pass and its alert dispatch
	assert.Len(t, f.store.Breaches("k-funding"), 1)
	assert.Len(t, f.dispatcher.alerts(), 1)
	assert.Equal(t, int32(1), lists.Load())
}

func TestMonitor_StopCutsPassShort(t *testing.T) {
	f := newFixture(t, DefaultTrackerConfig())
	seedPortfolio(f.store)

	m := NewMonitor(f.store, f.tracker, f.clock, nil, MonitorConfig{Interval: time.Hour})
	m.cancel()

	res, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Evaluated)
}

func TestMonitor_Summary(t *testing.T) {
	f := newFixture(t, DefaultTrackerConfig())
	seedPortfolio(f.store)
	f.store.PutKRI(models.KRI{ID: "k-critical", Thresholds: ascending(1, 2, 3),
		CurrentValue: models.Float64(10), Status: models.KRIStatusCritical, Active: true})

	m := NewMonitor(f.store, f.tracker, f.clock, nil, DefaultMonitorConfig())
	s, err := m.Summary(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, s.TotalKRIs)
	assert.Equal(t, 2, s.BreachedKRIs)
	assert.Equal(t, 1, s.CriticalKRIs)
	assert.Equal(t, 2, s.UnmeasuredKRIs)
	assert.Equal(t, 60.0, s.ComplianceRate)
	assert.Equal(t, t0, s.CalculatedAt)
}

func TestSummarize(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	empty := Summarize(nil, at)
	assert.Equal(t, 0, empty.TotalKRIs)
	assert.Equal(t, 100.0, empty.ComplianceRate)

	kris := []models.KRI{
		{ID: "a", CurrentValue: models.Float64(1), Status: models.KRIStatusAmber},
		{ID: "b", CurrentValue: models.Float64(1), Status: models.KRIStatusGreen},
		{ID: "c", CurrentValue: models.Float64(1), Status: models.KRIStatusNormal},
	}
	s := Summarize(kris, at)
	assert.Equal(t, 1, s.BreachedKRIs)
	assert.Equal(t, 66.67, s.ComplianceRate)
}
