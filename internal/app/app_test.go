package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionrisk/riskcore/internal/alert"
	"github.com/pensionrisk/riskcore/internal/clock"
	"github.com/pensionrisk/riskcore/internal/kri"
	"github.com/pensionrisk/riskcore/internal/repository/memory"
	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/kafka"
	"github.com/pensionrisk/riskcore/pkg/metrics"
	"github.com/pensionrisk/riskcore/pkg/models"
)

type recordingPublisher struct {
	topics []string
	events []kafka.Event
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, topic string, e kafka.Event) error {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, e)
	return nil
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWith(viper.New())
	require.NoError(t, err)
	cfg.Monitor.AlertRatePerSecond = 0
	return cfg
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(loadConfig(t), Options{})
	assert.Error(t, err)
}

func TestNew_InvalidPolicy(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Scoring.ResidualFloor = 2

	_, err := New(cfg, Options{Store: memory.New()})
	assert.Error(t, err)
}

func TestNewDispatcher(t *testing.T) {
	breakers := NewBreakers(nil)
	pub := &recordingPublisher{}

	tests := []struct {
		name       string
		dispatcher string
		pub        alert.Publisher
		want       interface{}
		wantErr    bool
	}{
		{"noop", "noop", nil, &alert.Noop{}, false},
		{"notifier", "notifier", nil, &alert.Notifier{}, false},
		{"kafka", "kafka", pub, &alert.KafkaDispatcher{}, false},
		{"multi", "multi", pub, alert.Multi{}, false},
		{"kafka without producer", "kafka", nil, nil, true},
		{"multi without producer", "multi", nil, nil, true},
		{"unknown", "pager", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t)
			cfg.Alerts.Dispatcher = tt.dispatcher

			d, err := NewDispatcher(cfg, breakers, tt.pub, clock.System{}, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, d)
		})
	}
}

func TestNewBreakers_ExportsState(t *testing.T) {
	reg := NewBreakers(nil)
	b := reg.Get("app-test")

	fail := func(ctx context.Context) error { return errors.New("down") }
	for i := 0; i < 5; i++ {
		_ = b.Do(context.Background(), fail)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BreakerState.WithLabelValues("app-test")))
}

func TestDemoPortfolio(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	SeedDemo(store)

	cfg := loadConfig(t)
	cfg.Alerts.Dispatcher = "kafka"
	pub := &recordingPublisher{}

	a, err := New(cfg, Options{
		Store:     store,
		Publisher: pub,
		Clock:     clock.NewFake(time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	res, err := a.RiskScore.RecalculateRisk(ctx, "risk-concentration")
	require.NoError(t, err)
	assert.Equal(t, 63.25, res.AggregateEffectiveness)
	assert.Equal(t, 7.35, res.NewResidual)

	items, err := a.RiskScore.RecalculateAllRisks(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	for _, it := range items {
		assert.NoError(t, it.Err, it.RiskID)
	}

	eval, err := a.Tracker.EvaluateKRI(ctx, "kri-funding-ratio", 95)
	require.NoError(t, err)
	assert.Equal(t, models.KRIStatusAmber, eval.Status)
	assert.Equal(t, kri.TransitionOpened, eval.Transition.Kind)
	a.Tracker.Wait()

	require.Len(t, pub.events, 1)
	assert.Equal(t, "kri.breached", pub.topics[0])
	alertEvt := pub.events[0].Data.(models.BreachAlert)
	assert.Equal(t, "Benefit payment liquidity", alertEvt.RiskTitle)
	assert.ElementsMatch(t,
		[]string{"treasury@example.org", "cro@example.org", "risk.manager@example.org"},
		alertEvt.Recipients)

	summary, err := a.Monitor.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalKRIs)
	assert.Equal(t, 1, summary.BreachedKRIs)
	assert.Equal(t, 1, summary.UnmeasuredKRIs)
}
