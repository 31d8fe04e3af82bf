package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionrisk/riskcore/internal/kri"
	"github.com/pensionrisk/riskcore/internal/riskerr"
	"github.com/pensionrisk/riskcore/internal/riskscore"
	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/kafka"
)

type mockKRIs struct {
	calls []float64
	ids   []string
	err   error
}

func (m *mockKRIs) EvaluateKRI(ctx context.Context, id string, v float64) (*kri.Evaluation, error) {
	m.ids = append(m.ids, id)
	m.calls = append(m.calls, v)
	if m.err != nil {
		return nil, m.err
	}
	return &kri.Evaluation{KRIID: id}, nil
}

type mockRisks struct {
	ids []string
	err error
}

func (m *mockRisks) RecalculateRisk(ctx context.Context, id string) (*riskscore.Result, error) {
	m.ids = append(m.ids, id)
	if m.err != nil {
		return nil, m.err
	}
	return &riskscore.Result{RiskID: id}, nil
}

func kafkaConfig() config.KafkaConfig {
	var cfg config.KafkaConfig
	cfg.Topics.KRIMeasured = "kri.measured"
	cfg.Topics.RiskControlsChanged = "risk.controls_changed"
	cfg.Topics.RiskAssessed = "risk.assessed"
	cfg.Topics.KRIBreached = "kri.breached"
	return cfg
}

func TestHandler_Topics(t *testing.T) {
	h := NewHandler(&mockKRIs{}, &mockRisks{}, kafkaConfig(), nil)
	assert.Equal(t, []string{"kri.measured", "risk.controls_changed", "risk.assessed"}, h.Topics())
}

func TestHandler_Measurement(t *testing.T) {
	kris := &mockKRIs{}
	h := NewHandler(kris, &mockRisks{}, kafkaConfig(), nil)

	err := h.Handle(context.Background(), kafka.Message{Topic: "kri.measured", Value: []byte(`{"kri_id":"k-1","value":0}`)})
	require.NoError(t, err)
	assert.Equal(t, []string{"k-1"}, kris.ids)
	assert.Equal(t, []float64{0}, kris.calls, "zero is a valid measurement")
}

func TestHandler_RiskTopics(t *testing.T) {
	risks := &mockRisks{}
	h := NewHandler(&mockKRIs{}, risks, kafkaConfig(), nil)

	require.NoError(t, h.Handle(context.Background(), kafka.Message{Topic: "risk.controls_changed", Value: []byte(`{"risk_id":"r-1"}`)}))
	require.NoError(t, h.Handle(context.Background(), kafka.Message{Topic: "risk.assessed", Value: []byte(`{"risk_id":"r-2"}`)}))
	assert.Equal(t, []string{"r-1", "r-2"}, risks.ids)
}

func TestHandler_SkipsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		value string
	}{
		{"not json", "kri.measured", `{"kri_id":`},
		{"missing value", "kri.measured", `{"kri_id":"k-1"}`},
		{"missing kri id", "kri.measured", `{"value":3.2}`},
		{"wrong type", "kri.measured", `{"kri_id":"k-1","value":"high"}`},
		{"missing risk id", "risk.assessed", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kris, risks := &mockKRIs{}, &mockRisks{}
			h := NewHandler(kris, risks, kafkaConfig(), nil)

			err := h.Handle(context.Background(), kafka.Message{Topic: tt.topic, Value: []byte(tt.value)})
			assert.NoError(t, err, "malformed messages are acknowledged")
			assert.Empty(t, kris.ids)
			assert.Empty(t, risks.ids)
		})
	}
}

func TestHandler_ErrorClassification(t *testing.T) {
	ctx := context.Background()
	msg := kafka.Message{Topic: "kri.measured", Value: []byte(`{"kri_id":"k-1","value":12}`)}

	h := NewHandler(&mockKRIs{err: riskerr.NotFound("kri", "k-1")}, &mockRisks{}, kafkaConfig(), nil)
	assert.NoError(t, h.Handle(ctx, msg), "unknown KRIs are not retried")

	h = NewHandler(&mockKRIs{err: riskerr.Validation("thresholds", "out of order")}, &mockRisks{}, kafkaConfig(), nil)
	assert.NoError(t, h.Handle(ctx, msg))

	persistence := riskerr.Persistence("update kri value", errors.New("connection reset"))
	h = NewHandler(&mockKRIs{err: persistence}, &mockRisks{}, kafkaConfig(), nil)
	err := h.Handle(ctx, msg)
	require.Error(t, err)
	assert.True(t, riskerr.IsPersistence(err))
}

func TestHandler_IgnoresUnknownTopic(t *testing.T) {
	kris := &mockKRIs{}
	h := NewHandler(kris, &mockRisks{}, kafkaConfig(), nil)
	assert.NoError(t, h.Handle(context.Background(), kafka.Message{Topic: "kri.breached", Value: []byte(`{}`)}))
	assert.Empty(t, kris.ids)
}
