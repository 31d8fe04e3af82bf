package alert

import (
	"context"
	"fmt"

	"github.com/pensionrisk/riskcore/internal/clock"
	"github.com/pensionrisk/riskcore/pkg/kafka"
	"github.com/pensionrisk/riskcore/pkg/models"
	"github.com/pensionrisk/riskcore/pkg/resilience"
	"github.com/pensionrisk/riskcore/pkg/telemetry"
)

// ChannelKafka is the breaker key for the Kafka dispatcher.
const ChannelKafka = "kafka"

// Publisher publishes events to a topic. Satisfied by *kafka.Producer.
type Publisher interface {
	PublishEvent(ctx context.Context, topic string, event kafka.Event) error
}

// KafkaDispatcher publishes breach alerts as events for downstream consumers.
type KafkaDispatcher struct {
	pub     Publisher
	topic   string
	clock   clock.Clock
	breaker *resilience.Breaker
}

// NewKafkaDispatcher creates a dispatcher publishing to topic.
func NewKafkaDispatcher(pub Publisher, topic string, clk clock.Clock, breakers *resilience.Registry) *KafkaDispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	d := &KafkaDispatcher{pub: pub, topic: topic, clock: clk}
	if breakers != nil {
		d.breaker = breakers.Get(ChannelKafka)
	}
	return d
}

// SendBreachAlert publishes the alert keyed by KRI so per-KRI order holds
// within a partition.
func (d *KafkaDispatcher) SendBreachAlert(ctx context.Context, a models.BreachAlert) error {
	ctx, span := telemetry.DispatchSpan(ctx, ChannelKafka)
	defer span.End()

	event := kafka.Event{
		ID:        a.BreachID.String(),
		Key:       a.KRIID,
		Type:      EventBreachOpened,
		Source:    "riskcore",
		Timestamp: d.clock.Now(),
		Data:      a,
	}
	publish := func(ctx context.Context) error {
		return d.pub.PublishEvent(ctx, d.topic, event)
	}

	var err error
	if d.breaker != nil {
		err = d.breaker.Do(ctx, publish)
	} else {
		err = publish(ctx)
	}
	if err != nil {
		span.SetError(err)
		return fmt.Errorf("publish breach alert: %w", err)
	}
	return nil
}
