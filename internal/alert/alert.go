// Package alert delivers KRI breach alerts over the configured channels.
package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/models"
)

// Dispatcher sends one breach alert.
type Dispatcher interface {
	SendBreachAlert(ctx context.Context, alert models.BreachAlert) error
}

// Noop accepts every alert and sends nothing. Only allowed in development.
type Noop struct {
	log *logger.Logger
}

// NewNoop creates a dispatcher that only logs.
func NewNoop(log *logger.Logger) *Noop {
	if log == nil {
		log = logger.Nop()
	}
	return &Noop{log: log.WithComponent("alert-noop")}
}

// SendBreachAlert logs the alert.
func (n *Noop) SendBreachAlert(ctx context.Context, a models.BreachAlert) error {
	n.log.WithContext(ctx).Info("breach alert dropped by noop dispatcher",
		"kri_id", a.KRIID,
		"level", a.Level,
		"recipients", len(a.Recipients),
	)
	return nil
}

// Multi fans an alert out to several dispatchers. Every dispatcher is tried;
// the alert counts as delivered only when all of them succeed.
type Multi []Dispatcher

// SendBreachAlert sends to every dispatcher and joins their errors.
func (m Multi) SendBreachAlert(ctx context.Context, a models.BreachAlert) error {
	var errs []error
	for i, d := range m {
		if err := d.SendBreachAlert(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
