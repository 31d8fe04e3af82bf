package models

import (
	"time"

	"github.com/google/uuid"
)

// BreachAlert is the payload handed to an alert dispatcher when a KRI breach opens.
type BreachAlert struct {
	BreachID   uuid.UUID `json:"breachId"`
	KRIID      string    `json:"kriId"`
	KRIName    string    `json:"kriName"`
	Value      float64   `json:"currentValue"`
	Threshold  float64   `json:"threshold"`
	Level      KRIStatus `json:"status"`
	RiskTitle  string    `json:"riskTitle"`
	Recipients []string  `json:"recipients"`
	BreachedAt time.Time `json:"breachedAt"`
}

// BreachEvent is published when a breach opens or resolves.
type BreachEvent struct {
	Type      string    `json:"type"` // opened, resolved
	Breach    Breach    `json:"breach"`
	KRIName   string    `json:"kriName"`
	RiskTitle string    `json:"riskTitle,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertRecipient is a user eligible to receive KRI alerts.
type AlertRecipient struct {
	UserID string `json:"userId" db:"id"`
	Email  string `json:"email" db:"email"`
	Role   string `json:"role" db:"role"`
}
