package models

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells which way a KRI value gets worse.
type Direction string

const (
	// DirectionAscending means higher values are worse.
	DirectionAscending Direction = "ascending"
	// DirectionDescending means lower values are worse.
	DirectionDescending Direction = "descending"
)

// KRIStatus is the threshold band a KRI value falls into.
type KRIStatus string

const (
	KRIStatusGreen    KRIStatus = "green"
	KRIStatusNormal   KRIStatus = "normal"
	KRIStatusAmber    KRIStatus = "amber"
	KRIStatusRed      KRIStatus = "red"
	KRIStatusCritical KRIStatus = "critical"
	KRIStatusUnknown  KRIStatus = "unknown" // no measurement yet
)

// IsBreach reports whether the status is a breach level.
func (s KRIStatus) IsBreach() bool {
	return s == KRIStatusAmber || s == KRIStatusRed || s == KRIStatusCritical
}

// Thresholds holds the three KRI thresholds and their direction.
type Thresholds struct {
	Green     float64   `json:"thresholdGreen" db:"threshold_green"`
	Amber     float64   `json:"thresholdAmber" db:"threshold_amber"`
	Red       float64   `json:"thresholdRed" db:"threshold_red"`
	Direction Direction `json:"thresholdDirection" db:"threshold_direction"`
}

// KRI is a key risk indicator.
type KRI struct {
	ID           string     `json:"id" db:"id"`
	Name         string     `json:"name" db:"name"`
	RiskID       *string    `json:"riskId,omitempty" db:"risk_id"`
	OwnerID      *string    `json:"ownerId,omitempty" db:"owner_id"`
	CurrentValue *float64   `json:"currentValue,omitempty" db:"current_value"`
	Thresholds   Thresholds `json:"thresholds"`
	Status       KRIStatus  `json:"status" db:"status"`
	Active       bool       `json:"isActive" db:"is_active"`
}

// Measurement is one recorded KRI value.
type Measurement struct {
	KRIID      string    `json:"kriId" db:"kri_id"`
	Value      float64   `json:"value" db:"value"`
	Status     KRIStatus `json:"status" db:"status"`
	RecordedAt time.Time `json:"recordedAt" db:"recorded_at"`
}

// Breach records a KRI crossing into an unacceptable band.
type Breach struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	KRIID              string     `json:"kriId" db:"kri_id"`
	Level              KRIStatus  `json:"breachLevel" db:"breach_level"`
	BreachValue        float64    `json:"breachValue" db:"breach_value"`
	ThresholdValue     float64    `json:"thresholdValue" db:"threshold_value"`
	BreachedAt         time.Time  `json:"breachedAt" db:"breached_at"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
	ResolutionValue    *float64   `json:"resolutionValue,omitempty" db:"resolution_value"`
	NotificationSent   bool       `json:"notificationSent" db:"notification_sent"`
	NotificationSentAt *time.Time `json:"notificationSentAt,omitempty" db:"notification_sent_at"`
}

// IsOpen reports whether the breach is unresolved.
func (b Breach) IsOpen() bool {
	return b.ResolvedAt == nil
}

// KRISummary is the monitor's portfolio-level view of KRI health.
type KRISummary struct {
	TotalKRIs      int       `json:"totalKris"`
	BreachedKRIs   int       `json:"breachedKris"`
	CriticalKRIs   int       `json:"criticalKris"`
	UnmeasuredKRIs int       `json:"unmeasuredKris"`
	ComplianceRate float64   `json:"complianceRate"` // percentage of KRIs not in breach
	CalculatedAt   time.Time `json:"calculatedAt"`
}
