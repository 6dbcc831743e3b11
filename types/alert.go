package types

import (
	"fmt"
	"time"
)

// AlertState is the lifecycle state of a bias alert.
type AlertState string

const (
	AlertNormal       AlertState = "normal"
	AlertWarning      AlertState = "warning"
	AlertBreached     AlertState = "breached"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// AlertSeverity grades how far past the threshold a breach landed.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertKey identifies the metric series an alert belongs to. At most one
// open alert exists per key at any time.
type AlertKey struct {
	Metric    MetricName   `json:"metric"`
	Type      DecisionType `json:"decision_type"`
	Attribute string       `json:"attribute"`
	Group     string       `json:"group,omitempty"`
}

func (k AlertKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Metric, k.Type, k.Attribute, k.Group)
}

// Alert is a compliance alert raised when a fairness metric breaches its
// threshold. Alerts never auto-close: a recovered metric only updates
// LastValue, and closing requires explicit acknowledgment and resolution.
type Alert struct {
	ID             string        `json:"id"`
	Key            AlertKey      `json:"key"`
	State          AlertState    `json:"state"`
	Severity       AlertSeverity `json:"severity"`
	Threshold      float64       `json:"threshold"`
	BreachValue    float64       `json:"breach_value"`
	LastValue      float64       `json:"last_value"`
	SampleSize     int           `json:"sample_size"`
	OpenedAt       time.Time     `json:"opened_at"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedBy     string        `json:"resolved_by,omitempty"`
	ResolvedAt     time.Time     `json:"resolved_at,omitempty"`
	ResolutionNote string        `json:"resolution_note,omitempty"`
}

// Open reports whether the alert still needs human action.
func (a *Alert) Open() bool {
	return a.State == AlertBreached || a.State == AlertAcknowledged
}
