package types

import "time"

// MetricName identifies a group-fairness metric.
type MetricName string

const (
	MetricDemographicParity MetricName = "demographic-parity"
	MetricEqualOpportunity  MetricName = "equal-opportunity"
	MetricPredictiveParity  MetricName = "predictive-parity"
	MetricDisparateImpact   MetricName = "disparate-impact"
)

// AllMetrics lists every metric the engine computes, in evaluation order.
var AllMetrics = []MetricName{
	MetricDemographicParity,
	MetricEqualOpportunity,
	MetricPredictiveParity,
	MetricDisparateImpact,
}

// Valid reports whether m is a recognized metric name.
func (m MetricName) Valid() bool {
	switch m {
	case MetricDemographicParity, MetricEqualOpportunity, MetricPredictiveParity, MetricDisparateImpact:
		return true
	}
	return false
}

// GroupScoped reports whether the metric is computed per group value.
// Disparate impact is computed once for the whole attribute.
func (m MetricName) GroupScoped() bool {
	return m != MetricDisparateImpact
}

// MetricSnapshot is a fairness ratio derived from current window counters.
//
// Ratios follow the symmetric convention: group/overall or min/max, so a
// value of 1.0 is perfectly fair and values lie in (0, +inf).
type MetricSnapshot struct {
	Metric     MetricName   `json:"metric"`
	Type       DecisionType `json:"decision_type"`
	Attribute  string       `json:"attribute"`
	Group      string       `json:"group,omitempty"`
	Value      float64      `json:"value"`
	SampleSize int          `json:"sample_size"`
	ComputedAt time.Time    `json:"computed_at"`
}
