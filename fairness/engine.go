package fairness

import (
	"context"
	"sort"
	"time"

	"github.com/trustai/fairsight/telemetry"
	"github.com/trustai/fairsight/types"
)

// Engine maintains sliding-window fairness counters, sharded per key so
// unrelated keys fold in parallel while updates within a key stay strictly
// ordered.
type Engine struct {
	shards     shardMap
	protected  map[types.DecisionType][]string
	minSamples int
}

// NewEngine creates a fairness engine. protected maps each decision type
// to the protected attributes monitored for it.
func NewEngine(protected map[types.DecisionType][]string, windowSize, minSamples int) *Engine {
	return &Engine{
		shards:     newShardMap(windowSize),
		protected:  protected,
		minSamples: minSamples,
	}
}

// Update folds one decision into the window counter of every configured
// protected attribute for its type. Folding is idempotent per decision id,
// so retrying after a timeout is safe; a later call with ground truth
// attached re-folds only the resolution.
//
// The affected keys are returned so the caller can re-evaluate exactly the
// metrics this decision touched.
func (e *Engine) Update(ctx context.Context, d types.Decision) []Key {
	attrs := e.protected[d.Type]
	keys := make([]Key, 0, len(attrs))

	for _, attr := range attrs {
		group, ok := d.Attributes[attr]
		if !ok {
			continue
		}

		key := Key{Type: d.Type, Attribute: attr, Group: group}
		if e.shards.get(key).fold(d) {
			telemetry.CounterFolds.Add(ctx, 1)
		}
		keys = append(keys, key)
	}

	return keys
}

// ComputeMetric derives a fairness metric from current counters for every
// group observed under (decisionType, attribute). Group-scoped metrics
// yield one snapshot per group; disparate impact yields a single snapshot
// for the whole attribute.
//
// Recomputing without intervening updates yields identical values.
func (e *Engine) ComputeMetric(name types.MetricName, decisionType types.DecisionType, attribute string) ([]types.MetricSnapshot, error) {
	if !name.Valid() {
		return nil, &types.ValidationError{Field: "metric", Reason: "unrecognized metric name"}
	}

	groups := e.shards.groupCounts(decisionType, attribute)
	if len(groups) == 0 {
		return nil, &types.InsufficientSampleError{Metric: name, Samples: 0, Minimum: e.minSamples}
	}

	names := make([]string, 0, len(groups))
	overall := Counts{}
	for group, counts := range groups {
		if counts.Total < e.minSamples {
			return nil, &types.InsufficientSampleError{
				Metric:  name,
				Group:   group,
				Samples: counts.Total,
				Minimum: e.minSamples,
			}
		}
		names = append(names, group)
		overall.Total += counts.Total
		overall.Positive += counts.Positive
		overall.ActualPositive += counts.ActualPositive
		overall.TruePositive += counts.TruePositive
		overall.FalsePositive += counts.FalsePositive
	}
	sort.Strings(names)

	now := time.Now().UTC()

	if name == types.MetricDisparateImpact {
		snap, err := disparateImpact(name, decisionType, attribute, names, groups, overall, now)
		if err != nil {
			return nil, err
		}
		return []types.MetricSnapshot{snap}, nil
	}

	snapshots := make([]types.MetricSnapshot, 0, len(names))
	for _, group := range names {
		value, err := groupRatio(name, group, groups[group], overall)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, types.MetricSnapshot{
			Metric:     name,
			Type:       decisionType,
			Attribute:  attribute,
			Group:      group,
			Value:      value,
			SampleSize: groups[group].Total,
			ComputedAt: now,
		})
	}

	return snapshots, nil
}

// groupRatio computes a group-vs-overall ratio. 1.0 means the group's rate
// matches the overall rate exactly.
func groupRatio(name types.MetricName, group string, counts, overall Counts) (float64, error) {
	var groupRate, overallRate float64
	var groupOK, overallOK bool

	switch name {
	case types.MetricDemographicParity:
		groupRate, groupOK = counts.PositiveRate()
		overallRate, overallOK = overall.PositiveRate()
	case types.MetricEqualOpportunity:
		groupRate, groupOK = counts.TruePositiveRate()
		overallRate, overallOK = overall.TruePositiveRate()
	case types.MetricPredictiveParity:
		groupRate, groupOK = counts.PositivePredictiveValue()
		overallRate, overallOK = overall.PositivePredictiveValue()
	}

	if !groupOK || !overallOK || overallRate == 0 {
		return 0, &types.InsufficientSampleError{
			Metric:  name,
			Group:   group,
			Samples: counts.Total,
			Minimum: 1,
		}
	}

	return groupRate / overallRate, nil
}

// disparateImpact computes min-over-groups / max-over-groups of the
// positive-outcome rate, following the four-fifths framing. The result is
// always in (0, 1].
func disparateImpact(name types.MetricName, decisionType types.DecisionType, attribute string, names []string, groups map[string]Counts, overall Counts, now time.Time) (types.MetricSnapshot, error) {
	minRate, maxRate := -1.0, -1.0
	for _, group := range names {
		rate, ok := groups[group].PositiveRate()
		if !ok {
			return types.MetricSnapshot{}, &types.InsufficientSampleError{Metric: name, Group: group, Minimum: 1}
		}
		if minRate < 0 || rate < minRate {
			minRate = rate
		}
		if rate > maxRate {
			maxRate = rate
		}
	}

	if maxRate <= 0 {
		return types.MetricSnapshot{}, &types.InsufficientSampleError{
			Metric:  name,
			Samples: overall.Total,
			Minimum: 1,
		}
	}

	return types.MetricSnapshot{
		Metric:     name,
		Type:       decisionType,
		Attribute:  attribute,
		Value:      minRate / maxRate,
		SampleSize: overall.Total,
		ComputedAt: now,
	}, nil
}
