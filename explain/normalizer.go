package explain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/trustai/fairsight/types"
)

// DefaultTopK is the number of features in a summary when unconfigured.
const DefaultTopK = 3

// Normalizer converts raw attribution vectors from the external producer
// into canonical, ranked explanation records. Weights are consumed as-is:
// normalization assigns ranks and renders the summary, it never alters
// magnitudes.
type Normalizer struct {
	topK int
}

// NewNormalizer creates a normalizer with the given top-k summary size.
func NewNormalizer(topK int) *Normalizer {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Normalizer{topK: topK}
}

// Normalize produces the explanation record for a decision from its raw
// per-feature weights.
//
// Ordering is a stable sort by (abs(weight) descending, feature name
// ascending). The secondary key makes equal-magnitude features rank
// deterministically, which matters for reproducible summaries.
func (n *Normalizer) Normalize(decision types.Decision, rawWeights map[string]float64) (types.ExplanationRecord, error) {
	if len(rawWeights) == 0 {
		return types.ExplanationRecord{}, &types.EmptyAttributionError{DecisionID: decision.ID}
	}

	features := make([]types.FeatureWeight, 0, len(rawWeights))
	for feature, weight := range rawWeights {
		features = append(features, types.FeatureWeight{Feature: feature, Weight: weight})
	}

	sort.SliceStable(features, func(i, j int) bool {
		ai, aj := math.Abs(features[i].Weight), math.Abs(features[j].Weight)
		if ai != aj {
			return ai > aj
		}
		return features[i].Feature < features[j].Feature
	})

	for i := range features {
		features[i].Rank = i + 1
	}

	rec := types.ExplanationRecord{
		DecisionID:   decision.ID,
		Features:     features,
		NormalizedAt: time.Now().UTC(),
	}
	rec.Summary = n.summarize(decision.Type, rec.Top(n.topK))

	return rec, nil
}

// summarize renders the direction-qualified top-k phrase. The output is a
// pure function of the ranked features, so recomputing it always yields
// the same string.
func (n *Normalizer) summarize(decisionType types.DecisionType, top []types.FeatureWeight) string {
	phrases := make([]string, 0, len(top))
	for _, f := range top {
		direction := "increased"
		if f.Weight < 0 {
			direction = "decreased"
		}
		phrases = append(phrases, fmt.Sprintf("%s %s %s likelihood (weight %.3f)",
			f.Feature, direction, decisionType, f.Weight))
	}
	return strings.Join(phrases, "; ")
}
