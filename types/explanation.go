package types

import "time"

// FeatureWeight is one feature's signed contribution to a model output,
// as reported by the external attribution producer. Weights are consumed
// as-is; normalization only assigns ranks, never alters magnitude.
type FeatureWeight struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
	Rank    int     `json:"rank"`
}

// ExplanationRecord is the canonical, ranked form of a raw attribution
// vector. Features are ordered by absolute weight descending, with feature
// name ascending as the tiebreak, so equal-magnitude features always rank
// deterministically.
type ExplanationRecord struct {
	DecisionID   string          `json:"decision_id"`
	Features     []FeatureWeight `json:"features"`
	Summary      string          `json:"summary"`
	NormalizedAt time.Time       `json:"normalized_at"`
}

// Top returns the k highest-ranked features.
func (r *ExplanationRecord) Top(k int) []FeatureWeight {
	if k > len(r.Features) {
		k = len(r.Features)
	}
	return r.Features[:k]
}
