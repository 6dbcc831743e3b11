package fairness

import (
	"sync"

	"github.com/trustai/fairsight/types"
)

// Key identifies one sliding-window counter: decisions of one type, for
// one protected attribute, in one group.
type Key struct {
	Type      types.DecisionType
	Attribute string
	Group     string
}

// Counts are the aggregated counters for one window.
type Counts struct {
	Total          int
	Positive       int
	ActualPositive int
	TruePositive   int
	FalsePositive  int
}

// PositiveRate is the share of favorable model outcomes in the window.
func (c Counts) PositiveRate() (float64, bool) {
	if c.Total == 0 {
		return 0, false
	}
	return float64(c.Positive) / float64(c.Total), true
}

// TruePositiveRate is TP over ground-truth positives. Undefined when the
// window holds no resolved positives.
func (c Counts) TruePositiveRate() (float64, bool) {
	if c.ActualPositive == 0 {
		return 0, false
	}
	return float64(c.TruePositive) / float64(c.ActualPositive), true
}

// PositivePredictiveValue is TP / (TP + FP). Undefined when the window
// holds no resolved positive predictions.
func (c Counts) PositivePredictiveValue() (float64, bool) {
	denom := c.TruePositive + c.FalsePositive
	if denom == 0 {
		return 0, false
	}
	return float64(c.TruePositive) / float64(denom), true
}

func (c Counts) add(s *sample, sign int) Counts {
	c.Total += sign
	if s.positive {
		c.Positive += sign
	}
	if s.resolved {
		if s.truthPositive {
			c.ActualPositive += sign
			if s.positive {
				c.TruePositive += sign
			}
		} else if s.positive {
			c.FalsePositive += sign
		}
	}
	return c
}

// sample is one decision folded into a window.
type sample struct {
	id            string
	positive      bool
	resolved      bool
	truthPositive bool
}

// windowShard owns the sliding window for a single key. Every fold goes
// through its mutex, so updates within a key are strictly ordered while
// unrelated keys proceed in parallel.
type windowShard struct {
	mu      sync.Mutex
	size    int
	samples []*sample
	applied map[string]*sample
	seen    map[string]struct{}
	counts  Counts
}

func newWindowShard(size int) *windowShard {
	return &windowShard{
		size:    size,
		applied: make(map[string]*sample),
		seen:    make(map[string]struct{}),
	}
}

// fold applies one decision to the window. Folding is idempotent per
// decision id: a replayed decision is a no-op unless it newly carries
// ground truth, in which case only the resolution is applied. Decisions
// already evicted from the window never re-enter it.
func (w *windowShard) fold(d types.Decision) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.applied[d.ID]; ok {
		if d.Resolved() && !existing.resolved {
			w.counts = w.counts.add(existing, -1)
			existing.resolved = true
			existing.truthPositive = d.TruthPositive()
			w.counts = w.counts.add(existing, 1)
			return true
		}
		return false
	}

	if _, evicted := w.seen[d.ID]; evicted {
		return false
	}

	s := &sample{
		id:            d.ID,
		positive:      d.Positive(),
		resolved:      d.Resolved(),
		truthPositive: d.TruthPositive(),
	}

	if len(w.samples) >= w.size {
		w.evictOldest()
	}

	w.samples = append(w.samples, s)
	w.applied[d.ID] = s
	w.seen[d.ID] = struct{}{}
	w.counts = w.counts.add(s, 1)
	return true
}

func (w *windowShard) evictOldest() {
	oldest := w.samples[0]
	w.samples = w.samples[1:]
	delete(w.applied, oldest.id)
	w.counts = w.counts.add(oldest, -1)
}

// snapshot returns the current counters.
func (w *windowShard) snapshot() Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts
}
