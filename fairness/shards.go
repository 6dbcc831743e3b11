package fairness

import (
	"sync"

	"github.com/trustai/fairsight/types"
)

// shardMap owns the per-key window shards. The map itself is guarded by a
// read-write mutex; each shard carries its own lock, so only shard
// creation contends globally.
type shardMap struct {
	mu         sync.RWMutex
	shards     map[Key]*windowShard
	windowSize int
}

func newShardMap(windowSize int) shardMap {
	return shardMap{
		shards:     make(map[Key]*windowShard),
		windowSize: windowSize,
	}
}

func (m *shardMap) get(key Key) *windowShard {
	m.mu.RLock()
	shard, ok := m.shards[key]
	m.mu.RUnlock()
	if ok {
		return shard
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if shard, ok = m.shards[key]; ok {
		return shard
	}
	shard = newWindowShard(m.windowSize)
	m.shards[key] = shard
	return shard
}

// groupCounts snapshots the counters of every group observed under
// (decisionType, attribute).
func (m *shardMap) groupCounts(decisionType types.DecisionType, attribute string) map[string]Counts {
	m.mu.RLock()
	matching := make(map[string]*windowShard)
	for key, shard := range m.shards {
		if key.Type == decisionType && key.Attribute == attribute {
			matching[key.Group] = shard
		}
	}
	m.mu.RUnlock()

	counts := make(map[string]Counts, len(matching))
	for group, shard := range matching {
		counts[group] = shard.snapshot()
	}
	return counts
}
