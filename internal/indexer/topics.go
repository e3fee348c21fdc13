package indexer

import (
	"hash/fnv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/atlasvault/chainflow/internal/chain"
)

const (
	bloomBits   = 2048
	bloomHashes = 3
)

// TopicFilter selects logs whose topic0 equals Hash. When Contract is set
// only logs emitted by that address match.
type TopicFilter struct {
	Hash        string
	Contract    string
	Description string
}

// TopicMatcher holds the active filter set with a bloom pre-filter over the
// topic0 values and an exact lowercased set behind it.
type TopicMatcher struct {
	mu       sync.RWMutex
	filters  []TopicFilter
	bloom    *bitset.BitSet
	exact    map[string][]TopicFilter
	byAddr   map[string][]TopicFilter
}

// NewTopicMatcher builds a matcher from the initial filter list.
func NewTopicMatcher(filters []TopicFilter) *TopicMatcher {
	m := &TopicMatcher{}
	m.rebuildLocked(filters)
	return m
}

// Add registers a filter and rebuilds the derived indexes.
func (m *TopicMatcher) Add(f TopicFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildLocked(append(m.filters, f))
}

// Remove drops every filter with the given topic0 hash.
func (m *TopicMatcher) Remove(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash = strings.ToLower(hash)
	kept := m.filters[:0]
	for _, f := range m.filters {
		if strings.ToLower(f.Hash) != hash {
			kept = append(kept, f)
		}
	}
	m.rebuildLocked(kept)
}

// Filters returns a copy of the active filter list.
func (m *TopicMatcher) Filters() []TopicFilter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TopicFilter, len(m.filters))
	copy(out, m.filters)
	return out
}

// Empty reports whether no filters are active.
func (m *TopicMatcher) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filters) == 0
}

// ConstrainedContracts returns the lowercased set of contract addresses any
// filter is scoped to.
func (m *TopicMatcher) ConstrainedContracts() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.byAddr))
	for addr := range m.byAddr {
		out[addr] = struct{}{}
	}
	return out
}

// MayMatch is the bloom pre-test: false means the topic is definitely not
// in the filter set.
func (m *TopicMatcher) MayMatch(topic0 string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bloom == nil {
		return false
	}
	for _, idx := range bloomPositions(strings.ToLower(topic0)) {
		if !m.bloom.Test(idx) {
			return false
		}
	}
	return true
}

// Match returns the matched topic0 when the log's first topic is in the
// exact set and the filter's contract constraint (if any) holds.
func (m *TopicMatcher) Match(log *chain.Log) (string, bool) {
	if len(log.Topics) == 0 {
		return "", false
	}
	topic0 := strings.ToLower(log.Topics[0])

	m.mu.RLock()
	defer m.mu.RUnlock()
	filters, ok := m.exact[topic0]
	if !ok {
		return "", false
	}
	addr := strings.ToLower(log.Address)
	for _, f := range filters {
		if f.Contract == "" || strings.ToLower(f.Contract) == addr {
			return topic0, true
		}
	}
	return "", false
}

// rebuildLocked recomputes the bloom, exact set, and contract index. Caller
// holds mu.
func (m *TopicMatcher) rebuildLocked(filters []TopicFilter) {
	m.filters = filters
	m.bloom = bitset.New(bloomBits)
	m.exact = make(map[string][]TopicFilter, len(filters))
	m.byAddr = make(map[string][]TopicFilter)
	for _, f := range filters {
		topic := strings.ToLower(f.Hash)
		for _, idx := range bloomPositions(topic) {
			m.bloom.Set(idx)
		}
		m.exact[topic] = append(m.exact[topic], f)
		if f.Contract != "" {
			addr := strings.ToLower(f.Contract)
			m.byAddr[addr] = append(m.byAddr[addr], f)
		}
	}
}

// bloomPositions derives the k bit positions for a topic via double hashing.
func bloomPositions(topic string) [bloomHashes]uint {
	h1 := fnv.New64a()
	h1.Write([]byte(topic))
	a := h1.Sum64()

	h2 := fnv.New64()
	h2.Write([]byte(topic))
	b := h2.Sum64() | 1

	var out [bloomHashes]uint
	for i := 0; i < bloomHashes; i++ {
		out[i] = uint((a + uint64(i)*b) % bloomBits)
	}
	return out
}
