package memory

import (
	"sync"

	"muse/internal/types"
)

// =============================================================================
// CONTEXT PRESSURE
// =============================================================================

// PressureFunc reports the downstream context utilization in percent.
// The measurement comes from the LLM adapter; when none is wired the
// manager degrades to a constant 0%.
type PressureFunc func() int

// capEntry maps a pressure floor to the buffer and summary-injection caps
// that apply at or above it.
type capEntry struct {
	floor         int
	maxExchanges  int
	summaryTokens int
}

// capTable is scanned top-down; the first row whose floor the measured
// pressure reaches wins. Higher pressure always yields caps that are
// less than or equal to those of lower pressure.
var capTable = []capEntry{
	{85, 10, 1000},
	{80, 15, 1500},
	{70, 20, 2000},
	{60, 25, 3000},
	{50, 30, 4000},
	{0, 35, 5000},
}

// capsFor resolves the dynamic buffer cap and summary token cap for a
// pressure reading. Out-of-range readings are clamped.
func capsFor(pressure int) (maxExchanges, summaryTokens int) {
	if pressure < 0 {
		pressure = 0
	}
	for _, e := range capTable {
		if pressure >= e.floor {
			return e.maxExchanges, e.summaryTokens
		}
	}
	last := capTable[len(capTable)-1]
	return last.maxExchanges, last.summaryTokens
}

// =============================================================================
// EXCHANGE BUFFER
// =============================================================================

// ExchangeBuffer is the in-memory FIFO of recent episodes. Capacity is
// dynamic: the effective cap is the smaller of the configured size and the
// pressure cap at insertion time. A configured size of 0 means stateless,
// the buffer never holds anything.
type ExchangeBuffer struct {
	mu         sync.Mutex
	episodes   []types.Episode
	configured int
}

// NewExchangeBuffer creates a buffer with the configured maximum size.
func NewExchangeBuffer(configured int) *ExchangeBuffer {
	return &ExchangeBuffer{configured: configured}
}

// Stateless reports whether the buffer is configured to hold nothing.
func (b *ExchangeBuffer) Stateless() bool {
	return b.configured == 0
}

// EvictFor pops the oldest episodes until an append would stay within the
// effective cap for the given pressure, returning the evicted episodes
// oldest first. Eviction happens before append so the newest exchange is
// never the one compressed.
func (b *ExchangeBuffer) EvictFor(pressure int) []types.Episode {
	if b.Stateless() {
		return nil
	}
	limit, _ := capsFor(pressure)
	if b.configured > 0 && b.configured < limit {
		limit = b.configured
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted []types.Episode
	for len(b.episodes) >= limit && len(b.episodes) > 0 {
		evicted = append(evicted, b.episodes[0])
		b.episodes = b.episodes[1:]
	}
	return evicted
}

// Append adds an episode at the newest end. Stateless buffers drop it.
func (b *ExchangeBuffer) Append(ep types.Episode) {
	if b.Stateless() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.episodes = append(b.episodes, ep)
}

// Len returns the current number of buffered episodes.
func (b *ExchangeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.episodes)
}

// Snapshot returns a copy of the buffered episodes, oldest first.
func (b *ExchangeBuffer) Snapshot() []types.Episode {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Episode, len(b.episodes))
	copy(out, b.episodes)
	return out
}
