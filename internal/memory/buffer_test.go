package memory

import (
	"fmt"
	"testing"

	"muse/internal/types"
)

func TestCapsForTable(t *testing.T) {
	tests := []struct {
		pressure      int
		wantExchanges int
		wantTokens    int
	}{
		{0, 35, 5000},
		{49, 35, 5000},
		{50, 30, 4000},
		{60, 25, 3000},
		{70, 20, 2000},
		{80, 15, 1500},
		{85, 10, 1000},
		{100, 10, 1000},
		{-5, 35, 5000},
	}
	for _, tt := range tests {
		gotEx, gotTok := capsFor(tt.pressure)
		if gotEx != tt.wantExchanges || gotTok != tt.wantTokens {
			t.Errorf("capsFor(%d) = (%d, %d), want (%d, %d)",
				tt.pressure, gotEx, gotTok, tt.wantExchanges, tt.wantTokens)
		}
	}
}

func TestCapsForMonotonic(t *testing.T) {
	prevEx, prevTok := capsFor(0)
	for p := 1; p <= 100; p++ {
		ex, tok := capsFor(p)
		if ex > prevEx || tok > prevTok {
			t.Fatalf("caps increased at pressure %d: (%d, %d) after (%d, %d)",
				p, ex, tok, prevEx, prevTok)
		}
		prevEx, prevTok = ex, tok
	}
}

func TestBufferEvictsOldestFirst(t *testing.T) {
	b := NewExchangeBuffer(35)
	for i := 0; i < 15; i++ {
		b.Append(types.Episode{ID: fmt.Sprintf("ep-%d", i), ExchangeNumber: i})
	}

	// at 82% pressure the cap is 15; the next append must evict one
	evicted := b.EvictFor(82)
	if len(evicted) != 1 || evicted[0].ID != "ep-0" {
		t.Fatalf("evicted = %v, want [ep-0]", evicted)
	}
	b.Append(types.Episode{ID: "ep-15", ExchangeNumber: 15})
	if b.Len() != 15 {
		t.Errorf("Len = %d, want 15", b.Len())
	}

	snap := b.Snapshot()
	if snap[0].ID != "ep-1" || snap[len(snap)-1].ID != "ep-15" {
		t.Errorf("snapshot order wrong: first=%s last=%s", snap[0].ID, snap[len(snap)-1].ID)
	}
}

func TestBufferConfiguredSizeWins(t *testing.T) {
	b := NewExchangeBuffer(5)
	for i := 0; i < 5; i++ {
		b.Append(types.Episode{ID: fmt.Sprintf("ep-%d", i)})
	}
	// zero pressure allows 35, but the configured size is smaller
	evicted := b.EvictFor(0)
	if len(evicted) != 1 {
		t.Fatalf("evicted %d, want 1", len(evicted))
	}
}

func TestStatelessBufferHoldsNothing(t *testing.T) {
	b := NewExchangeBuffer(0)
	if !b.Stateless() {
		t.Fatal("size 0 should be stateless")
	}
	b.Append(types.Episode{ID: "ep-0"})
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
	if evicted := b.EvictFor(90); evicted != nil {
		t.Errorf("stateless eviction returned %v", evicted)
	}
}
