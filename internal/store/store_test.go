package store

import (
	"errors"
	"testing"
	"time"

	"muse/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateSession(types.Session{
		ID:        id,
		Name:      "test session",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.EndedAt != nil {
		t.Errorf("new session should have nil EndedAt, got %v", sess.EndedAt)
	}

	ended := time.Now()
	if err := s.EndSession("sess-1", ended); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sess, err = s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession after end failed: %v", err)
	}
	if sess.EndedAt == nil {
		t.Error("ended session should have non-nil EndedAt")
	}
}

func TestLatestOpenSession(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.LatestOpenSession(); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty store: expected ErrNotFound, got %v", err)
	}

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"sess-a", "sess-b", "sess-c"} {
		err := s.CreateSession(types.Session{
			ID:        id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateSession(%s) failed: %v", id, err)
		}
	}
	if err := s.EndSession("sess-c", time.Now()); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sess, err := s.LatestOpenSession()
	if err != nil {
		t.Fatalf("LatestOpenSession failed: %v", err)
	}
	if sess.ID != "sess-b" {
		t.Errorf("latest open session = %s, want sess-b", sess.ID)
	}

	for _, id := range []string{"sess-a", "sess-b"} {
		if err := s.EndSession(id, time.Now()); err != nil {
			t.Fatalf("EndSession(%s) failed: %v", id, err)
		}
	}
	if _, err := s.LatestOpenSession(); !errors.Is(err, ErrNotFound) {
		t.Errorf("all ended: expected ErrNotFound, got %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEpisodeInsertAndOrdering(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	for i := 0; i < 5; i++ {
		err := s.InsertEpisode(types.Episode{
			ID:             newEpisodeID(i),
			SessionID:      "sess-1",
			ExchangeNumber: i,
			CreatedAt:      time.Now(),
			UserText:       "hello",
			AgentText:      "hi there",
			Importance:     0.5,
			InBuffer:       true,
		})
		if err != nil {
			t.Fatalf("InsertEpisode(%d) failed: %v", i, err)
		}
	}

	max, err := s.MaxExchangeNumber("sess-1")
	if err != nil {
		t.Fatalf("MaxExchangeNumber failed: %v", err)
	}
	if max != 4 {
		t.Errorf("MaxExchangeNumber = %d, want 4", max)
	}

	eps, err := s.SessionEpisodes("sess-1")
	if err != nil {
		t.Fatalf("SessionEpisodes failed: %v", err)
	}
	if len(eps) != 5 {
		t.Fatalf("got %d episodes, want 5", len(eps))
	}
	for i, ep := range eps {
		if ep.ExchangeNumber != i {
			t.Errorf("episode %d has exchange number %d", i, ep.ExchangeNumber)
		}
	}
}

func TestMaxExchangeNumberEmpty(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	max, err := s.MaxExchangeNumber("sess-1")
	if err != nil {
		t.Fatalf("MaxExchangeNumber failed: %v", err)
	}
	if max != -1 {
		t.Errorf("MaxExchangeNumber on empty session = %d, want -1", max)
	}
}

func TestDuplicateExchangeNumberRejected(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	ep := types.Episode{
		ID:             "ep-a",
		SessionID:      "sess-1",
		ExchangeNumber: 0,
		CreatedAt:      time.Now(),
		UserText:       "first",
		AgentText:      "ok",
	}
	if err := s.InsertEpisode(ep); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	ep.ID = "ep-b"
	ep.UserText = "second"
	if err := s.InsertEpisode(ep); err == nil {
		t.Error("duplicate (session, exchange_number) should be rejected")
	}
}

func TestBufferEpisodesOldestFirst(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	for i := 0; i < 10; i++ {
		err := s.InsertEpisode(types.Episode{
			ID:             newEpisodeID(i),
			SessionID:      "sess-1",
			ExchangeNumber: i,
			CreatedAt:      time.Now(),
			UserText:       "u",
			AgentText:      "a",
			InBuffer:       true,
		})
		if err != nil {
			t.Fatalf("InsertEpisode failed: %v", err)
		}
	}

	eps, err := s.BufferEpisodes("sess-1", 4)
	if err != nil {
		t.Fatalf("BufferEpisodes failed: %v", err)
	}
	if len(eps) != 4 {
		t.Fatalf("got %d buffer episodes, want 4", len(eps))
	}
	// the most recent 4, oldest first
	want := []int{6, 7, 8, 9}
	for i, ep := range eps {
		if ep.ExchangeNumber != want[i] {
			t.Errorf("buffer[%d] exchange = %d, want %d", i, ep.ExchangeNumber, want[i])
		}
	}
}

func TestMarkEvictedAndSummarized(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	for i := 0; i < 3; i++ {
		err := s.InsertEpisode(types.Episode{
			ID:             newEpisodeID(i),
			SessionID:      "sess-1",
			ExchangeNumber: i,
			CreatedAt:      time.Now(),
			UserText:       "u",
			AgentText:      "a",
			InBuffer:       true,
		})
		if err != nil {
			t.Fatalf("InsertEpisode failed: %v", err)
		}
	}

	if err := s.MarkEvicted([]string{"ep-0", "ep-1"}, 2); err != nil {
		t.Fatalf("MarkEvicted failed: %v", err)
	}
	if err := s.MarkSummarized([]string{"ep-0"}); err != nil {
		t.Fatalf("MarkSummarized failed: %v", err)
	}

	eps, err := s.SessionEpisodes("sess-1")
	if err != nil {
		t.Fatalf("SessionEpisodes failed: %v", err)
	}
	if eps[0].InBuffer || eps[0].CompressionLevel != 2 || !eps[0].Summarized {
		t.Errorf("ep-0 flags wrong: %+v", eps[0])
	}
	if eps[1].InBuffer || eps[1].Summarized {
		t.Errorf("ep-1 flags wrong: %+v", eps[1])
	}
	if !eps[2].InBuffer {
		t.Errorf("ep-2 should still be in buffer")
	}
}

func TestInsertSummaryMarksSources(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	for i := 0; i < 2; i++ {
		err := s.InsertEpisode(types.Episode{
			ID:             newEpisodeID(i),
			SessionID:      "sess-1",
			ExchangeNumber: i,
			CreatedAt:      time.Now(),
			UserText:       "u",
			AgentText:      "a",
			InBuffer:       true,
		})
		if err != nil {
			t.Fatalf("InsertEpisode failed: %v", err)
		}
	}

	err := s.InsertSummary(types.Summary{
		ID:               "sum-1",
		SessionID:        "sess-1",
		Type:             types.SummaryBufferType,
		Content:          "user greeted the agent twice",
		SourceEpisodeIDs: []string{"ep-0", "ep-1"},
		Importance:       0.4,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertSummary failed: %v", err)
	}

	sums, err := s.SessionSummaries("sess-1", types.SummaryBufferType)
	if err != nil {
		t.Fatalf("SessionSummaries failed: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("got %d summaries, want 1", len(sums))
	}
	if len(sums[0].SourceEpisodeIDs) != 2 {
		t.Errorf("source episode ids not round-tripped: %v", sums[0].SourceEpisodeIDs)
	}

	eps, err := s.SessionEpisodes("sess-1")
	if err != nil {
		t.Fatalf("SessionEpisodes failed: %v", err)
	}
	for _, ep := range eps {
		if !ep.Summarized {
			t.Errorf("episode %s should be marked summarized", ep.ID)
		}
	}
}

func TestConversationSummaryUpsert(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	cs := &types.ConversationSummary{
		ID:             "cs-1",
		SessionID:      "sess-1",
		TimestampStart: time.Now().Add(-time.Hour),
		TimestampEnd:   time.Now(),
		ExchangeCount:  12,
		Topics:         []string{"scheduling", "groceries"},
	}
	if err := s.SaveConversationSummary(cs); err != nil {
		t.Fatalf("SaveConversationSummary failed: %v", err)
	}

	// same session again replaces, not duplicates
	cs.ExchangeCount = 20
	if err := s.SaveConversationSummary(cs); err != nil {
		t.Fatalf("second SaveConversationSummary failed: %v", err)
	}

	got, err := s.ConversationSummaryForSession("sess-1")
	if err != nil {
		t.Fatalf("ConversationSummaryForSession failed: %v", err)
	}
	if got.ExchangeCount != 20 {
		t.Errorf("ExchangeCount = %d, want 20", got.ExchangeCount)
	}

	all, err := s.RecentConversationSummaries(10)
	if err != nil {
		t.Fatalf("RecentConversationSummaries failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d conversation summaries, want 1", len(all))
	}
}

func TestStoreStats(t *testing.T) {
	s := newTestStore(t)
	newTestSession(t, s, "sess-1")

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["sessions"] != 1 {
		t.Errorf("sessions stat = %d, want 1", stats["sessions"])
	}
	if stats["episodes"] != 0 {
		t.Errorf("episodes stat = %d, want 0", stats["episodes"])
	}
}

func newEpisodeID(i int) string {
	return "ep-" + string(rune('0'+i))
}
