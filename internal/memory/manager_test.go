package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"muse/internal/config"
	"muse/internal/identity"
	"muse/internal/router"
	"muse/internal/store"
	"muse/internal/types"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.WorkspacePath = t.TempDir()
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, pressure int) *Manager {
	t.Helper()
	m, err := Open(cfg, Options{
		SessionName: "test",
		Pressure:    func() int { return pressure },
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		m.OnSessionEnd(context.Background())
		cancel()
	})
	return m
}

func TestExchangeNumbersGapFree(t *testing.T) {
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.RecordExchange(ctx, fmt.Sprintf("message %d", i), "ok"); err != nil {
			t.Fatalf("RecordExchange %d failed: %v", i, err)
		}
	}

	eps, err := m.Store().SessionEpisodes(m.SessionID())
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

func TestFactNeverPrecedesEpisode(t *testing.T) {
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg, 0)
	ctx := context.Background()

	epID, err := m.RecordExchange(ctx,
		"Email mom@example.com about dinner at 7pm Friday",
		"✅ Email sent successfully to mom@example.com")
	if err != nil {
		t.Fatalf("RecordExchange failed: %v", err)
	}

	hits, err := m.Facts().Search("mom", "", 10, 0)
	if err != nil {
		t.Fatalf("fact search failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected facts extracted from the exchange")
	}

	eps, err := m.Store().SessionEpisodes(m.SessionID())
	if err != nil {
		t.Fatalf("SessionEpisodes failed: %v", err)
	}
	var created time.Time
	for _, ep := range eps {
		if ep.ID == epID {
			created = ep.CreatedAt
		}
	}
	for _, f := range hits {
		if f.EpisodeID != epID {
			continue
		}
		if f.Timestamp.Before(created) {
			t.Errorf("fact %s predates its episode: %v < %v", f.ID, f.Timestamp, created)
		}
	}
}

func TestContextIncludesRecordedExchange(t *testing.T) {
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg, 0)
	ctx := context.Background()

	userText := "I planted tomatoes in the garden today"
	if _, err := m.RecordExchange(ctx, userText, "Noted, sounds lovely"); err != nil {
		t.Fatalf("RecordExchange failed: %v", err)
	}

	out := m.ContextForPrompt(ctx, 0)
	if !strings.Contains(out, userText) {
		t.Errorf("context missing verbatim exchange:\n%s", out)
	}
	if !strings.Contains(out, "=== IDENTITY ===") {
		t.Error("context missing identity layer")
	}
}

var markerRE = regexp.MustCompile(`\[Earlier conversation: (\d+) exchanges compressed into semantic memory\]`)

func TestRollingSummarizationUnderPressure(t *testing.T) {
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg, 82)
	ctx := context.Background()

	for i := 1; i <= 35; i++ {
		if _, err := m.RecordExchange(ctx, fmt.Sprintf("short exchange number %d", i), "ok"); err != nil {
			t.Fatalf("RecordExchange %d failed: %v", i, err)
		}
		if i >= 11 && m.buffer.Len() > 15 {
			t.Fatalf("after insertion %d buffer holds %d exchanges, cap is 15", i, m.buffer.Len())
		}
		if i == 20 {
			if err := m.FlushSummaries(ctx); err != nil {
				t.Fatalf("FlushSummaries failed: %v", err)
			}
			sums, err := m.Store().SessionSummaries(m.SessionID(), types.SummaryBufferType)
			if err != nil {
				t.Fatalf("SessionSummaries failed: %v", err)
			}
			if len(sums) == 0 {
				t.Fatal("no buffer summary by insertion 20")
			}
			if len(sums[0].SourceEpisodeIDs) == 0 {
				t.Error("buffer summary references no episodes")
			}
		}
	}

	out := m.ContextForPrompt(ctx, 0)
	match := markerRE.FindStringSubmatch(out)
	if match == nil {
		t.Fatalf("compression marker missing from context:\n%s", out)
	}
	if n, _ := strconv.Atoi(match[1]); n < 5 {
		t.Errorf("marker reports %d compressed exchanges, want >= 5", n)
	}
}

func TestStatelessManagerNeverInjectsVerbatim(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Memory.BufferSize = 0
	m := newTestManager(t, cfg, 0)
	ctx := context.Background()

	if _, err := m.RecordExchange(ctx, "a secret phrase about kumquats", "ok"); err != nil {
		t.Fatalf("RecordExchange failed: %v", err)
	}

	out := m.ContextForPrompt(ctx, 0)
	if strings.Contains(out, "kumquats") {
		t.Errorf("stateless context leaked a verbatim exchange:\n%s", out)
	}
	if out != noContextSentinel {
		t.Errorf("empty-layer context should be the sentinel, got:\n%s", out)
	}
}

func TestEmptyBufferFallsBackToSummaries(t *testing.T) {
	cfg := newTestConfig(t)

	first := newTestManager(t, cfg, 0)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if _, err := first.RecordExchange(ctx, fmt.Sprintf("we discussed gardening step %d", i), "ok"); err != nil {
			t.Fatalf("RecordExchange failed: %v", err)
		}
	}
	if err := first.OnSessionEnd(ctx); err != nil {
		t.Fatalf("OnSessionEnd failed: %v", err)
	}

	second := newTestManager(t, cfg, 0)
	out := second.ContextForPrompt(ctx, 0)
	if !strings.Contains(out, "=== PREVIOUS CONVERSATIONS ===") {
		t.Errorf("fresh session context missing summary fallback:\n%s", out)
	}
}

func TestSessionEndPersistence(t *testing.T) {
	cfg := newTestConfig(t)
	m, err := Open(cfg, Options{SessionName: "s5"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	opening := "good morning, let's plan the week"
	closing := "thanks, that is everything for today"
	for i := 0; i < 12; i++ {
		text := fmt.Sprintf("exchange number %d", i)
		if i == 0 {
			text = opening
		}
		if i == 11 {
			text = closing
		}
		if _, err := m.RecordExchange(ctx, text, "ok"); err != nil {
			t.Fatalf("RecordExchange failed: %v", err)
		}
	}
	sessionID := m.SessionID()
	if err := m.OnSessionEnd(ctx); err != nil {
		t.Fatalf("OnSessionEnd failed: %v", err)
	}

	// the stores are closed now; reopen to inspect durable state
	db, err := store.Open(cfg.MemoryDBPath())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	cs, err := db.ConversationSummaryForSession(sessionID)
	if err != nil {
		t.Fatalf("ConversationSummaryForSession failed: %v", err)
	}
	if cs == nil {
		t.Fatal("no session summary persisted")
	}
	if cs.OpeningExchange.User != opening || cs.OpeningExchange.Number != 0 {
		t.Errorf("opening exchange = %+v", cs.OpeningExchange)
	}
	if cs.ClosingExchange.User != closing || cs.ClosingExchange.Number != 11 {
		t.Errorf("closing exchange = %+v", cs.ClosingExchange)
	}

	entries, err := os.ReadDir(filepath.Join(cfg.WorkspacePath, "conversation_memories"))
	if err != nil || len(entries) == 0 {
		t.Errorf("conversation memory archive missing (err=%v)", err)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.WorkspacePath, identity.DocIdentity))
	if err != nil {
		t.Fatalf("IDENTITY missing: %v", err)
	}
	if !strings.Contains(string(raw), "awakening_count: 1") {
		t.Errorf("awakening_count not persisted:\n%s", raw)
	}
}

func TestRestartResumesOpenSession(t *testing.T) {
	cfg := newTestConfig(t)
	ctx := context.Background()

	first, err := Open(cfg, Options{SessionName: "daemon", Resume: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx1, cancel1 := context.WithCancel(ctx)
	if err := first.Start(ctx1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	firstText := "the greenhouse heater is set to 18 degrees"
	for i, text := range []string{firstText, "order more seed trays", "water on Thursdays"} {
		if _, err := first.RecordExchange(ctx1, text, "ok"); err != nil {
			t.Fatalf("RecordExchange %d failed: %v", i, err)
		}
	}
	sessionID := first.SessionID()

	// unclean shutdown: stores close but the session is never ended
	cancel1()
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := Open(cfg, Options{Resume: true})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	ctx2, cancel2 := context.WithCancel(ctx)
	if err := second.Start(ctx2); err != nil {
		t.Fatalf("Start after restart failed: %v", err)
	}
	t.Cleanup(func() {
		second.OnSessionEnd(context.Background())
		cancel2()
	})

	if second.SessionID() != sessionID {
		t.Fatalf("resumed session = %s, want %s", second.SessionID(), sessionID)
	}
	out := second.ContextForPrompt(ctx2, 0)
	if !strings.Contains(out, firstText) {
		t.Errorf("reconstructed buffer missing verbatim exchange:\n%s", out)
	}

	// numbering continues where the interrupted session stopped
	if _, err := second.RecordExchange(ctx2, "prune the tomato vines", "ok"); err != nil {
		t.Fatalf("RecordExchange after resume failed: %v", err)
	}
	eps, err := second.Store().SessionEpisodes(sessionID)
	if err != nil {
		t.Fatalf("SessionEpisodes failed: %v", err)
	}
	if len(eps) != 4 {
		t.Fatalf("got %d episodes, want 4", len(eps))
	}
	for i, ep := range eps {
		if ep.ExchangeNumber != i {
			t.Errorf("episode %d has exchange number %d", i, ep.ExchangeNumber)
		}
	}
}

func TestSessionEndHonorsSummaryMinimum(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Memory.SummaryBufferSize = 20

	m, err := Open(cfg, Options{SessionName: "short"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := m.RecordExchange(ctx, fmt.Sprintf("brief exchange %d", i), "ok"); err != nil {
			t.Fatalf("RecordExchange failed: %v", err)
		}
	}
	sessionID := m.SessionID()
	if err := m.OnSessionEnd(ctx); err != nil {
		t.Fatalf("OnSessionEnd failed: %v", err)
	}

	db, err := store.Open(cfg.MemoryDBPath())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	// 5 exchanges are below the configured minimum of 20
	if _, err := db.ConversationSummaryForSession(sessionID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no session summary below the configured minimum, got err=%v", err)
	}
}

func TestRecallRoutesToFacts(t *testing.T) {
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg, 0)
	ctx := context.Background()

	if _, err := m.RecordExchange(ctx,
		"Email mom@example.com about dinner at 7pm Friday",
		"✅ Email sent successfully to mom@example.com"); err != nil {
		t.Fatalf("RecordExchange failed: %v", err)
	}

	d, err := m.Recall(ctx, "who did I email about dinner", 5)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if d.Source != router.SourceFacts {
		t.Errorf("source = %s, want facts", d.Source)
	}
	if d.Count == 0 {
		t.Error("no facts recalled")
	}
}

func TestRecordAfterSessionEndFails(t *testing.T) {
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg, 0)
	ctx := context.Background()

	if _, err := m.RecordExchange(ctx, "hello", "hi"); err != nil {
		t.Fatalf("RecordExchange failed: %v", err)
	}
	if err := m.OnSessionEnd(ctx); err != nil {
		t.Fatalf("OnSessionEnd failed: %v", err)
	}
	if _, err := m.RecordExchange(ctx, "too late", "ignored"); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestWorkersStopCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := newTestConfig(t)
	m, err := Open(cfg, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.RecordExchange(ctx, fmt.Sprintf("msg %d", i), "ok"); err != nil {
			t.Fatalf("RecordExchange failed: %v", err)
		}
	}
	if err := m.OnSessionEnd(ctx); err != nil {
		t.Fatalf("OnSessionEnd failed: %v", err)
	}
	cancel()
}
