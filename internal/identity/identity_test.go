package identity

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"muse/internal/config"
	"muse/internal/types"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	ws := t.TempDir()
	s, err := Open(ws, config.DefaultIdentityConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, ws
}

func TestParseDocument(t *testing.T) {
	raw := "---\nname: IDENTITY\nawakening_count: 7\nunknown_key: tolerated\n---\n# Body\n\ncontent here\n"
	doc, err := ParseDocument("IDENTITY", raw)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if doc.Get("awakening_count") != "7" {
		t.Errorf("awakening_count = %q", doc.Get("awakening_count"))
	}
	if doc.Get("unknown_key") != "tolerated" {
		t.Error("unknown keys must be tolerated")
	}
	if doc.Body != "# Body\n\ncontent here\n" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestParseDocumentNoFrontmatter(t *testing.T) {
	doc, err := ParseDocument("PREFERENCES", "just a body\n")
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if len(doc.Frontmatter) != 0 || doc.Body != "just a body\n" {
		t.Errorf("plain body mishandled: %+v", doc)
	}
}

func TestParseDocumentUnterminatedFrontmatter(t *testing.T) {
	if _, err := ParseDocument("IDENTITY", "---\nname: x\nno closing sentinel"); err == nil {
		t.Error("unterminated frontmatter should be corrupt")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	raw := "---\nname: IDENTITY\ncreated_at: 2026-01-01T00:00:00Z\n---\nbody line one\nbody line two\n"
	doc, err := ParseDocument("IDENTITY", raw)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if doc.Render() != raw {
		t.Errorf("render round trip changed the document:\n%q\nvs\n%q", doc.Render(), raw)
	}
}

func TestAwakeningCountIncrements(t *testing.T) {
	ws := t.TempDir()

	s1, err := Open(ws, config.DefaultIdentityConfig())
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if got := s1.AwakeningCount(); got != 1 {
		t.Errorf("first awakening = %d, want 1", got)
	}
	if err := s1.SaveMinimal(); err != nil {
		t.Fatalf("SaveMinimal failed: %v", err)
	}

	s2, err := Open(ws, config.DefaultIdentityConfig())
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if got := s2.AwakeningCount(); got != 2 {
		t.Errorf("second awakening = %d, want 2", got)
	}
}

func TestMinimalSaveKeepsBodyByteIdentical(t *testing.T) {
	s, ws := newTestStore(t)

	body := "# Identity\n\nhand-authored content that must survive  \nwith trailing spaces and all\n"
	s.Document(DocIdentity).Body = body
	if err := s.SaveMinimal(); err != nil {
		t.Fatalf("SaveMinimal failed: %v", err)
	}
	if err := s.SaveMinimal(); err != nil {
		t.Fatalf("second SaveMinimal failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(ws, DocIdentity))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	doc, err := ParseDocument(DocIdentity, string(raw))
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if doc.Body != body {
		t.Errorf("body changed across minimal saves:\n%q\nvs\n%q", doc.Body, body)
	}
}

func TestCorruptDocumentRecovery(t *testing.T) {
	ws := t.TempDir()
	corrupt := "---\nname: IDENTITY\nnever closed"
	if err := os.WriteFile(filepath.Join(ws, DocIdentity), []byte(corrupt), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	s, err := Open(ws, config.DefaultIdentityConfig())
	if err != nil {
		t.Fatalf("Open must survive corruption: %v", err)
	}
	if s.Document(DocIdentity) == nil {
		t.Fatal("recovery document missing")
	}

	// the corrupt original is preserved with a timestamped suffix
	entries, err := os.ReadDir(ws)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), DocIdentity+".corrupt-") {
			found = true
		}
	}
	if !found {
		t.Error("corrupt file was not backed up")
	}

	// recovery lowers coherence below a healthy store's
	if s.Coherence() >= 1.0 {
		t.Errorf("coherence = %f, want < 1.0 after recovery", s.Coherence())
	}
}

func TestConversationMemoryAndArchive(t *testing.T) {
	s, ws := newTestStore(t)

	cs := &types.ConversationSummary{
		ID:             "cs-1",
		SessionID:      "sess-1",
		TimestampStart: time.Now().Add(-time.Hour),
		TimestampEnd:   time.Now(),
		ExchangeCount:  4,
		OpeningExchange: types.ExchangeRecord{
			User: "good morning", Agent: "hello", Number: 0,
		},
		ClosingExchange: types.ExchangeRecord{
			User: "see you", Agent: "goodbye", Number: 3,
		},
		KeyPoints: []string{"the garden plan"},
	}
	if err := s.WriteConversationMemory(cs); err != nil {
		t.Fatalf("WriteConversationMemory failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(ws, conversationMemoryFile))
	if err != nil {
		t.Fatalf("conversation memory missing: %v", err)
	}
	for _, want := range []string{"## Opening", "## Key Points", "## Closing", "good morning"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("conversation memory missing %q", want)
		}
	}

	entries, err := os.ReadDir(filepath.Join(ws, archiveDir))
	if err != nil || len(entries) != 1 {
		t.Fatalf("archive should hold 1 file, got %d (err=%v)", len(entries), err)
	}
}

func TestArchiveRotation(t *testing.T) {
	ws := t.TempDir()
	cfg := config.DefaultIdentityConfig()
	cfg.ArchiveMax = 3
	s, err := Open(ws, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		cs := &types.ConversationSummary{
			ID:           "cs-" + strconv.Itoa(i),
			SessionID:    "sess-" + strconv.Itoa(i),
			TimestampEnd: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.WriteConversationMemory(cs); err != nil {
			t.Fatalf("WriteConversationMemory failed: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(ws, archiveDir))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("archive holds %d files, want 3", len(entries))
	}
	// the newest three survive
	for _, e := range entries {
		if e.Name() < "session_20260101_150000" {
			t.Errorf("old archive %s survived rotation", e.Name())
		}
	}
}

func TestInsightsTriggerFullSave(t *testing.T) {
	s, ws := newTestStore(t)

	s.AddInsight("prefers short answers")
	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(ws, DocUserProfile))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(raw), "prefers short answers") {
		t.Error("insight not written into USER_PROFILE")
	}
}
