package summary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"muse/internal/logging"
	"muse/internal/store"
	"muse/internal/types"
)

// =============================================================================
// BUFFER
// =============================================================================

// Buffer is the in-memory FIFO of recent conversation summaries, newest
// first, reloaded from the persistence store at startup. It also mirrors
// each summary to human-inspectable files under <workspace>/summaries/.
type Buffer struct {
	mu        sync.RWMutex
	summaries []*types.ConversationSummary
	max       int
	db        *store.Store
	dir       string // summaries directory; "" disables file mirroring
}

// indexEntry is one line of the summaries/index file.
type indexEntry struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	TimestampStart time.Time `json:"timestamp_start"`
	TimestampEnd   time.Time `json:"timestamp_end"`
	TopicPreview   string    `json:"topic_preview"`
}

// NewBuffer creates a buffer holding up to max summaries. workspace may be
// empty to skip the file mirror.
func NewBuffer(db *store.Store, workspace string, max int) *Buffer {
	if max <= 0 {
		max = 10
	}
	dir := ""
	if workspace != "" {
		dir = filepath.Join(workspace, "summaries")
	}
	return &Buffer{db: db, max: max, dir: dir}
}

// Load pulls the most recent summaries from durable storage, newest first.
// Failure degrades to an empty buffer.
func (b *Buffer) Load() error {
	timer := logging.StartTimer(logging.CategorySummary, "Load")
	defer timer.Stop()

	summaries, err := b.db.RecentConversationSummaries(b.max)
	if err != nil {
		logging.Summary("Summary reload failed, starting empty: %v", err)
		return err
	}

	b.mu.Lock()
	b.summaries = summaries
	b.mu.Unlock()

	logging.Summary("Loaded %d summary(ies) into buffer", len(summaries))
	return nil
}

// Add persists a summary and pushes it onto the FIFO, evicting the oldest
// past capacity.
func (b *Buffer) Add(cs *types.ConversationSummary) error {
	if cs == nil {
		return nil
	}

	if err := b.db.SaveConversationSummary(cs); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	b.mirrorToFiles(cs)

	b.mu.Lock()
	b.summaries = append([]*types.ConversationSummary{cs}, b.summaries...)
	if len(b.summaries) > b.max {
		b.summaries = b.summaries[:b.max]
	}
	b.mu.Unlock()
	return nil
}

// Summaries returns the buffered summaries, newest first.
func (b *Buffer) Summaries() []*types.ConversationSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.ConversationSummary, len(b.summaries))
	copy(out, b.summaries)
	return out
}

// mirrorToFiles writes summaries/<id> and appends to summaries/index.
// File mirror failures are logged only; the database copy is the source
// of truth.
func (b *Buffer) mirrorToFiles(cs *types.ConversationSummary) {
	if b.dir == "" {
		return
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		logging.SummaryDebug("Summary dir create failed: %v", err)
		return
	}

	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		logging.SummaryDebug("Summary marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(b.dir, cs.ID), data, 0644); err != nil {
		logging.SummaryDebug("Summary file write failed: %v", err)
		return
	}

	entry, err := json.Marshal(indexEntry{
		ID:             cs.ID,
		SessionID:      cs.SessionID,
		TimestampStart: cs.TimestampStart,
		TimestampEnd:   cs.TimestampEnd,
		TopicPreview:   cs.TopicPreview(),
	})
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(b.dir, "index"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logging.SummaryDebug("Summary index open failed: %v", err)
		return
	}
	defer f.Close()
	f.Write(append(entry, '\n'))
}

// =============================================================================
// CONTEXT RENDERING
// =============================================================================

// ContextBlock renders the buffered summaries into a bounded text block,
// newest first, trimmed to roughly maxTokens (4 chars per token).
func (b *Buffer) ContextBlock(maxTokens int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.summaries) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	budget := maxTokens * 4

	var out strings.Builder
	out.WriteString("=== PREVIOUS CONVERSATIONS ===\n")
	for _, cs := range b.summaries {
		section := renderSummary(cs)
		if out.Len()+len(section) > budget {
			break
		}
		out.WriteString(section)
	}
	out.WriteString("=== END PREVIOUS CONVERSATIONS ===")
	return out.String()
}

func renderSummary(cs *types.ConversationSummary) string {
	var s strings.Builder
	fmt.Fprintf(&s, "\n--- Session %s (%s, %d exchanges) ---\n",
		cs.SessionID, cs.TimestampEnd.Format("2006-01-02"), cs.ExchangeCount)

	fmt.Fprintf(&s, "FIRST EXCHANGE:\n  user: %s\n  agent: %s\n",
		clip(cs.OpeningExchange.User, 200), clip(cs.OpeningExchange.Agent, 200))

	writeFacet(&s, "KEY POINTS", cs.KeyPoints)
	if len(cs.KeyExchanges) > 0 {
		s.WriteString("KEY EXCHANGES:\n")
		for _, ke := range cs.KeyExchanges {
			fmt.Fprintf(&s, "  - (%s) user: %s\n", ke.Reason, clip(ke.Exchange.User, 150))
		}
	}
	writeFacet(&s, "PROGRESS", cs.ProgressMade)
	writeFacet(&s, "INSIGHTS", cs.Insights)
	writeFacet(&s, "UNFINISHED", cs.UnfinishedThreads)
	return s.String()
}

func writeFacet(s *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	s.WriteString(title + ":\n")
	for _, item := range items {
		fmt.Fprintf(s, "  - %s\n", clip(item, 200))
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
