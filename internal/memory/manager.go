// Package memory implements the hierarchical memory manager: the
// orchestrator that owns the working exchange buffer, routes every
// exchange through fact extraction and semantic storage, compresses
// evicted exchanges into summaries under context pressure, and carries
// identity state across sessions.
//
// Layering, top to bottom:
//
//	Layer 1  ExchangeBuffer   verbatim recent exchanges (volatile)
//	Layer 2  Summary buffer   rolling structured summaries (durable)
//	Layer 3  Identity store   persistent identity documents (durable)
//
// All buffer and store mutations originating from RecordExchange are
// serialized through a single memory-writer worker; summarization runs
// on a separate worker fed by a bounded queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"muse/internal/config"
	"muse/internal/embedding"
	"muse/internal/facts"
	"muse/internal/identity"
	"muse/internal/logging"
	"muse/internal/router"
	"muse/internal/semantic"
	"muse/internal/store"
	"muse/internal/summary"
	"muse/internal/types"
)

// ErrClosed is returned when an exchange is recorded after shutdown.
var ErrClosed = errors.New("memory manager is closed")

const noContextSentinel = "[No prior context for this session]"

// =============================================================================
// MANAGER
// =============================================================================

// Options tunes manager construction.
type Options struct {
	// SessionName is an optional human label for the new session.
	SessionName string

	// Pressure reports downstream context utilization in percent.
	// Nil degrades to a constant 0%.
	Pressure PressureFunc

	// Resume adopts the most recent session left without an end time,
	// reconstructing the exchange buffer from its persisted episodes.
	// When no such session exists a fresh one is created as usual.
	Resume bool
}

// Manager orchestrates the persistence store, fact extractor, semantic
// store, summary buffer and identity store behind a small surface:
// RecordExchange, Recall, ContextForPrompt and OnSessionEnd.
type Manager struct {
	cfg    *config.Config
	db     *store.Store
	facts  *facts.Store
	sem    *semantic.Store
	router *router.Router
	ident  *identity.Store

	tracker *summary.Tracker
	sumBuf  *summary.Buffer
	buffer  *ExchangeBuffer

	pressure PressureFunc
	session  types.Session

	writer     *memoryWriter
	summarizer *summarizer
	watcher    *identity.Watcher

	mu         sync.Mutex
	pending    []types.Episode // evicted, awaiting compression
	compressed int             // session exchanges folded out of the buffer
	ended      bool

	closeOnce sync.Once
	closeErr  error
}

// Open builds a manager over a workspace directory: tabular store,
// semantic store, identity documents and a session, either fresh or
// resumed from an unclean shutdown (Options.Resume). Failure to
// open the workspace or the persistence store is fatal; everything
// downstream degrades instead of failing.
func Open(cfg *config.Config, opts Options) (*Manager, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(cfg.WorkspacePath, 0755); err != nil {
		return nil, fmt.Errorf("memory: workspace: %w", err)
	}

	db, err := store.Open(cfg.MemoryDBPath())
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(cfg.Semantic)
	if err != nil {
		db.Close()
		return nil, err
	}
	sem, err := semantic.Open(cfg.SemanticDBPath(), engine)
	if err != nil {
		db.Close()
		return nil, err
	}

	ident, err := identity.Open(cfg.WorkspacePath, cfg.Identity)
	if err != nil {
		sem.Close()
		db.Close()
		return nil, err
	}

	var sess types.Session
	var restored []types.Episode
	if opts.Resume {
		if prev, err := db.LatestOpenSession(); err == nil {
			sess = *prev
			restored, err = db.BufferEpisodes(sess.ID, cfg.Memory.BufferSize)
			if err != nil {
				logging.Memory("Buffer reconstruction failed, resuming empty: %v", err)
			}
			logging.Memory("Resuming session %s with %d buffered exchange(s)", sess.ID, len(restored))
		} else if !errors.Is(err, store.ErrNotFound) {
			logging.Memory("Open-session lookup failed, starting fresh: %v", err)
		}
	}
	if sess.ID == "" {
		sess = types.Session{
			ID:        uuid.NewString(),
			Name:      opts.SessionName,
			CreatedAt: time.Now().UTC(),
		}
		if err := db.CreateSession(sess); err != nil {
			sem.Close()
			db.Close()
			return nil, err
		}
	}

	factsStore := facts.NewStore(db.DB())

	sumBuf := summary.NewBuffer(db, cfg.WorkspacePath, cfg.Memory.MaxSummariesInMemory)
	if cfg.Memory.LoadSessionSummaryOnStart {
		if err := sumBuf.Load(); err != nil {
			logging.Memory("Summary buffer load failed, continuing empty: %v", err)
		}
	}

	pressure := opts.Pressure
	if pressure == nil {
		pressure = func() int { return 0 }
	}

	m := &Manager{
		cfg:      cfg,
		db:       db,
		facts:    factsStore,
		sem:      sem,
		router:   router.New(factsStore, sem),
		ident:    ident,
		tracker:  summary.NewTracker(sess.ID, cfg.Memory.SummaryBufferSize),
		sumBuf:   sumBuf,
		buffer:   NewExchangeBuffer(cfg.Memory.BufferSize),
		pressure: pressure,
		session:  sess,
	}
	m.writer = newMemoryWriter(m)
	m.summarizer = newSummarizer(m)

	for _, ep := range restored {
		m.buffer.Append(ep)
		m.tracker.Track(ep.UserText, ep.AgentText, ep.ExchangeNumber)
	}

	logging.Memory("Manager opened: session=%s buffer_size=%d", sess.ID, cfg.Memory.BufferSize)
	return m, nil
}

// Start launches the background workers.
func (m *Manager) Start(ctx context.Context) error {
	m.writer.Start(ctx)
	m.summarizer.Start(ctx)
	if m.cfg.Identity.Watch {
		w, err := identity.NewWatcher(m.ident)
		if err != nil {
			logging.Memory("Identity watcher unavailable: %v", err)
		} else if err := w.Start(ctx); err != nil {
			logging.Memory("Identity watcher failed to start: %v", err)
		} else {
			m.watcher = w
		}
	}
	return nil
}

// SessionID returns the id of the session this manager owns.
func (m *Manager) SessionID() string {
	return m.session.ID
}

// Store exposes the persistence store for read-mostly callers.
func (m *Manager) Store() *store.Store { return m.db }

// Facts exposes the fact store for read-mostly callers.
func (m *Manager) Facts() *facts.Store { return m.facts }

// Semantic exposes the semantic store for read-mostly callers.
func (m *Manager) Semantic() *semantic.Store { return m.sem }

// Identity exposes the identity store.
func (m *Manager) Identity() *identity.Store { return m.ident }

// =============================================================================
// RECORD EXCHANGE
// =============================================================================

// RecordExchange persists one user/agent exchange through the memory
// writer and returns the new episode id. The write path is synchronous:
// when this returns, the episode, its facts and its semantic record are
// durable (facts and semantic failures degrade to logs).
func (m *Manager) RecordExchange(ctx context.Context, userText, agentText string) (string, error) {
	return m.writer.submit(ctx, userText, agentText)
}

// writeExchange runs on the memory writer goroutine; number assignment
// is gap-free because no other goroutine ever calls this.
func (m *Manager) writeExchange(ctx context.Context, userText, agentText string, number int) (string, error) {
	now := time.Now().UTC()
	importance := computeImportance(userText, agentText)

	ep := types.Episode{
		ID:             uuid.NewString(),
		SessionID:      m.session.ID,
		ExchangeNumber: number,
		CreatedAt:      now,
		UserText:       userText,
		AgentText:      agentText,
		Summary:        deriveSummary(userText, agentText),
		Importance:     importance,
		InBuffer:       !m.buffer.Stateless(),
	}
	if err := m.db.InsertEpisode(ep); err != nil {
		return "", err
	}

	// Evict before append so the incoming exchange is never compressed.
	p := m.pressure()
	if evicted := m.buffer.EvictFor(p); len(evicted) > 0 {
		ids := episodeIDs(evicted)
		if err := m.db.MarkEvicted(ids, 1); err != nil {
			logging.Memory("Eviction mark failed: %v", err)
		}
		m.mu.Lock()
		m.pending = append(m.pending, evicted...)
		m.compressed += len(evicted)
		m.mu.Unlock()
		logging.MemoryDebug("Evicted %d exchange(s) at pressure %d%%", len(evicted), p)
	}
	m.buffer.Append(ep)
	m.tracker.Track(userText, agentText, number)

	// Facts are only ever persisted after their source episode.
	if cands := facts.Extract(userText, agentText); len(cands) > 0 {
		if _, err := m.facts.StoreFacts(cands, ep.ID, m.session.ID); err != nil {
			logging.Memory("Fact persistence failed for episode %s: %v", ep.ID, err)
		} else if err := m.db.MarkFactsExtracted(ep.ID); err != nil {
			logging.Memory("Facts-extracted mark failed: %v", err)
		}
	}

	if _, err := m.sem.Store(ctx, renderExchange(userText, agentText), importance); err != nil {
		logging.Memory("Semantic store failed for episode %s: %v", ep.ID, err)
	}

	if importance > 0.6 {
		m.ident.AddInsight(fmt.Sprintf("[%s] %s", classifyAction(userText), ep.Summary))
	}

	if m.shouldSummarize(p) {
		m.summarizer.enqueue()
	}
	return ep.ID, nil
}

// shouldSummarize applies the compression triggers: evicted exchanges
// are always compressed, and a loaded buffer is compressed on exchange
// intervals, under high pressure, or at the hard truncation threshold.
func (m *Manager) shouldSummarize(pressure int) bool {
	m.mu.Lock()
	pendingN := len(m.pending)
	m.mu.Unlock()
	if pendingN > 0 {
		return true
	}

	n := m.buffer.Len()
	count := m.tracker.Count()
	switch {
	case m.cfg.Memory.BufferTruncateAt > 0 && n >= m.cfg.Memory.BufferTruncateAt:
		return true
	case pressure >= 75 && n > 15:
		return true
	case count > 0 && count%10 == 0 && n > 20:
		return true
	}
	return false
}

// =============================================================================
// SUMMARIZATION
// =============================================================================

// FlushSummaries compresses any evicted exchanges synchronously. The
// summarizer worker calls the same path; running both is harmless.
func (m *Manager) FlushSummaries(ctx context.Context) error {
	return m.summarizePending(ctx)
}

// summarizePending folds the evicted prefix into one buffer-type summary
// row, mirrors the compressed content into semantic memory, and raises
// the episodes to compression level 2. Idempotent: a second call with
// nothing newly evicted is a no-op.
func (m *Manager) summarizePending(ctx context.Context) error {
	m.mu.Lock()
	batch := make([]types.Episode, len(m.pending))
	copy(batch, m.pending)
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ids := episodeIDs(batch)
	parts := make([]string, 0, len(batch))
	maxImportance := 0.0
	for _, ep := range batch {
		parts = append(parts, fmt.Sprintf("#%d %s", ep.ExchangeNumber, ep.Summary))
		if ep.Importance > maxImportance {
			maxImportance = ep.Importance
		}
	}
	content := fmt.Sprintf("Compressed %d exchanges (#%d-#%d): %s",
		len(batch), batch[0].ExchangeNumber, batch[len(batch)-1].ExchangeNumber,
		strings.Join(parts, "; "))

	sum := types.Summary{
		ID:               uuid.NewString(),
		SessionID:        m.session.ID,
		Type:             types.SummaryBufferType,
		Content:          content,
		SourceEpisodeIDs: ids,
		Importance:       maxImportance,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.db.InsertSummary(sum); err != nil {
		return err
	}
	if _, err := m.sem.Store(ctx, content, maxImportance); err != nil {
		logging.Memory("Semantic store of summary failed: %v", err)
	}
	if err := m.db.MarkEvicted(ids, 2); err != nil {
		logging.Memory("Compression level update failed: %v", err)
	}

	m.mu.Lock()
	m.pending = m.pending[len(batch):]
	m.mu.Unlock()

	logging.Memory("Compressed %d exchange(s) into summary %s", len(batch), sum.ID)
	return nil
}

// =============================================================================
// CONTEXT ASSEMBLY
// =============================================================================

// ContextForPrompt renders the layered context block: verbatim recent
// exchanges, a compression marker for anything already folded away,
// related semantic memories, the rolling summary buffer, and the raw
// identity documents. maxTokens <= 0 uses the configured budget.
// Per-layer caps scale down with context pressure.
func (m *Manager) ContextForPrompt(ctx context.Context, maxTokens int) string {
	timer := logging.StartTimer(logging.CategoryMemory, "ContextForPrompt")
	defer timer.Stop()

	if maxTokens <= 0 {
		maxTokens = m.cfg.Memory.WorkingMemoryMaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 8000
	}
	p := m.pressure()
	_, summaryCap := capsFor(p)
	budget := maxTokens * 4 // rough chars-per-token heuristic

	snap := m.buffer.Snapshot()
	if len(snap) == 0 {
		block := m.sumBuf.ContextBlock(summaryCap)
		if block == "" {
			return noContextSentinel
		}
		var b strings.Builder
		b.WriteString(block)
		b.WriteString("\n")
		m.writeIdentityLayer(&b, summaryCap)
		return b.String()
	}

	var b strings.Builder

	// Layer 1: recent slice verbatim, then older exchanges greedily
	// within half the character budget.
	recentStart := len(snap) - 10
	if recentStart < 0 {
		recentStart = 0
	}
	recent := snap[recentStart:]
	mid := snap[:recentStart]
	if len(mid) > 40 {
		mid = mid[len(mid)-40:]
	}

	used := 0
	for _, ep := range recent {
		used += len(renderExchange(ep.UserText, ep.AgentText))
	}
	verbatimBudget := budget / 2
	keep := len(mid)
	for keep > 0 {
		sz := len(renderExchange(mid[keep-1].UserText, mid[keep-1].AgentText))
		if used+sz > verbatimBudget {
			break
		}
		used += sz
		keep--
	}
	shown := mid[keep:]

	hidden := m.tracker.Count() - len(recent) - len(shown)
	b.WriteString("=== RECENT CONVERSATION ===\n")
	if hidden > 0 {
		fmt.Fprintf(&b, "[Earlier conversation: %d exchanges compressed into semantic memory]\n\n", hidden)
	}
	for _, ep := range shown {
		b.WriteString(renderExchange(ep.UserText, ep.AgentText))
		b.WriteString("\n\n")
	}
	for _, ep := range recent {
		b.WriteString(renderExchange(ep.UserText, ep.AgentText))
		b.WriteString("\n\n")
	}
	b.WriteString("=== END RECENT CONVERSATION ===\n\n")

	// Semantic layer, keyed on the latest user turns.
	if key := recentUserKey(snap); key != "" {
		if block, err := m.sem.Context(ctx, key, 5); err == nil && block != "" {
			b.WriteString(block)
			b.WriteString("\n\n")
		}
	}

	// Layer 2: rolling summaries, capped by pressure.
	if block := m.sumBuf.ContextBlock(summaryCap); block != "" {
		b.WriteString(block)
		b.WriteString("\n\n")
	}

	// Layer 3: identity documents.
	m.writeIdentityLayer(&b, summaryCap)
	return b.String()
}

func (m *Manager) writeIdentityLayer(b *strings.Builder, tokenCap int) {
	budget := tokenCap * 4
	var docs strings.Builder
	for _, name := range []string{identity.DocIdentity, identity.DocUserProfile, identity.DocPreferences} {
		doc := m.ident.Document(name)
		if doc == nil {
			continue
		}
		docs.WriteString(doc.Render())
		docs.WriteString("\n")
	}
	text := docs.String()
	if len(text) > budget {
		text = text[:budget] + "\n[identity documents truncated]\n"
	}
	b.WriteString("=== IDENTITY ===\n")
	b.WriteString(text)
	b.WriteString("=== END IDENTITY ===\n")
}

// recentUserKey joins the last few user turns into a retrieval key.
func recentUserKey(snap []types.Episode) string {
	start := len(snap) - 3
	if start < 0 {
		start = 0
	}
	var turns []string
	for _, ep := range snap[start:] {
		if strings.TrimSpace(ep.UserText) != "" {
			turns = append(turns, ep.UserText)
		}
	}
	return strings.Join(turns, " ")
}

// =============================================================================
// RECALL
// =============================================================================

// Recall routes a query through the query router, then tops up a
// fact-sourced answer with semantic matches when the fact store came up
// short.
func (m *Manager) Recall(ctx context.Context, query string, limit int) (*router.Decision, error) {
	if limit <= 0 {
		limit = 5
	}
	d, err := m.router.Route(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if d.Source == router.SourceFacts && d.Count < limit {
		if res, err := m.sem.Retrieve(ctx, query, limit-d.Count); err == nil {
			for _, r := range res {
				d.Texts = append(d.Texts, r.Content)
			}
		}
	}
	return d, nil
}

// =============================================================================
// SESSION END
// =============================================================================

// OnSessionEnd drains the workers, flushes pending compression,
// persists the end-of-session conversation summary, saves identity
// state, and closes the stores. Safe to call once; later calls no-op.
func (m *Manager) OnSessionEnd(ctx context.Context) error {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return nil
	}
	m.ended = true
	m.mu.Unlock()

	logging.Memory("Session %s ending after %d exchange(s)", m.session.ID, m.tracker.Count())

	m.writer.Stop()
	m.summarizer.Stop()
	if m.watcher != nil {
		m.watcher.Stop()
	}
	if err := m.summarizePending(ctx); err != nil {
		logging.Memory("Final compression flush failed: %v", err)
	}

	if cs := m.tracker.Generate(false); cs != nil {
		if err := m.sumBuf.Add(cs); err != nil {
			logging.Memory("Conversation summary persist failed: %v", err)
		}
		if err := m.ident.WriteConversationMemory(cs); err != nil {
			logging.Memory("Conversation memory write failed: %v", err)
		}
	}
	if err := m.ident.Save(); err != nil {
		logging.Memory("Identity save failed: %v", err)
	}
	if err := m.db.EndSession(m.session.ID, time.Now().UTC()); err != nil {
		logging.Memory("Session end mark failed: %v", err)
	}
	return m.Close()
}

// Close releases the stores. Idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if err := m.sem.Close(); err != nil {
			logging.Memory("Semantic store close failed: %v", err)
		}
		m.closeErr = m.db.Close()
	})
	return m.closeErr
}

// =============================================================================
// TEXT HEURISTICS
// =============================================================================

// imperativeWords raise importance: the user is asking the assistant to
// hold on to something or act.
var imperativeWords = []string{
	"remember", "don't forget", "important", "must", "need to", "remind",
	"schedule", "deadline", "urgent", "todo",
}

// computeImportance scores an exchange from surface features of the
// user text. Range [0,1]; baseline 0.5.
func computeImportance(userText, agentText string) float64 {
	score := 0.5
	lower := strings.ToLower(userText)
	if len(userText) > 200 {
		score += 0.1
	}
	if strings.Contains(userText, "?") {
		score += 0.1
	}
	if strings.Contains(userText, "!") {
		score += 0.1
	}
	for _, w := range imperativeWords {
		if strings.Contains(lower, w) {
			score += 0.2
			break
		}
	}
	if score > 1 {
		return 1
	}
	return score
}

// deriveSummary picks the first sentence of the user text, falling back
// to the agent text for agent-initiated exchanges.
func deriveSummary(userText, agentText string) string {
	text := strings.TrimSpace(userText)
	if text == "" {
		text = strings.TrimSpace(agentText)
	}
	if i := strings.IndexAny(text, ".!?\n"); i > 0 {
		text = text[:i+1]
	}
	text = strings.TrimRight(text, "\n")
	if len(text) > 120 {
		text = text[:117] + "..."
	}
	return text
}

// classifyAction tags an insight with the kind of request it came from.
func classifyAction(userText string) string {
	lower := strings.ToLower(userText)
	switch {
	case containsAnyOf(lower, "create", "write", "build", "make", "draft"):
		return "creation"
	case containsAnyOf(lower, "remember", "remind", "note", "don't forget"):
		return "memory"
	case containsAnyOf(lower, "why", "how", "analyze", "explain", "compare"):
		return "analysis"
	case strings.Contains(userText, "?"):
		return "question"
	default:
		return "conversation"
	}
}

func containsAnyOf(lower string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func renderExchange(userText, agentText string) string {
	return "user: " + userText + "\nagent: " + agentText
}

func episodeIDs(eps []types.Episode) []string {
	ids := make([]string, len(eps))
	for i, ep := range eps {
		ids[i] = ep.ID
	}
	return ids
}
