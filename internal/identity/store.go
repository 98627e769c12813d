package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"muse/internal/config"
	"muse/internal/logging"
	"muse/internal/types"
)

// Canonical document names.
const (
	DocIdentity    = "IDENTITY"
	DocUserProfile = "USER_PROFILE"
	DocPreferences = "PREFERENCES"

	conversationMemoryFile = "conversation_memory"
	archiveDir             = "conversation_memories"
)

var canonicalDocs = []string{DocIdentity, DocUserProfile, DocPreferences}

// =============================================================================
// STORE
// =============================================================================

// Store owns the identity documents of one workspace. Single-writer:
// saves happen at session end only, under the internal mutex.
type Store struct {
	mu        sync.Mutex
	dir       string
	cfg       config.IdentityConfig
	docs      map[string]*Document
	recovered map[string]bool // docs rebuilt after corruption
	insights  []string
	lastScore float64
}

// Open loads (or creates) the canonical documents and counts the
// awakening. Corrupt documents are backed up and replaced with a recovery
// document; startup never fails because of identity corruption.
func Open(workspace string, cfg config.IdentityConfig) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryIdentity, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("identity: workspace: %w", err)
	}

	s := &Store{
		dir:       workspace,
		cfg:       cfg,
		docs:      make(map[string]*Document),
		recovered: make(map[string]bool),
	}
	for _, name := range canonicalDocs {
		s.docs[name] = s.loadOrRecover(name)
	}

	// awakening counts process starts; persisted on the next save
	count := s.AwakeningCount() + 1
	s.docs[DocIdentity].Set("awakening_count", strconv.Itoa(count))
	logging.Identity("Identity store opened, awakening %d", count)

	s.lastScore = s.coherenceLocked()
	return s, nil
}

// loadOrRecover reads one document, creating a default when absent and a
// recovery document when corrupt. The corrupt file is preserved with a
// timestamped suffix.
func (s *Store) loadOrRecover(name string) *Document {
	path := filepath.Join(s.dir, name)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.IdentityDebug("Creating default document %s", name)
		return defaultDocument(name)
	}
	if err != nil {
		logging.Identity("Read failed for %s, using recovery document: %v", name, err)
		s.recovered[name] = true
		return defaultDocument(name)
	}

	doc, err := ParseDocument(name, string(raw))
	if err != nil {
		backup := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102_150405"))
		if renameErr := os.Rename(path, backup); renameErr != nil {
			logging.Identity("Backup of corrupt %s failed: %v", name, renameErr)
		} else {
			logging.Identity("Corrupt %s backed up to %s", name, filepath.Base(backup))
		}
		s.recovered[name] = true
		return defaultDocument(name)
	}
	return doc
}

func defaultDocument(name string) *Document {
	doc := NewDocument(name)
	now := time.Now().UTC().Format(time.RFC3339)
	doc.Set("name", name)
	doc.Set("created_at", now)
	doc.Set("last_updated", now)
	switch name {
	case DocIdentity:
		doc.Set("awakening_count", "0")
		doc.Body = "# Identity\n\nCore identity parameters.\n\n## Learned Patterns\n"
	case DocUserProfile:
		doc.Body = "# User Profile\n\nObservations about the user.\n"
	case DocPreferences:
		doc.Body = "# Preferences\n\nAdaptive settings.\n"
	}
	return doc
}

// Document returns the cached document by canonical name, or nil.
func (s *Store) Document(name string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[name]
}

// AwakeningCount reads the persisted process-start counter.
func (s *Store) AwakeningCount() int {
	n, err := strconv.Atoi(s.docs[DocIdentity].Get("awakening_count"))
	if err != nil {
		return 0
	}
	return n
}

// AddInsight queues an observation for the next full save.
func (s *Store) AddInsight(insight string) {
	insight = strings.TrimSpace(insight)
	if insight == "" {
		return
	}
	s.mu.Lock()
	s.insights = append(s.insights, insight)
	s.mu.Unlock()
}

// =============================================================================
// SAVING
// =============================================================================

// Save persists the documents. Minimal by default: frontmatter timestamps
// and counters only, bodies byte-identical. A full save runs instead when
// significant changes accumulated (queued insights or a coherence shift
// greater than 0.1).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	score := s.coherenceLocked()
	full := len(s.insights) > 0 || abs(score-s.lastScore) > 0.1
	if full {
		return s.saveFullLocked(score)
	}
	return s.saveMinimalLocked(score)
}

// SaveMinimal forces a frontmatter-only save.
func (s *Store) SaveMinimal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMinimalLocked(s.coherenceLocked())
}

func (s *Store) saveMinimalLocked(score float64) error {
	logging.IdentityDebug("Minimal identity save (coherence=%.2f)", score)
	now := time.Now().UTC().Format(time.RFC3339)
	for _, name := range canonicalDocs {
		doc := s.docs[name]
		doc.Set("last_updated", now)
		if name == DocIdentity {
			doc.Set("coherence", fmt.Sprintf("%.2f", score))
		}
		if err := s.writeAtomic(name, doc.Render()); err != nil {
			return err
		}
	}
	s.lastScore = score
	return nil
}

func (s *Store) saveFullLocked(score float64) error {
	logging.Identity("Full identity save: %d insight(s), coherence=%.2f", len(s.insights), score)

	if len(s.insights) > 0 {
		var b strings.Builder
		b.WriteString(s.docs[DocUserProfile].Body)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		stamp := time.Now().UTC().Format("2006-01-02")
		for _, insight := range s.insights {
			fmt.Fprintf(&b, "- [%s] %s\n", stamp, insight)
		}
		s.docs[DocUserProfile].Body = b.String()
		s.insights = nil
	}
	return s.saveMinimalLocked(score)
}

// writeAtomic writes via a temp file and rename in the same directory.
func (s *Store) writeAtomic(name, content string) error {
	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("identity: temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("identity: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("identity: close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("identity: rename %s: %w", name, err)
	}
	return nil
}

// =============================================================================
// CONVERSATION MEMORY
// =============================================================================

// WriteConversationMemory renders the session summary into the fixed
// conversation memory schema, archives a copy, and rotates the archive.
func (s *Store) WriteConversationMemory(cs *types.ConversationSummary) error {
	if cs == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	content := renderConversationMemory(cs)
	if err := s.writeAtomic(conversationMemoryFile, content); err != nil {
		return err
	}

	dir := filepath.Join(s.dir, archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("identity: archive dir: %w", err)
	}
	archive := fmt.Sprintf("session_%s", cs.TimestampEnd.UTC().Format("20060102_150405"))
	if err := os.WriteFile(filepath.Join(dir, archive), []byte(content), 0644); err != nil {
		return fmt.Errorf("identity: archive write: %w", err)
	}

	s.rotateArchive(dir)
	logging.Identity("Conversation memory written and archived as %s", archive)
	return nil
}

// rotateArchive deletes the oldest archives past the retention cap.
func (s *Store) rotateArchive(dir string) {
	max := s.cfg.ArchiveMax
	if max <= 0 {
		max = 100
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "session_") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= max {
		return
	}
	// archive names sort chronologically
	sort.Strings(names)
	for _, name := range names[:len(names)-max] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			logging.IdentityDebug("Archive rotation remove failed for %s: %v", name, err)
		}
	}
	logging.IdentityDebug("Archive rotated: removed %d file(s)", len(names)-max)
}

func renderConversationMemory(cs *types.ConversationSummary) string {
	var b strings.Builder
	b.WriteString("# Conversation Memory\n\n")
	fmt.Fprintf(&b, "Session: %s\n", cs.SessionID)
	fmt.Fprintf(&b, "Period: %s to %s\n", cs.TimestampStart.UTC().Format(time.RFC3339),
		cs.TimestampEnd.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Exchanges: %d\n", cs.ExchangeCount)

	writeSection(&b, "## Opening", []string{
		"user: " + cs.OpeningExchange.User,
		"agent: " + cs.OpeningExchange.Agent,
	})
	writeSection(&b, "## Key Points", cs.KeyPoints)
	writeSection(&b, "## Decisions", cs.Decisions)
	writeSection(&b, "## Progress", cs.ProgressMade)
	writeSection(&b, "## Insights", cs.Insights)
	writeSection(&b, "## Unfinished", cs.UnfinishedThreads)
	writeSection(&b, "## Topics", cs.Topics)
	writeSection(&b, "## Closing", []string{
		"user: " + cs.ClosingExchange.User,
		"agent: " + cs.ClosingExchange.Agent,
	})
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	b.WriteString("\n" + title + "\n")
	if len(items) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// =============================================================================
// COHERENCE
// =============================================================================

// Coherence aggregates the advisory stability score in [0,1].
func (s *Store) Coherence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coherenceLocked()
}

// coherenceLocked computes the weighted sub-measures. Each sub-measure is
// a proxy: recovered documents lower memory consistency and trait
// stability; a missing body lowers context tracking.
func (s *Store) coherenceLocked() float64 {
	w := s.cfg.CoherenceWeights
	total := w.MemoryConsistency + w.ResponseQuality + w.ContextTracking + w.TraitStability
	if total <= 0 {
		return 1.0
	}

	memory := 1.0
	traits := 1.0
	if len(s.recovered) > 0 {
		memory = 1.0 - float64(len(s.recovered))/float64(len(canonicalDocs))
		traits = 0.5
	}
	tracking := 1.0
	if s.docs[DocUserProfile] == nil || strings.TrimSpace(s.docs[DocUserProfile].Body) == "" {
		tracking = 0.5
	}
	quality := 1.0 // no response-quality signal is available locally

	score := (w.MemoryConsistency*memory + w.ResponseQuality*quality +
		w.ContextTracking*tracking + w.TraitStability*traits) / total
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
