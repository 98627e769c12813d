// Package summary generates structured per-session conversation summaries
// and maintains the rolling FIFO of recent summaries injected into prompts.
// Facet extraction is deterministic and keyword-driven; no model calls.
package summary

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"muse/internal/logging"
	"muse/internal/types"
)

const (
	maxKeyExchanges     = 10
	maxFacetItems       = 5
	maxKeyPoints        = 10
	maxTopics           = 5
	defaultMinExchanges = 3
	longExchangeSize    = 200
)

// =============================================================================
// TRACKER
// =============================================================================

// Tracker accumulates the exchanges of one session in insertion order.
type Tracker struct {
	sessionID    string
	startedAt    time.Time
	minExchanges int
	exchanges    []types.ExchangeRecord
}

// NewTracker starts tracking a session. minExchanges is the shortest
// session Generate will summarize without force; <= 0 selects the
// default of 3.
func NewTracker(sessionID string, minExchanges int) *Tracker {
	if minExchanges <= 0 {
		minExchanges = defaultMinExchanges
	}
	return &Tracker{
		sessionID:    sessionID,
		startedAt:    time.Now().UTC(),
		minExchanges: minExchanges,
	}
}

// Track appends one exchange. Exchanges must arrive in order; the memory
// writer is the only caller.
func (t *Tracker) Track(user, agent string, number int) {
	t.exchanges = append(t.exchanges, types.ExchangeRecord{
		User: user, Agent: agent, Number: number,
	})
}

// Count returns the number of tracked exchanges.
func (t *Tracker) Count() int {
	return len(t.exchanges)
}

// Generate builds the structured summary. Returns nil when the session is
// too short and force is false.
func (t *Tracker) Generate(force bool) *types.ConversationSummary {
	timer := logging.StartTimer(logging.CategorySummary, "Generate")
	defer timer.Stop()

	if len(t.exchanges) == 0 {
		return nil
	}
	if !force && len(t.exchanges) < t.minExchanges {
		logging.SummaryDebug("Session %s too short to summarize (%d exchange(s))",
			t.sessionID, len(t.exchanges))
		return nil
	}

	cs := &types.ConversationSummary{
		ID:              uuid.NewString(),
		SessionID:       t.sessionID,
		TimestampStart:  t.startedAt,
		TimestampEnd:    time.Now().UTC(),
		ExchangeCount:   len(t.exchanges),
		OpeningExchange: t.exchanges[0],
		ClosingExchange: t.exchanges[len(t.exchanges)-1],
		KeyExchanges:    selectKeyExchanges(t.exchanges),
	}

	cs.KeyPoints = extractKeyPoints(t.exchanges)
	cs.Insights = extractByKeywords(t.exchanges, insightKeywords, maxFacetItems)
	cs.ProgressMade = extractByKeywords(t.exchanges, progressKeywords, maxFacetItems)
	cs.Topics = extractTopics(t.exchanges)
	cs.Decisions = extractByKeywords(t.exchanges, decisionKeywords, maxFacetItems)
	cs.UnfinishedThreads = extractByKeywords(t.exchanges, unfinishedKeywords, maxFacetItems)
	cs.TechnicalSolutions = extractByKeywords(t.exchanges, technicalKeywords, maxFacetItems)
	cs.TrustIndicators = extractByKeywords(t.exchanges, trustKeywords, maxFacetItems)
	cs.CollaborationPatterns = extractCollaborationPatterns(t.exchanges)
	cs.CommunicationStyle = classifyCommunicationStyle(t.exchanges)

	logging.Summary("Generated summary for session %s: %d exchange(s), %d key exchange(s), %d topic(s)",
		t.sessionID, cs.ExchangeCount, len(cs.KeyExchanges), len(cs.Topics))
	return cs
}

// =============================================================================
// KEY EXCHANGE SELECTION
// =============================================================================

var importanceKeywords = []string{
	"important", "critical", "remember", "deadline", "urgent", "decision",
	"decided", "must", "promise", "appointment",
}

func selectKeyExchanges(exchanges []types.ExchangeRecord) []types.KeyExchange {
	var selected []types.KeyExchange
	for _, ex := range exchanges {
		if len(selected) >= maxKeyExchanges {
			break
		}
		lower := strings.ToLower(ex.User + " " + ex.Agent)
		if kw := firstKeyword(lower, importanceKeywords); kw != "" {
			selected = append(selected, types.KeyExchange{
				Exchange: ex,
				Reason:   fmt.Sprintf("mentions %q", kw),
			})
			continue
		}
		if len(ex.User) > longExchangeSize {
			selected = append(selected, types.KeyExchange{
				Exchange: ex,
				Reason:   "long detailed message",
			})
		}
	}
	return selected
}

func firstKeyword(lower string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// =============================================================================
// FACET EXTRACTORS
// =============================================================================

var (
	insightKeywords    = []string{"realized", "learned", "understand now", "interesting", "turns out", "insight"}
	progressKeywords   = []string{"finished", "completed", "done", "fixed", "implemented", "solved", "working now", "deployed"}
	decisionKeywords   = []string{"decided", "let's go with", "we'll use", "agreed", "going with", "settled on"}
	unfinishedKeywords = []string{"later", "next time", "still need", "remaining", "unfinished", "left off", "todo"}
	technicalKeywords  = []string{"function", "database", "docker", "config", "deploy", "script", "query", "compile", "install"}
	trustKeywords      = []string{"thanks", "thank you", "perfect", "appreciate", "well done", "exactly right"}
)

// extractByKeywords collects sentences mentioning any keyword, in exchange
// order, deduplicated, capped.
func extractByKeywords(exchanges []types.ExchangeRecord, keywords []string, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, ex := range exchanges {
		for _, text := range []string{ex.User, ex.Agent} {
			for _, sentence := range splitSentences(text) {
				if len(out) >= limit {
					return out
				}
				lower := strings.ToLower(sentence)
				if firstKeyword(lower, keywords) == "" || seen[lower] {
					continue
				}
				seen[lower] = true
				out = append(out, sentence)
			}
		}
	}
	return out
}

// extractKeyPoints picks user sentences that ask questions or carry
// importance vocabulary.
func extractKeyPoints(exchanges []types.ExchangeRecord) []string {
	var out []string
	seen := make(map[string]bool)
	for _, ex := range exchanges {
		for _, sentence := range splitSentences(ex.User) {
			if len(out) >= maxKeyPoints {
				return out
			}
			lower := strings.ToLower(sentence)
			interesting := strings.HasSuffix(strings.TrimSpace(sentence), "?") ||
				firstKeyword(lower, importanceKeywords) != ""
			if !interesting || seen[lower] {
				continue
			}
			seen[lower] = true
			out = append(out, sentence)
		}
	}
	return out
}

// extractTopics ranks recurring non-stopword vocabulary.
func extractTopics(exchanges []types.ExchangeRecord) []string {
	counts := make(map[string]int)
	for _, ex := range exchanges {
		for _, w := range strings.Fields(strings.ToLower(ex.User + " " + ex.Agent)) {
			w = strings.Trim(w, ".,!?\"'()")
			if len(w) < 4 || topicStopwords[w] {
				continue
			}
			counts[w]++
		}
	}

	type wordCount struct {
		word  string
		count int
	}
	var ranked []wordCount
	for w, c := range counts {
		if c >= 2 {
			ranked = append(ranked, wordCount{w, c})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	var topics []string
	for _, wc := range ranked {
		if len(topics) >= maxTopics {
			break
		}
		topics = append(topics, wc.word)
	}
	return topics
}

var topicStopwords = map[string]bool{
	"this": true, "that": true, "with": true, "have": true, "from": true,
	"your": true, "about": true, "what": true, "when": true, "where": true,
	"will": true, "would": true, "could": true, "should": true, "there": true,
	"their": true, "they": true, "been": true, "were": true, "just": true,
	"like": true, "want": true, "need": true, "some": true, "then": true,
	"than": true, "here": true, "also": true, "into": true, "only": true,
}

// extractCollaborationPatterns labels the observable interaction shape.
func extractCollaborationPatterns(exchanges []types.ExchangeRecord) []string {
	questions := 0
	directives := 0
	for _, ex := range exchanges {
		trimmed := strings.TrimSpace(ex.User)
		if strings.HasSuffix(trimmed, "?") {
			questions++
		}
		lower := strings.ToLower(trimmed)
		for _, verb := range []string{"create", "make", "write", "fix", "add", "remove", "schedule", "email", "remind"} {
			if strings.HasPrefix(lower, verb+" ") {
				directives++
				break
			}
		}
	}

	var patterns []string
	n := len(exchanges)
	if questions*2 > n {
		patterns = append(patterns, "inquiry-driven: user mostly asks questions")
	}
	if directives*2 > n {
		patterns = append(patterns, "task-driven: user mostly issues requests")
	}
	if len(patterns) == 0 {
		patterns = append(patterns, "conversational: mixed questions and statements")
	}
	return patterns
}

// classifyCommunicationStyle reduces the session to a single label.
func classifyCommunicationStyle(exchanges []types.ExchangeRecord) string {
	total := 0
	exclamations := 0
	for _, ex := range exchanges {
		total += len(ex.User)
		exclamations += strings.Count(ex.User, "!")
	}
	avg := total / len(exchanges)

	length := "concise"
	if avg > 120 {
		length = "detailed"
	}
	tone := "neutral"
	if exclamations > len(exchanges)/4 {
		tone = "expressive"
	}
	return length + ", " + tone
}

// splitSentences is a crude sentence splitter sufficient for facet
// extraction; it never removes content, only divides it.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			s := strings.TrimSpace(b.String())
			if s != "" && s != "." && s != "!" && s != "?" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}
