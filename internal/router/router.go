// Package router decides whether a recall query is served by the exact
// fact repository or by approximate semantic retrieval. Fact lookups run
// first when the query signals exact intent; empty fact results fall
// through to the semantic store.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"muse/internal/facts"
	"muse/internal/logging"
	"muse/internal/semantic"
	"muse/internal/types"
)

// =============================================================================
// SOURCES AND DECISIONS
// =============================================================================

// Source identifies which store answered a query.
type Source string

const (
	SourceFacts    Source = "facts"
	SourceSemantic Source = "semantic"
)

// Decision is the routed result set.
type Decision struct {
	Source   Source
	Facts    []types.Fact
	Texts    []string
	Count    int
	FactType types.FactType // empty when no type was detected
}

// Router fans a query out to the fact and semantic stores.
type Router struct {
	facts    *facts.Store
	semantic *semantic.Store
}

// New wires the router over its two stores.
func New(f *facts.Store, s *semantic.Store) *Router {
	return &Router{facts: f, semantic: s}
}

// =============================================================================
// KEYWORD TABLES
// =============================================================================

// typeKeywords maps query vocabulary to fact types; scanned in a fixed
// order so detection is deterministic.
var typeKeywords = []struct {
	factType types.FactType
	words    []string
}{
	{types.FactCommunication, []string{"email", "emailed", "message", "messaged", "text", "texted", "sent", "call", "called"}},
	{types.FactAppointment, []string{"appointment", "meeting", "schedule", "calendar"}},
	{types.FactPreference, []string{"favorite", "prefer", "preference", "like best", "color"}},
	{types.FactTask, []string{"task", "todo", "remind", "reminder"}},
	{types.FactContact, []string{"contact", "phone number", "address"}},
	{types.FactLocation, []string{"location", "place", "directions"}},
	{types.FactURL, []string{"link", "url", "website"}},
	{types.FactFile, []string{"file", "path", "document"}},
	{types.FactCommand, []string{"command", "terminal", "shell"}},
	{types.FactCode, []string{"code", "function", "snippet"}},
	{types.FactError, []string{"error", "bug", "crash", "exception"}},
	{types.FactConfig, []string{"config", "setting", "configured"}},
	{types.FactRecommendation, []string{"recommend", "recommendation", "suggestion", "advice"}},
	{types.FactRoutine, []string{"routine", "habit", "usually"}},
	{types.FactHealth, []string{"doctor", "dentist", "medication", "health", "gym"}},
	{types.FactFinancial, []string{"paid", "bill", "cost", "price", "budget", "money"}},
	{types.FactNote, []string{"note", "noted"}},
	{types.FactToolUse, []string{"tool"}},
}

// exactKeywords signal perfect-recall intent. Temporal recall words are
// included: "yesterday I told you" is an exact-lookup request.
var exactKeywords = []string{
	"who", "what", "when", "where", "which", "show me", "find", "list",
	"did i", "tell me", "look up", "yesterday", "last week", "earlier",
	"recently", "before",
}

// temporalKeywords anchor a query to past events.
var temporalKeywords = []string{
	"yesterday", "last week", "last month", "earlier", "recently",
	"before", "ago", "previous",
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "you": true, "my": true,
	"me": true, "we": true, "it": true, "is": true, "was": true, "are": true,
	"did": true, "do": true, "to": true, "of": true, "in": true, "on": true,
	"at": true, "about": true, "for": true, "who": true, "what": true,
	"when": true, "where": true, "which": true, "that": true, "this": true,
	"told": true, "said": true, "have": true, "had": true,
}

// =============================================================================
// ROUTING
// =============================================================================

// Route classifies the query and returns results from the chosen store.
func (r *Router) Route(ctx context.Context, query string, limit int) (*Decision, error) {
	timer := logging.StartTimer(logging.CategoryRouter, "Route")
	defer timer.Stop()

	if limit <= 0 {
		limit = 5
	}

	detected := DetectFactType(query)
	needsExact := hasAnyKeyword(query, exactKeywords) ||
		hasAnyKeyword(query, temporalKeywords) ||
		detected != ""

	logging.RouterDebug("Route(%q): detected_type=%s needs_exact=%v", query, detected, needsExact)

	if needsExact {
		hits := r.searchFacts(query, detected, limit)
		if len(hits) > 0 {
			logging.Router("Routed %q to facts (%d hit(s), type=%s)", query, len(hits), detected)
			return &Decision{
				Source:   SourceFacts,
				Facts:    hits,
				Count:    len(hits),
				FactType: detected,
			}, nil
		}
		logging.RouterDebug("Facts empty for %q, falling through to semantic", query)
	}

	results, err := r.semantic.Retrieve(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic retrieve: %w", err)
	}
	texts := make([]string, len(results))
	for i, res := range results {
		texts[i] = res.Content
	}
	logging.Router("Routed %q to semantic (%d result(s))", query, len(texts))
	return &Decision{
		Source:   SourceSemantic,
		Texts:    texts,
		Count:    len(texts),
		FactType: detected,
	}, nil
}

// searchFacts queries the fact store once per salient term and merges the
// hits, preserving the importance/recency ranking.
func (r *Router) searchFacts(query string, detected types.FactType, limit int) []types.Fact {
	terms := salientTerms(query, 3)
	if len(terms) == 0 {
		terms = []string{query}
	}

	seen := make(map[string]bool)
	var merged []types.Fact
	for _, term := range terms {
		hits, err := r.facts.Search(term, string(detected), limit, 0)
		if err != nil {
			logging.RouterDebug("Fact search for term %q failed: %v", term, err)
			continue
		}
		for _, h := range hits {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			merged = append(merged, h)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Importance != merged[j].Importance {
			return merged[i].Importance > merged[j].Importance
		}
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Confidence scores routing certainty: 0.4 for exact-lookup vocabulary,
// 0.3 for a detected fact type, 0.3 for temporal anchoring, clamped to 1.
func (r *Router) Confidence(query string) float64 {
	score := 0.0
	if hasAnyKeyword(query, exactKeywords) {
		score += 0.4
	}
	if DetectFactType(query) != "" {
		score += 0.3
	}
	if hasAnyKeyword(query, temporalKeywords) {
		score += 0.3
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Explain renders a human-readable reason for the routing decision.
func (r *Router) Explain(query string) string {
	detected := DetectFactType(query)
	exact := hasAnyKeyword(query, exactKeywords)
	temporal := hasAnyKeyword(query, temporalKeywords)

	var reasons []string
	if exact {
		reasons = append(reasons, "exact-lookup keyword present")
	}
	if temporal {
		reasons = append(reasons, "temporal reference present")
	}
	if detected != "" {
		reasons = append(reasons, fmt.Sprintf("fact type %q detected", detected))
	}

	if len(reasons) == 0 {
		return "no exact-lookup signals; routing to semantic retrieval"
	}
	return fmt.Sprintf("routing to facts first (%s), confidence %.1f; empty results fall through to semantic",
		strings.Join(reasons, ", "), r.Confidence(query))
}

// DetectFactType maps query vocabulary to a fact type, or "" when none
// matches.
func DetectFactType(query string) types.FactType {
	lower := strings.ToLower(query)
	for _, entry := range typeKeywords {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				return entry.factType
			}
		}
	}
	return ""
}

func hasAnyKeyword(query string, keywords []string) bool {
	lower := strings.ToLower(query)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// salientTerms returns up to n non-stopword tokens, longest first.
func salientTerms(query string, n int) []string {
	fields := strings.Fields(strings.ToLower(query))
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'")
		if len(f) < 3 || stopwords[f] {
			continue
		}
		terms = append(terms, f)
	}
	sort.SliceStable(terms, func(i, j int) bool {
		return len(terms[i]) > len(terms[j])
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}
