// Package facts implements the pattern-driven fact extraction engine and
// the indexed fact repository. Extraction is deterministic and
// side-effect-free; storage follows an append-as-reinforcement model where
// repeated facts are inserted as new rows rather than deduplicated.
package facts

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"muse/internal/logging"
	"muse/internal/types"
)

// =============================================================================
// PATTERN TABLE
// =============================================================================

// stream selects which side of an exchange a pattern scans.
type stream int

const (
	streamUser stream = iota
	streamAgent
	streamBoth
)

// pattern is one recognition rule. Personal-assistant types carry base
// weights in 0.6..0.8, technical types in 0.3..0.5.
type pattern struct {
	factType   types.FactType
	re         *regexp.Regexp
	scan       stream
	baseWeight float64
	minLen     int
	contextWin int
}

const (
	defaultContextWindow = 100
	urlContextWindow     = 50
)

var emailRE = `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`

// patterns is scanned in order; ordering is part of the extraction
// contract so repeated runs yield identical output.
var patterns = []pattern{
	{
		factType:   types.FactAppointment,
		re:         regexp.MustCompile(`(?i)\b(?:appointment|meeting|dinner|lunch|breakfast|call)\b[^.!?\n]{0,60}\b(?:at|on)\b\s+[^.!?\n]{1,50}`),
		scan:       streamUser,
		baseWeight: 0.8,
		minLen:     12,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactContact,
		re:         regexp.MustCompile(emailRE + `|\+?\d{1,3}[\s.\-]?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`),
		scan:       streamBoth,
		baseWeight: 0.7,
		minLen:     7,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactPreference,
		re:         regexp.MustCompile(`(?i)\b(?:i (?:like|love|prefer|hate|dislike|enjoy)|my favorite)\b[^.!?\n]{2,80}`),
		scan:       streamUser,
		baseWeight: 0.7,
		minLen:     10,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactTask,
		re:         regexp.MustCompile(`(?i)\b(?:remind me to|i need to|i have to|don't forget to|remember to|todo:?)\b[^.!?\n]{2,100}`),
		scan:       streamUser,
		baseWeight: 0.8,
		minLen:     12,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactNote,
		re:         regexp.MustCompile(`(?i)\b(?:note that|remember that|keep in mind|for the record|fyi)\b[^.!?\n]{2,120}`),
		scan:       streamUser,
		baseWeight: 0.6,
		minLen:     12,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactLocation,
		re:         regexp.MustCompile(`\b(?:at|in|near)\s+(?:the\s+)?[A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2}`),
		scan:       streamUser,
		baseWeight: 0.6,
		minLen:     6,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactCommunication,
		re:         regexp.MustCompile(`(?i)\b(?:email(?:ed)?|message(?:d)?|text(?:ed)?|sent|call(?:ed)?)\b[^.!?\n]{0,60}` + emailRE + `[^.!?\n]{0,60}`),
		scan:       streamBoth,
		baseWeight: 0.8,
		minLen:     10,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactToolUse,
		re:         regexp.MustCompile(`(?i)\b(?:using|used|with)\s+(?:the\s+)?[\w\-]+\s+(?:tool|cli|library|framework|package)\b`),
		scan:       streamBoth,
		baseWeight: 0.4,
		minLen:     10,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactCommand,
		re:         regexp.MustCompile("`([^`\n]{3,120})`|(?m)^\\s*\\$\\s+(.{3,120})$"),
		scan:       streamBoth,
		baseWeight: 0.4,
		minLen:     3,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactCode,
		re:         regexp.MustCompile("(?s)```([a-zA-Z0-9+\\-]*)\n(.*?)```"),
		scan:       streamBoth,
		baseWeight: 0.3,
		minLen:     10,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactFile,
		re:         regexp.MustCompile(`(?:\.{0,2}/)?(?:[\w.\-]+/)+[\w.\-]+\.\w{1,8}\b`),
		scan:       streamBoth,
		baseWeight: 0.4,
		minLen:     5,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactURL,
		re:         regexp.MustCompile(`https?://[^\s<>"')\]]+`),
		scan:       streamBoth,
		baseWeight: 0.5,
		minLen:     10,
		contextWin: urlContextWindow,
	},
	{
		factType:   types.FactError,
		re:         regexp.MustCompile(`(?i)\b(?:error|exception|failed|failure|panic|fatal)\b[:\s][^!\n]{3,120}`),
		scan:       streamBoth,
		baseWeight: 0.5,
		minLen:     10,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactConfig,
		re:         regexp.MustCompile(`(?i)\b(?:set|configure(?:d)?|config|setting)\b[^.!?\n]{0,40}\b(?:to|=)\s*\S[^.!?\n]{0,40}`),
		scan:       streamBoth,
		baseWeight: 0.4,
		minLen:     10,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactRecommendation,
		re:         regexp.MustCompile(`(?i)\b(?:you should|i recommend|i suggest|consider|it would be better to)\b[^.!?\n]{3,120}`),
		scan:       streamAgent,
		baseWeight: 0.5,
		minLen:     12,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactRoutine,
		re:         regexp.MustCompile(`(?i)\b(?:every (?:day|morning|evening|night|week|weekday|month)|daily|weekly|each (?:day|morning|week))\b[^.!?\n]{0,80}`),
		scan:       streamUser,
		baseWeight: 0.6,
		minLen:     8,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactHealth,
		re:         regexp.MustCompile(`(?i)\b(?:doctor|dentist|medication|medicine|prescription|workout|exercise|gym|allergy|allergic|diet|sleep schedule)\b[^.!?\n]{0,80}`),
		scan:       streamUser,
		baseWeight: 0.7,
		minLen:     8,
		contextWin: defaultContextWindow,
	},
	{
		factType:   types.FactFinancial,
		re:         regexp.MustCompile(`(?i)\$\d[\d,]*(?:\.\d{2})?[^.!?\n]{0,60}|\b(?:paid|payment|invoice|bill|budget|rent|salary|subscription)\b[^.!?\n]{2,80}`),
		scan:       streamUser,
		baseWeight: 0.7,
		minLen:     6,
		contextWin: defaultContextWindow,
	},
}

// =============================================================================
// IMPORTANCE KEYWORDS
// =============================================================================

var urgencyKeywords = []string{
	"today", "tomorrow", "urgent", "asap", "now", "immediately", "deadline",
}

var criticalKeywords = []string{
	"critical", "important", "must", "required", "vital", "essential",
}

var techKeywords = []string{
	"docker", "python", "javascript", "git", "database",
}

// =============================================================================
// EXTRACTOR
// =============================================================================

// Candidate is an extracted fact before persistence. Candidates carry no
// IDs or timestamps; the facts store assigns those on insert.
type Candidate struct {
	Type        types.FactType
	Content     string
	Context     string
	Importance  float64
	Tags        []string
	Metadata    map[string]string
	Fingerprint string
}

// Extract runs every recognition pattern over the exchange and returns the
// ordered candidate list. The user and agent streams are scanned in
// parallel but merged deterministically (user stream first, then agent,
// each in pattern order). Never fails on malformed input; an empty
// exchange yields an empty list.
func Extract(userText, agentText string) []Candidate {
	timer := logging.StartTimer(logging.CategoryFacts, "Extract")
	defer timer.Stop()

	if strings.TrimSpace(userText) == "" && strings.TrimSpace(agentText) == "" {
		return nil
	}

	var userFacts, agentFacts []Candidate
	var g errgroup.Group
	g.Go(func() error {
		userFacts = extractStream(userText, streamUser)
		return nil
	})
	g.Go(func() error {
		agentFacts = extractStream(agentText, streamAgent)
		return nil
	})
	g.Wait()

	merged := append(userFacts, agentFacts...)
	logging.FactsDebug("Extracted %d candidate(s) from exchange (user=%d agent=%d)",
		len(merged), len(userFacts), len(agentFacts))
	return merged
}

// extractStream scans one side of the exchange with every pattern that
// covers it, in pattern order.
func extractStream(text string, side stream) []Candidate {
	if text == "" {
		return nil
	}
	var out []Candidate
	for _, p := range patterns {
		if p.scan != side && p.scan != streamBoth {
			continue
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			c, ok := buildCandidate(p, text, loc[0], loc[1])
			if ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func buildCandidate(p pattern, text string, start, end int) (Candidate, bool) {
	content := strings.TrimSpace(text[start:end])
	if len(content) < p.minLen {
		return Candidate{}, false
	}

	c := Candidate{
		Type:        p.factType,
		Content:     content,
		Context:     contextWindow(text, start, end, p.contextWin),
		Importance:  adjustImportance(p.baseWeight, content),
		Tags:        autoTags(p.factType, content),
		Metadata:    map[string]string{},
		Fingerprint: Fingerprint(content),
	}

	if p.factType == types.FactCode {
		if m := p.re.FindStringSubmatch(text[start:end]); len(m) > 1 && m[1] != "" {
			c.Metadata["language"] = strings.ToLower(m[1])
		}
	}
	return c, true
}

// contextWindow returns the surrounding text clipped to the window size on
// each side of the match.
func contextWindow(text string, start, end, window int) string {
	lo := start - window
	if lo < 0 {
		lo = 0
	}
	hi := end + window
	if hi > len(text) {
		hi = len(text)
	}
	return strings.TrimSpace(text[lo:hi])
}

// adjustImportance applies the keyword-driven boosts in fixed order:
// urgency outranks criticality which outranks emphasis.
func adjustImportance(base float64, content string) float64 {
	lower := strings.ToLower(content)
	score := base
	if containsAny(lower, urgencyKeywords) {
		score += 0.2
	}
	if containsAny(lower, criticalKeywords) {
		score += 0.1
	}
	if strings.Contains(content, "!") || isAllUpper(content) {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	if score < 0 {
		score = 0
	}
	return score
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isAllUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= 'A' && r <= 'Z' {
			hasLetter = true
		}
	}
	return hasLetter
}

// autoTags derives tags from content: the type name always, plus any
// recognized technology keyword and the language of a fenced code block.
func autoTags(ft types.FactType, content string) []string {
	tags := []string{string(ft)}
	lower := strings.ToLower(content)
	for _, kw := range techKeywords {
		if strings.Contains(lower, kw) {
			tags = append(tags, kw)
		}
	}
	if m := fencedLangRE.FindStringSubmatch(content); len(m) > 1 && m[1] != "" {
		tags = append(tags, strings.ToLower(m[1]))
	}
	return tags
}

var fencedLangRE = regexp.MustCompile("```([a-zA-Z0-9+\\-]+)\n")

// Fingerprint hashes the normalized lowercase content. Stable across runs
// and processes; used for reinforcement counting, never uniqueness.
func Fingerprint(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return fmt.Sprintf("%016x", h.Sum64())
}
