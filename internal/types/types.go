// Package types provides shared type definitions used across muse packages.
// This package exists to break import cycles between the memory manager and
// its sub-stores. Types in this package are foundational data structures
// with no complex dependencies.
package types

import (
	"strings"
	"time"
)

// =============================================================================
// SESSIONS AND EPISODES
// =============================================================================

// Session is one run of the assistant. Sessions never mutate after creation
// except for an end-of-session summary.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time
	EndedAt   *time.Time
}

// Episode is one user/agent exchange persisted with metadata.
// Within a session, ExchangeNumber is gap-free and strictly increasing,
// starting at 0. Only the memory writer assigns exchange numbers.
type Episode struct {
	ID               string
	SessionID        string
	ExchangeNumber   int
	CreatedAt        time.Time
	UserText         string
	AgentText        string
	Summary          string
	Importance       float64
	InBuffer         bool
	Summarized       bool
	CompressionLevel int // 0 = verbatim, 1 = summarized, 2 = semantic-only
	FactsExtracted   bool
}

// =============================================================================
// FACTS
// =============================================================================

// FactType is the closed enum of recognized fact categories.
type FactType string

const (
	FactAppointment    FactType = "appointment"
	FactContact        FactType = "contact"
	FactPreference     FactType = "preference"
	FactTask           FactType = "task"
	FactNote           FactType = "note"
	FactLocation       FactType = "location"
	FactCommunication  FactType = "communication"
	FactToolUse        FactType = "tool_use"
	FactCommand        FactType = "command"
	FactCode           FactType = "code"
	FactFile           FactType = "file"
	FactURL            FactType = "url"
	FactError          FactType = "error"
	FactConfig         FactType = "config"
	FactRecommendation FactType = "recommendation"
	FactRoutine        FactType = "routine"
	FactHealth         FactType = "health"
	FactFinancial      FactType = "financial"
)

// AllFactTypes lists every valid fact type.
var AllFactTypes = []FactType{
	FactAppointment, FactContact, FactPreference, FactTask, FactNote,
	FactLocation, FactCommunication, FactToolUse, FactCommand, FactCode,
	FactFile, FactURL, FactError, FactConfig, FactRecommendation,
	FactRoutine, FactHealth, FactFinancial,
}

// ValidFactType reports whether s names a known fact type.
func ValidFactType(s string) bool {
	for _, t := range AllFactTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// ParseFactType maps a string to a FactType, tolerating case.
func ParseFactType(s string) (FactType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if ValidFactType(s) {
		return FactType(s), true
	}
	return "", false
}

// Fact is an atomically-recallable datum extracted from an episode.
// (Type, Fingerprint) need not be unique: repetition is reinforcement.
type Fact struct {
	ID           string
	Type         FactType
	Content      string
	Context      string // text window around the extraction site
	Importance   float64
	AccessCount  int
	LastAccessed *time.Time
	Timestamp    time.Time
	SessionID    string
	EpisodeID    string
	Tags         []string
	Metadata     map[string]string
	Fingerprint  string // stable hash of normalized lowercase content
}

// =============================================================================
// SUMMARIES
// =============================================================================

// SummaryType classifies compressed records.
type SummaryType string

const (
	SummaryBufferType  SummaryType = "buffer"
	SummarySessionType SummaryType = "session"
	SummaryRollingType SummaryType = "rolling"
)

// Summary is a structured compression of N consecutive exchanges.
type Summary struct {
	ID               string
	SessionID        string
	Type             SummaryType
	Content          string
	SourceEpisodeIDs []string
	Importance       float64
	CreatedAt        time.Time
}

// ExchangeRecord is a verbatim (user, agent) pair preserved in a summary.
type ExchangeRecord struct {
	User   string `json:"user"`
	Agent  string `json:"agent"`
	Number int    `json:"number"`
}

// KeyExchange is a verbatim exchange selected by the key-exchange heuristic.
type KeyExchange struct {
	Exchange ExchangeRecord `json:"exchange"`
	Reason   string         `json:"reason"`
}

// ConversationSummary is the rich per-session summary used for
// cross-session continuity.
type ConversationSummary struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	TimestampStart  time.Time      `json:"timestamp_start"`
	TimestampEnd    time.Time      `json:"timestamp_end"`
	ExchangeCount   int            `json:"exchange_count"`
	OpeningExchange ExchangeRecord `json:"opening_exchange"`
	ClosingExchange ExchangeRecord `json:"closing_exchange"`
	KeyExchanges    []KeyExchange  `json:"key_exchanges"`

	// Extracted facets, each deterministic, keyword-driven and size-capped.
	KeyPoints             []string `json:"key_points"`
	Insights              []string `json:"insights"`
	ProgressMade          []string `json:"progress_made"`
	Topics                []string `json:"topics"`
	Decisions             []string `json:"decisions"`
	UnfinishedThreads     []string `json:"unfinished_threads"`
	TechnicalSolutions    []string `json:"technical_solutions"`
	TrustIndicators       []string `json:"trust_indicators"`
	CollaborationPatterns []string `json:"collaboration_patterns"`
	CommunicationStyle    string   `json:"communication_style"`
}

// TopicPreview renders a short topic line for the summary index.
func (c *ConversationSummary) TopicPreview() string {
	if len(c.Topics) == 0 {
		return ""
	}
	n := len(c.Topics)
	if n > 3 {
		n = 3
	}
	return strings.Join(c.Topics[:n], ", ")
}

// =============================================================================
// SCHEDULED TASKS
// =============================================================================

// ScheduledTask is a persistent cron-like task. If Enabled and the schedule
// expression is valid, NextRun is non-nil.
type ScheduledTask struct {
	ID                 string
	DisplayName        string
	ScheduleExpression string
	TemplateName       string
	TemplateConfig     map[string]string
	Enabled            bool
	CreatedAt          time.Time
	LastRun            *time.Time
	NextRun            *time.Time
	RunCount           int
	SuccessCount       int
	FailureCount       int
}

// TaskExecution is an append-only execution record; never mutated after
// completion.
type TaskExecution struct {
	ID              int64
	TaskID          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Success         bool
	ErrorMessage    string
	Output          string
	DurationSeconds float64
}
