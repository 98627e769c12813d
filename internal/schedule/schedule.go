// Package schedule turns schedule expressions into canonical triggers.
// Accepted surfaces: five-field cron, the special tokens @daily/@weekly/
// @monthly, a fixed set of natural-language forms, and one-shot "at ..."
// datetimes. Unrecognized input parses to nothing; the caller treats the
// task as unschedulable.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/robfig/cron/v3"

	"muse/internal/logging"
)

// ErrUnrecognized marks input outside the accepted surface.
var ErrUnrecognized = errors.New("schedule: unrecognized expression")

// =============================================================================
// TRIGGER
// =============================================================================

// Kind classifies a trigger.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

// Trigger is the canonical representation of a schedule.
type Trigger struct {
	Kind  Kind
	Value string // cron expression, @every duration, or RFC3339 instant
	Loc   *time.Location
}

// Canonical renders the trigger back to its storable expression.
func (t *Trigger) Canonical() string {
	if t.Kind == KindOnce {
		return "@at:" + t.Value
	}
	return t.Value
}

// Next computes the first fire time strictly after the given instant.
// ok=false means the trigger never fires again.
func (t *Trigger) Next(after time.Time) (time.Time, bool) {
	switch t.Kind {
	case KindOnce:
		at, err := time.Parse(time.RFC3339, t.Value)
		if err != nil {
			return time.Time{}, false
		}
		if at.After(after) {
			return at, true
		}
		return time.Time{}, false
	default:
		sched, err := cron.ParseStandard(t.Value)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(after.In(t.Loc)), true
	}
}

// =============================================================================
// PARSER
// =============================================================================

var weekdays = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

const clockPattern = `(\d{1,2})(?::(\d{2}))?\s*(am|pm)`

var (
	everyWeekdayDayRE = regexp.MustCompile(`(?i)^every\s+(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\s+at\s+` + clockPattern + `$`)
	weekdayDayRE      = regexp.MustCompile(`(?i)^(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\s+at\s+` + clockPattern + `$`)
	dailyRE           = regexp.MustCompile(`(?i)^daily\s+at\s+` + clockPattern + `$`)
	everyWorkdayRE    = regexp.MustCompile(`(?i)^every\s+weekday\s+at\s+` + clockPattern + `$`)
	everyUnitRE       = regexp.MustCompile(`(?i)^every\s+(\d+)\s+(second|minute|hour)s?$`)
	firstWeekdayRE    = regexp.MustCompile(`(?i)^first\s+(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\s+of\s+each\s+month\s+at\s+` + clockPattern + `$`)
	lastDayRE         = regexp.MustCompile(`(?i)^last\s+day\s+of\s+each\s+month\s+at\s+` + clockPattern + `$`)
	atPrefixRE        = regexp.MustCompile(`(?i)^at\s+(.+)$`)
)

// nlParser resolves "at <natural datetime>" one-shots.
var nlParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// Parse maps an expression to a canonical trigger. The location governs
// cron evaluation and natural-datetime resolution.
func Parse(expr string, loc *time.Location) (*Trigger, error) {
	if loc == nil {
		loc = time.Local
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrUnrecognized
	}

	// stored one-shot form round-trips
	if strings.HasPrefix(expr, "@at:") {
		value := strings.TrimPrefix(expr, "@at:")
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
		}
		return &Trigger{Kind: KindOnce, Value: value, Loc: loc}, nil
	}

	// stored interval form round-trips
	if strings.HasPrefix(strings.ToLower(expr), "@every ") {
		if _, err := cron.ParseStandard(expr); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
		}
		return &Trigger{Kind: KindInterval, Value: expr, Loc: loc}, nil
	}

	switch strings.ToLower(expr) {
	case "@daily":
		return cronTrigger("0 9 * * *", loc), nil
	case "@weekly":
		return cronTrigger("0 20 * * 0", loc), nil
	case "@monthly":
		return cronTrigger("0 9 1 * *", loc), nil
	}

	if t := parseNatural(expr, loc); t != nil {
		return t, nil
	}

	// raw cron passes through after validation
	if _, err := cron.ParseStandard(expr); err == nil && looksLikeCron(expr) {
		return cronTrigger(expr, loc), nil
	}

	// one-shot natural datetime
	if m := atPrefixRE.FindStringSubmatch(expr); m != nil {
		if t := parseOnce(m[1], loc); t != nil {
			return t, nil
		}
	}

	logging.SchedulerDebug("Unrecognized schedule expression: %q", expr)
	return nil, fmt.Errorf("%w: %q", ErrUnrecognized, expr)
}

// parseNatural matches the fixed natural-language forms in order.
func parseNatural(expr string, loc *time.Location) *Trigger {
	if m := everyWeekdayDayRE.FindStringSubmatch(expr); m != nil {
		h, min := clock(m[2], m[3], m[4])
		return cronTrigger(fmt.Sprintf("%d %d * * %d", min, h, weekdays[strings.ToLower(m[1])]), loc)
	}
	if m := weekdayDayRE.FindStringSubmatch(expr); m != nil {
		h, min := clock(m[2], m[3], m[4])
		return cronTrigger(fmt.Sprintf("%d %d * * %d", min, h, weekdays[strings.ToLower(m[1])]), loc)
	}
	if m := dailyRE.FindStringSubmatch(expr); m != nil {
		h, min := clock(m[1], m[2], m[3])
		return cronTrigger(fmt.Sprintf("%d %d * * *", min, h), loc)
	}
	if m := everyWorkdayRE.FindStringSubmatch(expr); m != nil {
		h, min := clock(m[1], m[2], m[3])
		return cronTrigger(fmt.Sprintf("%d %d * * 1-5", min, h), loc)
	}
	if m := everyUnitRE.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return nil
		}
		switch strings.ToLower(m[2]) {
		case "second":
			return &Trigger{Kind: KindInterval, Value: fmt.Sprintf("@every %ds", n), Loc: loc}
		case "minute":
			return cronTrigger(fmt.Sprintf("*/%d * * * *", n), loc)
		case "hour":
			return cronTrigger(fmt.Sprintf("0 */%d * * *", n), loc)
		}
	}
	if m := firstWeekdayRE.FindStringSubmatch(expr); m != nil {
		h, min := clock(m[2], m[3], m[4])
		return cronTrigger(fmt.Sprintf("%d %d 1-7 * %d", min, h, weekdays[strings.ToLower(m[1])]), loc)
	}
	if m := lastDayRE.FindStringSubmatch(expr); m != nil {
		h, min := clock(m[1], m[2], m[3])
		return cronTrigger(fmt.Sprintf("%d %d 28-31 * *", min, h), loc)
	}
	return nil
}

// parseOnce resolves a natural datetime ("at tomorrow 3pm") to a one-shot
// trigger in the future.
func parseOnce(text string, loc *time.Location) *Trigger {
	now := time.Now().In(loc)
	r, err := nlParser.Parse(text, now)
	if err != nil || r == nil {
		return nil
	}
	if !r.Time.After(now) {
		return nil
	}
	return &Trigger{Kind: KindOnce, Value: r.Time.Format(time.RFC3339), Loc: loc}
}

func cronTrigger(expr string, loc *time.Location) *Trigger {
	return &Trigger{Kind: KindCron, Value: expr, Loc: loc}
}

// clock converts matched hour/minute/meridiem groups to 24h values.
func clock(hour, minute, meridiem string) (int, int) {
	h, _ := strconv.Atoi(hour)
	m := 0
	if minute != "" {
		m, _ = strconv.Atoi(minute)
	}
	switch strings.ToLower(meridiem) {
	case "pm":
		if h != 12 {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}
	return h, m
}

// looksLikeCron keeps cron validation from swallowing natural language:
// a cron expression is exactly five whitespace-separated fields of cron
// vocabulary.
func looksLikeCron(expr string) bool {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false
	}
	for _, f := range fields {
		for _, r := range f {
			if !strings.ContainsRune("0123456789*/,-", r) {
				return false
			}
		}
	}
	return true
}
