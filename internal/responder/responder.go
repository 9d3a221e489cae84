// ABOUTME: Deterministic auto-response evaluation for inbound client messages
// ABOUTME: Rules are tried by priority, filtered by holiday, weekday and time window, then matched

package responder

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

// Decision is the outcome of evaluating one message.
type Decision struct {
	Matched         bool
	RuleKey         string
	Text            string
	TypingDelay     time.Duration
	ResponseDelay   time.Duration
	ForwardToSector string
}

// Responder picks the auto-reply for a message, if any.
type Responder struct {
	source   RuleSource
	holidays HolidayCalendar
	loc      *time.Location
	logger   *slog.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp // nil value marks an invalid pattern
}

// New creates a Responder. A nil calendar means no holidays; a nil location means UTC.
func New(source RuleSource, holidays HolidayCalendar, loc *time.Location, logger *slog.Logger) *Responder {
	if holidays == nil {
		holidays = DateCalendar(nil)
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		source:   source,
		holidays: holidays,
		loc:      loc,
		logger:   logger.With("component", "responder"),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Evaluate returns the reply for text at time now. Rules are tried by
// priority (highest first), ties broken by key; the first eligible match wins.
// Identical inputs always produce identical decisions.
func (r *Responder) Evaluate(ctx context.Context, conv *store.Conversation, client *store.Client, text string, now time.Time) (Decision, error) {
	rules, err := r.source.Rules(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("loading rules: %w", err)
	}

	ordered := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.IsActive() {
			ordered = append(ordered, rule)
		}
	}
	slices.SortFunc(ordered, func(a, b Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})

	local := now.In(r.loc)
	holiday := r.holidays.IsHoliday(local)
	minute := local.Hour()*60 + local.Minute()

	for _, rule := range ordered {
		if holiday && !rule.RespondOnHoliday {
			continue
		}
		if !r.dayAllowed(rule, local.Weekday()) {
			continue
		}
		if !r.inWindow(rule, minute) {
			continue
		}
		if !r.matches(rule, text) {
			continue
		}

		r.logger.Debug("auto-response rule matched", "rule", rule.Key, "conversation_id", conversationID(conv))
		return Decision{
			Matched:         true,
			RuleKey:         rule.Key,
			Text:            render(rule.Response, client, local),
			TypingDelay:     time.Duration(rule.TypingDelay),
			ResponseDelay:   time.Duration(rule.ResponseDelay),
			ForwardToSector: rule.ForwardToSector,
		}, nil
	}

	return Decision{}, nil
}

func (r *Responder) dayAllowed(rule Rule, day time.Weekday) bool {
	days, err := parseDays(rule.AllowedDays)
	if err != nil {
		return false
	}
	return days == nil || days[day]
}

func (r *Responder) inWindow(rule Rule, minute int) bool {
	if rule.ScheduleStart == "" && rule.ScheduleEnd == "" {
		return true
	}
	start, err := parseClock(rule.ScheduleStart, 0)
	if err != nil {
		return false
	}
	end, err := parseClock(rule.ScheduleEnd, 23*60+59)
	if err != nil {
		return false
	}
	return withinSchedule(minute, start, end)
}

// matches tries case-insensitive containment of every trigger first, then
// each trigger as a regular expression against the raw text. Triggers that
// do not compile never match.
func (r *Responder) matches(rule Rule, text string) bool {
	lower := strings.ToLower(text)
	for _, trig := range rule.Triggers {
		if trig != "" && strings.Contains(lower, strings.ToLower(trig)) {
			return true
		}
	}
	for _, trig := range rule.Triggers {
		if re := r.pattern(trig); re != nil && re.MatchString(text) {
			return true
		}
	}
	return false
}

func (r *Responder) pattern(expr string) *regexp.Regexp {
	if expr == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if re, ok := r.patterns[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		r.logger.Debug("trigger is not a valid pattern", "trigger", expr, "error", err)
		re = nil
	}
	r.patterns[expr] = re
	return re
}

// render expands the placeholders {client_name}, {first_name}, {greeting},
// {date} and {time}.
func render(tmpl string, client *store.Client, local time.Time) string {
	name := ""
	if client != nil {
		name = strings.TrimSpace(client.DisplayName)
	}
	first, _, _ := strings.Cut(name, " ")

	return strings.NewReplacer(
		"{client_name}", name,
		"{first_name}", first,
		"{greeting}", greeting(local),
		"{date}", local.Format("02/01/2006"),
		"{time}", local.Format("15:04"),
	).Replace(tmpl)
}

func greeting(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "Bom dia"
	case h >= 12 && h < 18:
		return "Boa tarde"
	default:
		return "Boa noite"
	}
}

func conversationID(conv *store.Conversation) string {
	if conv == nil {
		return ""
	}
	return conv.ID
}
