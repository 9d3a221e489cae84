// ABOUTME: Auto-response rule model and its TOML file representation
// ABOUTME: Parses schedule windows, weekday lists and delay durations once at load

package responder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rule is one auto-response rule.
type Rule struct {
	Key              string   `toml:"key"`
	Triggers         []string `toml:"triggers"`
	Response         string   `toml:"response"`
	Priority         int      `toml:"priority"`
	Active           *bool    `toml:"active"` // nil means active
	ScheduleStart    string   `toml:"schedule_start"`
	ScheduleEnd      string   `toml:"schedule_end"`
	AllowedDays      []string `toml:"allowed_days"`
	RespondOnHoliday bool     `toml:"respond_on_holiday"`
	TypingDelay      Duration `toml:"typing_delay"`
	ResponseDelay    Duration `toml:"response_delay"`
	ForwardToSector  string   `toml:"forward_to_sector"`
}

// IsActive reports whether the rule takes part in evaluation.
func (r Rule) IsActive() bool {
	return r.Active == nil || *r.Active
}

// Validate checks the fields evaluation relies on.
func (r Rule) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("rule key is required")
	}
	if len(r.Triggers) == 0 {
		return fmt.Errorf("rule %q: at least one trigger is required", r.Key)
	}
	if r.Response == "" {
		return fmt.Errorf("rule %q: response is required", r.Key)
	}
	if _, err := parseClock(r.ScheduleStart, 0); err != nil {
		return fmt.Errorf("rule %q: schedule_start: %w", r.Key, err)
	}
	if _, err := parseClock(r.ScheduleEnd, 0); err != nil {
		return fmt.Errorf("rule %q: schedule_end: %w", r.Key, err)
	}
	if _, err := parseDays(r.AllowedDays); err != nil {
		return fmt.Errorf("rule %q: %w", r.Key, err)
	}
	return nil
}

// Duration is a time.Duration written as a string ("2s") in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("duration %q must not be negative", text)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// parseClock converts "HH:MM" to minutes after midnight. Empty input yields def.
func parseClock(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has invalid minutes", s)
	}
	return h*60 + m, nil
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday, "dom": time.Sunday, "domingo": time.Sunday,
	"mon": time.Monday, "monday": time.Monday, "seg": time.Monday, "segunda": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday, "ter": time.Tuesday, "terca": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday, "qua": time.Wednesday, "quarta": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday, "qui": time.Thursday, "quinta": time.Thursday,
	"fri": time.Friday, "friday": time.Friday, "sex": time.Friday, "sexta": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday, "sab": time.Saturday, "sabado": time.Saturday,
}

// parseDays converts day names to a weekday set. An empty list allows every day.
func parseDays(names []string) (map[time.Weekday]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	days := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		d, ok := dayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", n)
		}
		days[d] = true
	}
	return days, nil
}

// withinSchedule reports whether minute-of-day m falls inside [start, end].
// A window whose start is after its end wraps past midnight.
func withinSchedule(m, start, end int) bool {
	if start <= end {
		return m >= start && m <= end
	}
	return m >= start || m <= end
}
