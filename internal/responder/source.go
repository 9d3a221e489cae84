// ABOUTME: Rule and holiday sources for the auto-responder
// ABOUTME: FileSource reloads a TOML rule file when it changes on disk

package responder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// RuleSource supplies the current rule set.
type RuleSource interface {
	Rules(ctx context.Context) ([]Rule, error)
}

// HolidayCalendar reports whether a local date is a holiday.
type HolidayCalendar interface {
	IsHoliday(t time.Time) bool
}

// StaticRules is a fixed rule set.
type StaticRules []Rule

func (s StaticRules) Rules(context.Context) ([]Rule, error) {
	return s, nil
}

// DateCalendar holds holidays as YYYY-MM-DD strings.
type DateCalendar map[string]bool

// NewDateCalendar builds a calendar from ISO dates, ignoring malformed ones.
func NewDateCalendar(dates []string) DateCalendar {
	cal := make(DateCalendar, len(dates))
	for _, d := range dates {
		if _, err := time.Parse(time.DateOnly, d); err == nil {
			cal[d] = true
		}
	}
	return cal
}

func (c DateCalendar) IsHoliday(t time.Time) bool {
	return c[t.Format(time.DateOnly)]
}

// ruleFile is the on-disk layout:
//
//	[[rule]]
//	key = "greeting"
//	triggers = ["oi", "bom dia"]
//	response = "Olá {first_name}!"
type ruleFile struct {
	Rules []Rule `toml:"rule"`
}

// FileSource serves rules from a TOML file, re-reading it when its
// modification time changes. Checks happen at most once per checkEvery.
// A file that fails to parse leaves the previous rules in place.
type FileSource struct {
	path       string
	checkEvery time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	rules     []Rule
	modTime   time.Time
	lastCheck time.Time
	loaded    bool
}

// NewFileSource loads path once and returns a source that follows its changes.
// A missing file is not an error: no rules apply until it appears.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsrc := &FileSource{
		path:       path,
		checkEvery: time.Second,
		logger:     logger.With("component", "rules"),
	}
	if err := fsrc.reload(); err != nil {
		return nil, err
	}
	return fsrc, nil
}

func (f *FileSource) Rules(context.Context) ([]Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if time.Since(f.lastCheck) >= f.checkEvery {
		if err := f.reloadLocked(); err != nil {
			f.logger.Error("keeping previous auto-response rules", "path", f.path, "error", err)
		}
	}
	return f.rules, nil
}

func (f *FileSource) reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloadLocked()
}

func (f *FileSource) reloadLocked() error {
	f.lastCheck = time.Now()

	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		if !f.loaded || f.rules != nil {
			f.logger.Warn("auto-response rules file not found, no rules active", "path", f.path)
		}
		f.rules = nil
		f.modTime = time.Time{}
		f.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking rules file: %w", err)
	}
	if f.loaded && info.ModTime().Equal(f.modTime) {
		return nil
	}

	rules, err := LoadRules(f.path)
	if err != nil {
		return err
	}
	f.rules = rules
	f.modTime = info.ModTime()
	f.loaded = true
	f.logger.Info("loaded auto-response rules", "path", f.path, "count", len(rules))
	return nil
}

// LoadRules parses and validates a TOML rule file.
func LoadRules(path string) ([]Rule, error) {
	var rf ruleFile
	if _, err := toml.DecodeFile(path, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	seen := make(map[string]bool, len(rf.Rules))
	for _, r := range rf.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Key] {
			return nil, fmt.Errorf("duplicate rule key %q", r.Key)
		}
		seen[r.Key] = true
	}
	return rf.Rules, nil
}
