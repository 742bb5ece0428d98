package config

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// SessionConfig is the trading window, expressed as wall-clock times in Timezone
type SessionConfig struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
	// Weekends opens the session on Saturday and Sunday, for paper runs
	Weekends bool `yaml:"weekends"`
}

func (s SessionConfig) validate() error {
	start, err := parseClock(s.Start)
	if err != nil {
		return fmt.Errorf("session.start: %w", err)
	}
	end, err := parseClock(s.End)
	if err != nil {
		return fmt.Errorf("session.end: %w", err)
	}
	if end <= start {
		return fmt.Errorf("session.end %s must be after session.start %s", s.End, s.Start)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("session.timezone: %w", err)
	}
	return nil
}

// Location returns the session timezone, falling back to UTC if it cannot load
func (s SessionConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InSession reports whether t falls on a weekday (any day with Weekends)
// within [Start, End] in the session timezone.
func (s SessionConfig) InSession(t time.Time) bool {
	local := t.In(s.Location())
	if !s.Weekends && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return false
	}
	start, err := parseClock(s.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(s.End)
	if err != nil {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= start && minutes <= end
}

// TradingDay returns the calendar date of t in the session timezone
func (s SessionConfig) TradingDay(t time.Time) string {
	return t.In(s.Location()).Format("2006-01-02")
}

// parseClock parses HH:MM into minutes after midnight
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}
