// Package toolutil provides input helpers shared by the CLI and the MCP tools.
package toolutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go_roletrends/internal/engine/harvest"
)

// DefaultLookback is the window used when nothing earlier is known.
const DefaultLookback = 24 * time.Hour

var layouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime reads an absolute timestamp (RFC 3339, or a date / datetime
// without zone, taken as UTC) or a lookback relative to now such as "36h"
// or "7d".
func ParseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	if d, ok := parseLookback(s); ok {
		return now.Add(-d).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want RFC 3339, YYYY-MM-DD, or a lookback like 24h / 7d)", s)
}

func parseLookback(s string) (time.Duration, bool) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, false
		}
		return time.Duration(n) * 24 * time.Hour, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// ParseWindow builds an application window. after is required; before is
// optional and must be later than after.
func ParseWindow(after, before string, now time.Time) (harvest.Window, error) {
	var w harvest.Window
	if strings.TrimSpace(after) == "" {
		return w, errors.New("created_after is required")
	}
	a, err := ParseTime(after, now)
	if err != nil {
		return w, fmt.Errorf("created_after: %w", err)
	}
	w.CreatedAfter = a
	if strings.TrimSpace(before) != "" {
		b, err := ParseTime(before, now)
		if err != nil {
			return w, fmt.Errorf("created_before: %w", err)
		}
		if !b.After(a) {
			return w, fmt.Errorf("created_before %s is not after created_after %s", b.Format(time.RFC3339), a.Format(time.RFC3339))
		}
		w.CreatedBefore = b
	}
	return w, nil
}

// WindowSince returns the window starting at last, or DefaultLookback before
// now when last is zero. The window stays open-ended.
func WindowSince(last, now time.Time) harvest.Window {
	if last.IsZero() {
		return harvest.Window{CreatedAfter: now.Add(-DefaultLookback).UTC()}
	}
	return harvest.Window{CreatedAfter: last.UTC()}
}

// NormLimit clamps a list limit into [1, maxLimit], using def for <= 0.
func NormLimit(n, def, maxLimit int) int {
	if n <= 0 {
		return def
	}
	return min(n, maxLimit)
}
