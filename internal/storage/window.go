package storage

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Window is a named relative time window: rows newer than now minus Duration.
type Window struct {
	Label    string
	Duration time.Duration
}

// Windows are the preset history windows offered to clients.
var Windows = []Window{
	{"15m", 15 * time.Minute},
	{"1h", time.Hour},
	{"3h", 3 * time.Hour},
	{"6h", 6 * time.Hour},
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
}

var (
	modifierRe = regexp.MustCompile(`^-?\s*(\d+(?:\.\d+)?)\s+(second|minute|hour|day)s?$`)
	daysRe     = regexp.MustCompile(`^(\d+)d$`)
)

const (
	day           = 24 * time.Hour
	maxWindowDays = math.MaxInt64 / int64(day)
)

var modifierUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    day,
}

// ParseWindow parses a relative window. It accepts preset labels ("1h",
// "7d"), SQLite-style modifiers ("-1 hour", "-7 days") and Go durations
// ("90m"). The result is always positive.
func ParseWindow(s string) (time.Duration, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" {
		return 0, fmt.Errorf("window must not be empty")
	}

	for _, w := range Windows {
		if w.Label == trimmed {
			return w.Duration, nil
		}
	}

	var d time.Duration
	if m := modifierRe.FindStringSubmatch(trimmed); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("parse window %q: %w", s, err)
		}
		f := n * float64(modifierUnits[m[2]])
		if f >= math.MaxInt64 {
			return 0, fmt.Errorf("window %q is out of range", s)
		}
		d = time.Duration(f)
	} else if m := daysRe.FindStringSubmatch(trimmed); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse window %q: %w", s, err)
		}
		if n > maxWindowDays {
			return 0, fmt.Errorf("window %q is out of range", s)
		}
		d = time.Duration(n) * day
	} else {
		var err error
		d, err = time.ParseDuration(strings.TrimPrefix(trimmed, "-"))
		if err != nil {
			return 0, fmt.Errorf("parse window %q: %w", s, err)
		}
	}

	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %q", s)
	}
	return d, nil
}
