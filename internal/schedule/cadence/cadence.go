// Package cadence parses the recurrence directive embedded in a
// recurring job's description.
package cadence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	str2duration "github.com/xhit/go-str2duration/v2"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Cadence is the recurrence directive of a recurring job.
type Cadence struct {
	Kind  string        // "every", "cron", or "daily"
	Every time.Duration // set for "every"
	Expr  string        // set for "cron"
	At    string        // set for "daily", as HH:MM

	sched cron.Schedule
}

// ParseCadence extracts the recurrence directive from a job description.
// The directive sits at the start of the description, optionally in
// square brackets:
//
//	[every 2h30m] Check for new invoices
//	[cron 0 9 * * MON] Weekly planning notes
//	daily at 08:00 send me a digest
//
// In the bare cron form the expression may be followed by prompt text;
// the longest leading token window that parses wins.
func ParseCadence(description string) (Cadence, error) {
	c, _, err := SplitCadence(description)
	return c, err
}

// SplitCadence parses like ParseCadence and also returns the prompt
// text that follows the directive, whitespace-normalized.
func SplitCadence(description string) (Cadence, string, error) {
	s := strings.TrimSpace(description)
	if s == "" {
		return Cadence{}, "", fmt.Errorf("empty description")
	}
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return Cadence{}, "", fmt.Errorf("unterminated cadence directive")
		}
		c, _, err := parseDirective(strings.TrimSpace(s[1:end]))
		if err != nil {
			return Cadence{}, "", err
		}
		return c, strings.TrimSpace(s[end+1:]), nil
	}
	c, consumed, err := parseDirective(s)
	if err != nil {
		return Cadence{}, "", err
	}
	fields := strings.Fields(s)
	return c, strings.Join(fields[consumed:], " "), nil
}

// parseDirective parses the directive at the head of s and reports how
// many whitespace-separated fields it consumed.
func parseDirective(s string) (Cadence, int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Cadence{}, 0, fmt.Errorf("empty cadence directive")
	}
	switch strings.ToLower(fields[0]) {
	case "every":
		if len(fields) < 2 {
			return Cadence{}, 0, fmt.Errorf("every: missing duration")
		}
		d, err := str2duration.ParseDuration(fields[1])
		if err != nil {
			return Cadence{}, 0, fmt.Errorf("every: invalid duration %q", fields[1])
		}
		if d <= 0 {
			return Cadence{}, 0, fmt.Errorf("every: duration must be positive")
		}
		return Cadence{Kind: "every", Every: d}, 2, nil

	case "cron":
		if len(fields) < 2 {
			return Cadence{}, 0, fmt.Errorf("cron: missing expression")
		}
		max := len(fields) - 1
		if max > 6 {
			max = 6
		}
		for n := max; n >= 1; n-- {
			expr := strings.Join(fields[1:1+n], " ")
			sched, err := cronParser.Parse(expr)
			if err == nil {
				return Cadence{Kind: "cron", Expr: expr, sched: sched}, 1 + n, nil
			}
		}
		return Cadence{}, 0, fmt.Errorf("cron: invalid expression %q", strings.Join(fields[1:], " "))

	case "daily":
		if len(fields) < 3 || !strings.EqualFold(fields[1], "at") {
			return Cadence{}, 0, fmt.Errorf(`daily: expected "daily at HH:MM"`)
		}
		if _, err := time.Parse("15:04", fields[2]); err != nil {
			return Cadence{}, 0, fmt.Errorf("daily: invalid time %q", fields[2])
		}
		return Cadence{Kind: "daily", At: fields[2]}, 3, nil
	}
	return Cadence{}, 0, fmt.Errorf(`no cadence directive: description must start with "every <duration>", "cron <expr>", or "daily at HH:MM"`)
}

// Next returns when the job becomes eligible again after a run at now.
func (c Cadence) Next(now time.Time) time.Time {
	switch c.Kind {
	case "every":
		return now.Add(c.Every)
	case "cron":
		return c.sched.Next(now)
	case "daily":
		at, _ := time.Parse("15:04", c.At)
		next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
	return now
}
