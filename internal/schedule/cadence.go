// Package schedule runs scheduled jobs: a ticker picks up due work from
// the store, replays each job's description as a headless turn, and
// reschedules recurring jobs from the cadence directive embedded in the
// description.
package schedule

import (
	"github.com/haasonsaas/troupe/internal/schedule/cadence"
)

// Cadence is the recurrence directive of a recurring job.
type Cadence = cadence.Cadence

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
	return cadence.ParseCadence(description)
}

// SplitCadence parses like ParseCadence and also returns the prompt
// text that follows the directive, whitespace-normalized.
func SplitCadence(description string) (Cadence, string, error) {
	return cadence.SplitCadence(description)
}
