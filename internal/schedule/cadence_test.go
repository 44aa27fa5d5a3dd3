package schedule

import (
	"testing"
	"time"
)

func TestParseCadenceEvery(t *testing.T) {
	c, err := ParseCadence("[every 2h30m] Check for new invoices")
	if err != nil {
		t.Fatalf("ParseCadence() error = %v", err)
	}
	if c.Kind != "every" || c.Every != 2*time.Hour+30*time.Minute {
		t.Fatalf("cadence = %+v, want every 2h30m", c)
	}

	c, err = ParseCadence("every 1d12h rotate the logs")
	if err != nil {
		t.Fatalf("ParseCadence() bare error = %v", err)
	}
	if c.Every != 36*time.Hour {
		t.Fatalf("Every = %v, want 36h", c.Every)
	}
}

func TestParseCadenceCron(t *testing.T) {
	c, err := ParseCadence("[cron 0 9 * * MON] Weekly planning notes")
	if err != nil {
		t.Fatalf("ParseCadence() error = %v", err)
	}
	if c.Kind != "cron" || c.Expr != "0 9 * * MON" {
		t.Fatalf("cadence = %+v, want cron 0 9 * * MON", c)
	}

	c, err = ParseCadence("cron 0 9 * * 1-5 summarize my inbox")
	if err != nil {
		t.Fatalf("ParseCadence() bare error = %v", err)
	}
	if c.Expr != "0 9 * * 1-5" {
		t.Fatalf("Expr = %q, trailing prompt text should be excluded", c.Expr)
	}

	c, err = ParseCadence("cron @daily archive old threads")
	if err != nil {
		t.Fatalf("ParseCadence() descriptor error = %v", err)
	}
	if c.Expr != "@daily" {
		t.Fatalf("Expr = %q, want @daily", c.Expr)
	}
}

func TestParseCadenceDaily(t *testing.T) {
	c, err := ParseCadence("daily at 08:00 send me a digest")
	if err != nil {
		t.Fatalf("ParseCadence() error = %v", err)
	}
	if c.Kind != "daily" || c.At != "08:00" {
		t.Fatalf("cadence = %+v, want daily at 08:00", c)
	}
}

func TestParseCadenceErrors(t *testing.T) {
	tests := []struct {
		name        string
		description string
	}{
		{"empty", "   "},
		{"unterminated bracket", "[every 2h check email"},
		{"no directive", "Summarize my inbox every morning"},
		{"every missing duration", "[every]"},
		{"every bad duration", "every soon do something"},
		{"cron bad expression", "[cron not an expr]"},
		{"daily missing at", "daily 09:00"},
		{"daily bad time", "daily at 9am"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCadence(tt.description); err == nil {
				t.Fatalf("ParseCadence(%q) expected error", tt.description)
			}
		})
	}
}

func TestCadenceNext(t *testing.T) {
	// 2026-03-02 is a Monday.
	monday8 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	c, err := ParseCadence("[every 45m] poll")
	if err != nil {
		t.Fatalf("ParseCadence() error = %v", err)
	}
	if got := c.Next(monday8); !got.Equal(monday8.Add(45 * time.Minute)) {
		t.Fatalf("every Next = %v, want %v", got, monday8.Add(45*time.Minute))
	}

	c, err = ParseCadence("[cron 0 9 * * MON] plan")
	if err != nil {
		t.Fatalf("ParseCadence() error = %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if got := c.Next(monday8); !got.Equal(want) {
		t.Fatalf("cron Next = %v, want %v", got, want)
	}

	c, err = ParseCadence("[daily at 09:00] digest")
	if err != nil {
		t.Fatalf("ParseCadence() error = %v", err)
	}
	if got := c.Next(monday8); !got.Equal(want) {
		t.Fatalf("daily Next before boundary = %v, want %v", got, want)
	}
	after := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if got := c.Next(after); !got.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("daily Next after boundary = %v, want %v", got, want.AddDate(0, 0, 1))
	}
}
