package mcp

import "testing"

func TestFormatToolName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"gmailSearchMessages", "gmail search messages"},
		{"search_messages", "search messages"},
		{"driveGetFile", "drive get file"},
		{"list__events", "list events"},
		{"Search  Files", "search files"},
		{"quote", "quote"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := FormatToolName(tc.in); got != tc.want {
			t.Errorf("FormatToolName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
