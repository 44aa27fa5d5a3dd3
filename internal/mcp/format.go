package mcp

import (
	"strings"
	"unicode"
)

// FormatToolName turns a wire tool name into a display name: spaces
// before uppercase runs, underscores to spaces, lowercased, whitespace
// collapsed. "gmailSearchMessages" becomes "gmail search messages".
func FormatToolName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte(' ')
		}
		if r == '_' {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
