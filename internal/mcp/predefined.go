package mcp

import (
	"strings"

	"github.com/haasonsaas/troupe/pkg/models"
)

// PredefinedServer is a catalog entry users can install with one call.
// OAuth-backed entries name the broker provider; API-key entries name
// the environment variable the key is delivered through.
type PredefinedServer struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Command     string                `json:"command"`
	Args        []string              `json:"args"`
	Auth        *models.MCPServerAuth `json:"auth,omitempty"`
	Hidden      bool                  `json:"-"`
}

var predefinedCatalog = []PredefinedServer{
	{
		ID:          "gmail-mcp",
		Name:        "Gmail",
		Description: "Search, read, and send mail in a connected Gmail account.",
		Command:     "npx",
		Args:        []string{"-y", "gmail-mcp-server"},
		Auth:        &models.MCPServerAuth{Provider: "google"},
	},
	{
		ID:          "google-calendar-mcp",
		Name:        "Google Calendar",
		Description: "List and manage events in a connected Google Calendar.",
		Command:     "npx",
		Args:        []string{"-y", "google-calendar-mcp"},
		Auth:        &models.MCPServerAuth{Provider: "google"},
	},
	{
		ID:          "google-drive-mcp-lib",
		Name:        "Google Drive",
		Description: "Search and fetch files from a connected Google Drive.",
		Command:     "npx",
		Args:        []string{"-y", "google-drive-mcp-lib"},
		Auth:        &models.MCPServerAuth{Provider: "google"},
	},
	{
		ID:          "github-mcp",
		Name:        "GitHub",
		Description: "Work with repositories, issues, and pull requests.",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-github"},
		Auth:        &models.MCPServerAuth{Provider: "github"},
	},
	{
		ID:          "alphavantage",
		Name:        "Alpha Vantage",
		Description: "Stock quotes and market data by API key.",
		Command:     "npx",
		Args:        []string{"-y", "alphavantage-mcp"},
		Auth:        &models.MCPServerAuth{APIKeyEnv: "ALPHAVANTAGE_API_KEY"},
	},
	{
		ID:          "twelvedata",
		Name:        "Twelve Data",
		Description: "Realtime and historical financial data by API key.",
		Command:     "npx",
		Args:        []string{"-y", "twelvedata-mcp"},
		Auth:        &models.MCPServerAuth{APIKeyEnv: "TWELVEDATA_API_KEY"},
	},
	{
		ID:          "filesystem-mcp",
		Name:        "Filesystem",
		Description: "Read files from the local scratch directory.",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
		Hidden:      true,
	},
}

// Predefined returns the full static catalog, hidden entries included.
func Predefined() []PredefinedServer {
	out := make([]PredefinedServer, len(predefinedCatalog))
	copy(out, predefinedCatalog)
	return out
}

// FindPredefined looks a catalog entry up by id.
func FindPredefined(id string) (PredefinedServer, bool) {
	for _, p := range predefinedCatalog {
		if p.ID == id {
			return p, true
		}
	}
	return PredefinedServer{}, false
}

// MakeServerID stamps an account email into a server id. Instances of
// one backend for different accounts coexist under distinct ids.
func MakeServerID(baseID, accountEmail string) string {
	if accountEmail == "" {
		return baseID
	}
	return baseID + "~" + accountEmail
}

// ParseServerID splits a server id into its base and account email.
func ParseServerID(id string) (baseID, accountEmail string) {
	base, email, found := strings.Cut(id, "~")
	if !found {
		return id, ""
	}
	return base, email
}
