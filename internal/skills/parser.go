// Package skills loads declarative skills from markdown files and keeps
// the store's skill rows in sync with the skills directory. A skill is
// either a prompt fragment joined into the system prompt or an
// in-process tool that returns its content.
package skills

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/troupe/pkg/models"
)

// frontmatterDelimiter marks both edges of the YAML header.
const frontmatterDelimiter = "---"

// fileSourceConfig tags rows owned by the skills directory, so syncs can
// drop rows whose file disappeared without touching direct DB rows.
var fileSourceConfig = json.RawMessage(`{"source":"file"}`)

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
	Enabled     *bool  `yaml:"enabled"`
}

// ParseFile reads one skill definition. The skill id is the file name
// without its extension.
func ParseFile(path string) (*models.Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(id, data)
}

// Parse parses skill file content: YAML frontmatter (name, description,
// type, enabled) followed by the markdown body.
func Parse(id string, data []byte) (*models.Skill, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}

	skillType := models.SkillType(fm.Type)
	switch skillType {
	case "":
		skillType = models.SkillPrompt
	case models.SkillPrompt, models.SkillTool:
	default:
		return nil, fmt.Errorf("unknown skill type %q", fm.Type)
	}

	enabled := true
	if fm.Enabled != nil {
		enabled = *fm.Enabled
	}

	return &models.Skill{
		ID:          id,
		Name:        fm.Name,
		Description: fm.Description,
		Content:     strings.TrimSpace(string(body)),
		Type:        skillType,
		Config:      fileSourceConfig,
		Enabled:     enabled,
	}, nil
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty skill file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var header []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		header = append(header, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(header, "\n")), []byte(strings.Join(body, "\n")), nil
}

// fromFile reports whether a skill row is owned by the skills directory.
func fromFile(sk *models.Skill) bool {
	if len(sk.Config) == 0 {
		return false
	}
	var cfg struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(sk.Config, &cfg); err != nil {
		return false
	}
	return cfg.Source == "file"
}
